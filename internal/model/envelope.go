package model

import "time"

// BoxedEnvelope is the transport form of a message. Payload is the NaCl box,
// or the forward-secrecy wrapped box when FlagForwardSecure is set.
type BoxedEnvelope struct {
	From      Identity
	To        Identity
	MessageID MessageID
	Date      time.Time
	Flags     Flags
	Type      Type
	Nonce     Nonce
	Payload   []byte
}

// Size is the declared encrypted size used for resource limits.
func (e *BoxedEnvelope) Size() int {
	return len(e.Payload)
}

func (e *BoxedEnvelope) ForwardSecure() bool {
	return e.Flags.Has(FlagForwardSecure)
}
