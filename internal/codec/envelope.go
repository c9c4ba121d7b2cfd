package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"e2e_core/internal/model"
)

// Envelope frame layout, little endian. Offsets never change.
const (
	offFrom      = 0
	offTo        = offFrom + model.IdentityLength
	offMessageID = offTo + model.IdentityLength
	offDate      = offMessageID + model.MessageIDLength
	offFlags     = offDate + 4
	offType      = offFlags + 1
	offReserved  = offType + 1
	offNonce     = offReserved + 2
	offLength    = offNonce + model.NonceLength

	HeaderSize = offLength + 4
)

// MarshalEnvelope writes the transport frame.
func MarshalEnvelope(e *model.BoxedEnvelope) ([]byte, error) {
	if !e.From.Valid() || !e.To.Valid() {
		return nil, fmt.Errorf("%w: identities %q -> %q", ErrInvalidMessage, e.From, e.To)
	}
	if e.Nonce.IsZero() {
		return nil, fmt.Errorf("%w: zero nonce", ErrInvalidMessage)
	}
	secs := e.Date.Unix()
	if secs < 0 || secs > math.MaxUint32 {
		return nil, fmt.Errorf("%w: date %s not representable", ErrInvalidMessage, e.Date)
	}
	if uint64(len(e.Payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrInvalidMessage, len(e.Payload))
	}

	b := make([]byte, HeaderSize+len(e.Payload))
	copy(b[offFrom:], e.From)
	copy(b[offTo:], e.To)
	copy(b[offMessageID:], e.MessageID[:])
	binary.LittleEndian.PutUint32(b[offDate:], uint32(secs))
	b[offFlags] = byte(e.Flags)
	b[offType] = byte(e.Type)
	copy(b[offNonce:], e.Nonce[:])
	binary.LittleEndian.PutUint32(b[offLength:], uint32(len(e.Payload)))
	copy(b[HeaderSize:], e.Payload)
	return b, nil
}

// UnmarshalEnvelope parses a transport frame. The payload is copied.
func UnmarshalEnvelope(b []byte) (*model.BoxedEnvelope, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedEnvelope, len(b))
	}
	n := binary.LittleEndian.Uint32(b[offLength:])
	if uint64(len(b)-HeaderSize) != uint64(n) {
		return nil, fmt.Errorf("%w: declared payload %d, have %d", ErrMalformedEnvelope, n, len(b)-HeaderSize)
	}

	e := &model.BoxedEnvelope{
		From:  model.Identity(b[offFrom:offTo]),
		To:    model.Identity(b[offTo:offMessageID]),
		Date:  time.Unix(int64(binary.LittleEndian.Uint32(b[offDate:])), 0).UTC(),
		Flags: model.Flags(b[offFlags]),
		Type:  model.Type(b[offType]),
	}
	if !e.From.Valid() || !e.To.Valid() {
		return nil, fmt.Errorf("%w: identities %q -> %q", ErrMalformedEnvelope, e.From, e.To)
	}
	copy(e.MessageID[:], b[offMessageID:offDate])
	copy(e.Nonce[:], b[offNonce:offLength])
	e.Payload = append([]byte(nil), b[HeaderSize:]...)
	return e, nil
}

// DeclaredSize reads the payload length of a frame without parsing the rest.
func DeclaredSize(b []byte) (int, error) {
	if len(b) < HeaderSize {
		return 0, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedEnvelope, len(b))
	}
	return int(binary.LittleEndian.Uint32(b[offLength:])), nil
}

// AssociatedData is the part of the header that layers above the box bind to.
func AssociatedData(e *model.BoxedEnvelope) []byte {
	b := make([]byte, 0, 2*model.IdentityLength+model.MessageIDLength+1)
	b = append(b, e.From...)
	b = append(b, e.To...)
	b = append(b, e.MessageID[:]...)
	return append(b, byte(e.Type))
}
