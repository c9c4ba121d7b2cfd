package model

import (
	"encoding/binary"
	"encoding/hex"
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

const SessionIDLength = 16

type (
	SessionID [SessionIDLength]byte

	RejectCause uint8

	TerminateCause uint8

	// FSControl is the reserved variant carrying forward-secrecy negotiation.
	// Exactly one of the payload pointers is set.
	FSControl struct {
		SessionID SessionID
		Init      *FSInit
		Accept    *FSAccept
		Reject    *FSReject
		Terminate *FSTerminate
	}

	FSInit struct {
		Ephemeral  PublicKey
		MinVersion FSVersion
		MaxVersion FSVersion
	}

	FSAccept struct {
		Version FSVersion
	}

	FSReject struct {
		MessageID MessageID
		Cause     RejectCause
	}

	FSTerminate struct {
		Cause TerminateCause
	}
)

const (
	RejectUnknownSession RejectCause = iota + 1
	RejectUnsupportedVersion
	RejectStateMismatch
)

const (
	TerminateReset TerminateCause = iota + 1
	TerminateDesync
	TerminateDisabled
)

func (s SessionID) String() string { return hex.EncodeToString(s[:]) }

func (s SessionID) IsZero() bool { return s == SessionID{} }

func (c *FSControl) Type() Type { return TypeForwardSecurityControl }

func (c *FSControl) Kind() string {
	switch {
	case c.Init != nil:
		return "init"
	case c.Accept != nil:
		return "accept"
	case c.Reject != nil:
		return "reject"
	case c.Terminate != nil:
		return "terminate"
	}
	return "empty"
}

func (c *FSControl) Body() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, c.SessionID[:])

	switch {
	case c.Init != nil:
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.BytesType)
		m = protowire.AppendBytes(m, c.Init.Ephemeral[:])
		m = protowire.AppendTag(m, 2, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(c.Init.MinVersion))
		m = protowire.AppendTag(m, 3, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(c.Init.MaxVersion))
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	case c.Accept != nil:
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(c.Accept.Version))
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	case c.Reject != nil:
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.Fixed64Type)
		m = protowire.AppendFixed64(m, binary.LittleEndian.Uint64(c.Reject.MessageID[:]))
		m = protowire.AppendTag(m, 2, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(c.Reject.Cause))
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	case c.Terminate != nil:
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(c.Terminate.Cause))
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b, nil
}

func (c *FSControl) Validate() error {
	if c.SessionID.IsZero() {
		return invalid("fs control without session id")
	}
	set := 0
	for _, p := range []bool{c.Init != nil, c.Accept != nil, c.Reject != nil, c.Terminate != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return invalid("fs control with %d payloads", set)
	}
	if c.Init != nil && (c.Init.MinVersion == VersionNone || c.Init.MinVersion > c.Init.MaxVersion) {
		return invalid("fs init version range %s..%s", c.Init.MinVersion, c.Init.MaxVersion)
	}
	if c.Accept != nil && c.Accept.Version == VersionNone {
		return invalid("fs accept without version")
	}
	return nil
}

func parseFSControl(body []byte) (Content, error) {
	c := &FSControl{}
	var inner error
	err := walkFields(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return 0
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		switch num {
		case 1:
			if len(v) != SessionIDLength {
				inner = errors.Join(inner, malformed("session id of %d bytes", len(v)))
			}
			copy(c.SessionID[:], v)
		case 2:
			c.Init = &FSInit{}
			inner = errors.Join(inner, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) int {
				switch {
				case num == 1 && typ == protowire.BytesType:
					k, n := protowire.ConsumeBytes(b)
					copy(c.Init.Ephemeral[:], k)
					return n
				case num == 2 && typ == protowire.VarintType:
					x, n := protowire.ConsumeVarint(b)
					c.Init.MinVersion = FSVersion(x)
					return n
				case num == 3 && typ == protowire.VarintType:
					x, n := protowire.ConsumeVarint(b)
					c.Init.MaxVersion = FSVersion(x)
					return n
				}
				return 0
			}))
		case 3:
			c.Accept = &FSAccept{}
			inner = errors.Join(inner, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) int {
				if num == 1 && typ == protowire.VarintType {
					x, n := protowire.ConsumeVarint(b)
					c.Accept.Version = FSVersion(x)
					return n
				}
				return 0
			}))
		case 4:
			c.Reject = &FSReject{}
			inner = errors.Join(inner, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) int {
				switch {
				case num == 1 && typ == protowire.Fixed64Type:
					x, n := protowire.ConsumeFixed64(b)
					binary.LittleEndian.PutUint64(c.Reject.MessageID[:], x)
					return n
				case num == 2 && typ == protowire.VarintType:
					x, n := protowire.ConsumeVarint(b)
					c.Reject.Cause = RejectCause(x)
					return n
				}
				return 0
			}))
		case 5:
			c.Terminate = &FSTerminate{}
			inner = errors.Join(inner, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) int {
				if num == 1 && typ == protowire.VarintType {
					x, n := protowire.ConsumeVarint(b)
					c.Terminate.Cause = TerminateCause(x)
					return n
				}
				return 0
			}))
		}
		return n
	})
	if err == nil {
		err = inner
	}
	if err != nil {
		return nil, malformed("fs control: %v", err)
	}
	return c, nil
}
