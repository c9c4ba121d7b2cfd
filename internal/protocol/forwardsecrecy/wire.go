package forwardsecrecy

import (
	"fmt"

	"e2e_core/internal/model"
	"e2e_core/internal/protocol/doubleratchet"
)

const wireFormat = 1

// wrapped payload: format (1) | session id (16) | applied version (1) | mode (1) | ratchet header (40) | ciphertext
const (
	offSession = 1
	offVersion = offSession + model.SessionIDLength
	offMode    = offVersion + 1
	offHeader  = offMode + 1
	offCipher  = offHeader + doubleratchet.HeaderSize
)

type wrapped struct {
	SessionID  model.SessionID
	Version    model.FSVersion
	Mode       model.ForwardSecurityMode
	Header     doubleratchet.Header
	Ciphertext []byte
}

func (w *wrapped) marshal() []byte {
	b := make([]byte, offCipher, offCipher+len(w.Ciphertext))
	b[0] = wireFormat
	copy(b[offSession:], w.SessionID[:])
	b[offVersion] = byte(w.Version)
	b[offMode] = byte(w.Mode)
	copy(b[offHeader:], w.Header.Bytes())
	return append(b, w.Ciphertext...)
}

func unmarshalWrapped(b []byte) (*wrapped, error) {
	if len(b) < offCipher {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	if b[0] != wireFormat {
		return nil, fmt.Errorf("%w: format %d", ErrMalformed, b[0])
	}
	w := &wrapped{
		Version: model.FSVersion(b[offVersion]),
		Mode:    model.ForwardSecurityMode(b[offMode]),
	}
	copy(w.SessionID[:], b[offSession:offVersion])
	h, err := doubleratchet.ParseHeader(b[offHeader:offCipher])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	w.Header = h
	w.Ciphertext = b[offCipher:]
	return w, nil
}
