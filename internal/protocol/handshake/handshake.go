// Package handshake derives the root key a forward-secrecy session starts from.
//
// The initiator mixes its long-term key and a fresh ephemeral key with the
// responder's long-term key, so the responder can derive the same secret from
// the init message alone and the initiator can send before the session is
// accepted.
package handshake

import (
	"e2e_core/internal/cryptographic/dh"
	"e2e_core/internal/cryptographic/kdf"
	"e2e_core/internal/model"
)

const info = "e2e-core/fs/session"

type (
	Base struct {
	}

	Initiator struct {
		*Base
	}

	Responder struct {
		*Base
	}

	InitiatorKeys struct {
		StaticPriv    model.PrivateKey
		EphemeralPriv model.PrivateKey
		PeerStatic    model.PublicKey
	}

	ResponderKeys struct {
		StaticPriv    model.PrivateKey
		PeerStatic    model.PublicKey
		PeerEphemeral model.PublicKey
	}
)

func (s *Base) GenerateShareKey(sessionID model.SessionID, dh1, dh2 []byte) ([]byte, error) {
	concat := make([]byte, 0, len(dh1)+len(dh2))
	concat = append(concat, dh1...)
	concat = append(concat, dh2...)
	return kdf.Derive(concat, sessionID[:], info, 32)
}

func (s *Initiator) GenerateShareKey(sessionID model.SessionID, k InitiatorKeys) ([]byte, error) {
	dh1, err := dh.X25519SharedSecret(k.StaticPriv, k.PeerStatic)
	if err != nil {
		return nil, err
	}
	dh2, err := dh.X25519SharedSecret(k.EphemeralPriv, k.PeerStatic)
	if err != nil {
		return nil, err
	}
	return s.Base.GenerateShareKey(sessionID, dh1, dh2)
}

func (s *Responder) GenerateShareKey(sessionID model.SessionID, k ResponderKeys) ([]byte, error) {
	dh1, err := dh.X25519SharedSecret(k.StaticPriv, k.PeerStatic)
	if err != nil {
		return nil, err
	}
	dh2, err := dh.X25519SharedSecret(k.StaticPriv, k.PeerEphemeral)
	if err != nil {
		return nil, err
	}
	return s.Base.GenerateShareKey(sessionID, dh1, dh2)
}
