package encryption

import (
	"errors"
	"fmt"

	"e2e_core/internal/model"

	"golang.org/x/crypto/nacl/box"
)

// MaxBoxSize bounds a single plaintext handed to the engine.
const MaxBoxSize = 1024 * 1024

var (
	ErrAuthenticationFailed = errors.New("box authentication failed")
	ErrMessageTooLarge      = errors.New("plaintext too large")
)

// Engine is the authenticated public-key encryption used for envelopes.
type Engine interface {
	Encrypt(plaintext []byte, senderPriv model.PrivateKey, recipientPub model.PublicKey, nonce model.Nonce) ([]byte, error)
	Decrypt(ciphertext []byte, recipientPriv model.PrivateKey, senderPub model.PublicKey, nonce model.Nonce) ([]byte, error)
}

// NaCl is XSalsa20-Poly1305 over a Curve25519 key agreement.
type NaCl struct{}

var _ Engine = NaCl{}

func (NaCl) Encrypt(plaintext []byte, senderPriv model.PrivateKey, recipientPub model.PublicKey, nonce model.Nonce) ([]byte, error) {
	if len(plaintext) > MaxBoxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, len(plaintext), MaxBoxSize)
	}
	n := [24]byte(nonce)
	pub := [32]byte(recipientPub)
	priv := [32]byte(senderPriv)
	return box.Seal(nil, plaintext, &n, &pub, &priv), nil
}

func (NaCl) Decrypt(ciphertext []byte, recipientPriv model.PrivateKey, senderPub model.PublicKey, nonce model.Nonce) ([]byte, error) {
	if len(ciphertext) < box.Overhead {
		return nil, fmt.Errorf("%w: ciphertext of %d bytes", ErrAuthenticationFailed, len(ciphertext))
	}
	n := [24]byte(nonce)
	pub := [32]byte(senderPub)
	priv := [32]byte(recipientPriv)
	plain, ok := box.Open(nil, ciphertext, &n, &pub, &priv)
	if !ok {
		return nil, ErrAuthenticationFailed
	}
	return plain, nil
}
