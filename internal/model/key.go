package model

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"e2e_core/internal/cryptographic/dh"
)

const (
	IdentityLength  = 8
	MessageIDLength = 8
	NonceLength     = 24
	KeyLength       = 32
)

var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrInvalidKey      = errors.New("invalid key length")

	identityPattern = regexp.MustCompile(`^[A-Z0-9*][A-Z0-9]{7}$`)
)

type (
	// Identity is the eight character account id used as address on the wire.
	Identity string

	MessageID [MessageIDLength]byte

	Nonce [NonceLength]byte

	PublicKey [KeyLength]byte

	PrivateKey [KeyLength]byte

	KeyPair struct {
		Public  PublicKey
		Private PrivateKey
	}
)

func ParseIdentity(s string) (Identity, error) {
	if !identityPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, s)
	}
	return Identity(s), nil
}

func (id Identity) Valid() bool {
	return identityPattern.MatchString(string(id))
}

func (id Identity) String() string {
	return string(id)
}

// RandomMessageID returns eight bytes from crypto/rand. Uniqueness is probabilistic.
func RandomMessageID() MessageID {
	var id MessageID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return id
}

func (id MessageID) String() string {
	return hex.EncodeToString(id[:])
}

func (id MessageID) IsZero() bool {
	return id == MessageID{}
}

func ParseMessageID(s string) (MessageID, error) {
	var id MessageID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != MessageIDLength {
		return id, fmt.Errorf("message id must be %d bytes, got %d", MessageIDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func RandomNonce() (Nonce, error) {
	var n Nonce
	_, err := rand.Read(n[:])
	return n, err
}

func (n Nonce) IsZero() bool {
	return n == Nonce{}
}

func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

// Short is the first eight bytes in hex, safe for log lines.
func (n Nonce) Short() string {
	return hex.EncodeToString(n[:8])
}

func NewKeyPair() (*KeyPair, error) {
	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != KeyLength {
		return pk, fmt.Errorf("%w: %d", ErrInvalidKey, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// Contact is a peer as the processor sees it on the outbound path.
type Contact struct {
	Identity      Identity
	PublicKey     PublicKey
	ForwardSecure bool
	CreatedAt     time.Time
}

// KeyRecord is a published public key as served by the relay key directory.
type KeyRecord struct {
	Identity      Identity `json:"identity"`
	PublicKey     string   `json:"public_key"`
	ForwardSecure bool     `json:"forward_secure"`
}

func (r KeyRecord) Contact() (Contact, error) {
	if !r.Identity.Valid() {
		return Contact{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, r.Identity)
	}
	b, err := hex.DecodeString(r.PublicKey)
	if err != nil {
		return Contact{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pk, err := PublicKeyFromBytes(b)
	if err != nil {
		return Contact{}, err
	}
	return Contact{Identity: r.Identity, PublicKey: pk, ForwardSecure: r.ForwardSecure}, nil
}

func RecordOf(c Contact) KeyRecord {
	return KeyRecord{Identity: c.Identity, PublicKey: hex.EncodeToString(c.PublicKey[:]), ForwardSecure: c.ForwardSecure}
}
