package doubleratchet

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"e2e_core/internal/cryptographic/dh"
	"e2e_core/internal/cryptographic/encryption"
)

const (
	MaxSkip    = 1000
	HeaderSize = 32 + 4 + 4
)

var (
	ErrNotReady         = errors.New("ratchet cannot send before the peer's first message")
	ErrSkipLimit        = errors.New("skip limit exceeded")
	ErrAlreadyConsumed  = errors.New("message key already consumed")
	ErrNoReceivingChain = errors.New("no receiving chain")
	ErrDecrypt          = errors.New("ratchet decryption failed")
)

// Header is carried in clear next to each ratchet ciphertext.
type Header struct {
	Pub    [32]byte // sender's current ratchet public key
	MsgNum uint32   // message number in the sending chain
	Prev   uint32   // previous sending chain length (PN)
}

func (h Header) Bytes() []byte {
	b := make([]byte, HeaderSize)
	copy(b[:32], h.Pub[:])
	binary.LittleEndian.PutUint32(b[32:36], h.MsgNum)
	binary.LittleEndian.PutUint32(b[36:40], h.Prev)
	return b
}

func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) != HeaderSize {
		return h, fmt.Errorf("ratchet header of %d bytes", len(b))
	}
	copy(h.Pub[:], b[:32])
	h.MsgNum = binary.LittleEndian.Uint32(b[32:36])
	h.Prev = binary.LittleEndian.Uint32(b[36:40])
	return h, nil
}

func headerToAAD(h Header, ad []byte) []byte {
	return append(h.Bytes(), ad...)
}

func skippedKey(pub [32]byte, msgNum uint32) string {
	return hex.EncodeToString(pub[:]) + ":" + fmt.Sprint(msgNum)
}

type RatchetState struct {
	RootKey []byte

	// Our current DH (private/public) used for sending ratchets
	DHsPriv [32]byte
	DHsPub  [32]byte

	// Remote party's current DH public key
	DHr [32]byte

	// Chain keys and counters
	SendingChainKey   []byte // CKs
	ReceivingChainKey []byte // CKr
	Ns                uint32 // messages sent in current sending chain
	Nr                uint32 // messages received in current receiving chain
	PN                uint32 // previous sending chain length

	// Skipped message keys: key => messageKey
	Skipped map[string][]byte
}

// NewInitiator starts a state that can send right away towards theirPub.
func NewInitiator(rootKey []byte, theirPub [32]byte) *RatchetState {
	return NewState(rootKey, [32]byte{}, [32]byte{}, theirPub)
}

// NewResponder starts a state that waits for the initiator's first ratchet key.
func NewResponder(rootKey []byte, ourPriv, ourPub [32]byte) *RatchetState {
	return NewState(rootKey, ourPriv, ourPub, [32]byte{})
}

func NewState(rootKey []byte, ourPriv, ourPub, theirPub [32]byte) *RatchetState {
	st := &RatchetState{
		RootKey: rootKey,
		DHsPriv: ourPriv,
		DHsPub:  ourPub,
		DHr:     theirPub,
		Skipped: make(map[string][]byte),
	}
	return st
}

// Clone returns a deep copy, so a failed step can be dropped without touching the original.
func (s *RatchetState) Clone() *RatchetState {
	c := *s
	c.RootKey = bytes.Clone(s.RootKey)
	c.SendingChainKey = bytes.Clone(s.SendingChainKey)
	c.ReceivingChainKey = bytes.Clone(s.ReceivingChainKey)
	c.Skipped = make(map[string][]byte, len(s.Skipped))
	for k, v := range s.Skipped {
		c.Skipped[k] = bytes.Clone(v)
	}
	return &c
}

func (s *RatchetState) CanSend() bool {
	return s.SendingChainKey != nil || s.DHr != [32]byte{}
}

// InitiateSendingRatchet generates a new DH key for this party and derives a
// sending chain key (CKs). Call this before sending the first message of a
// new sending chain.
func (s *RatchetState) InitiateSendingRatchet() error {
	if s.DHr == [32]byte{} {
		return ErrNotReady
	}

	newPriv, newPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return err
	}

	shared, err := dh.X25519SharedSecret(newPriv, s.DHr)
	if err != nil {
		return fmt.Errorf("InitiateSendingRatchet: %w", err)
	}

	s.RootKey, s.SendingChainKey, err = KDFRootKey(s.RootKey, shared)
	if err != nil {
		return fmt.Errorf("InitiateSendingRatchet: %w", err)
	}

	s.DHsPriv = newPriv
	s.DHsPub = newPub
	s.Ns = 0
	return nil
}

// saveSkippedMessages stores keys for indices [Nr, until) of the current receiving chain.
func (s *RatchetState) saveSkippedMessages(theirPub [32]byte, until uint32) error {
	if until <= s.Nr {
		return nil
	}
	if s.ReceivingChainKey == nil {
		return ErrNoReceivingChain
	}

	toGenerate := int(until - s.Nr)
	if toGenerate > MaxSkip {
		return fmt.Errorf("%w: attempting to generate %d keys (max %d)", ErrSkipLimit, toGenerate, MaxSkip)
	}
	if len(s.Skipped)+toGenerate > MaxSkip {
		return fmt.Errorf("%w: have=%d need=%d max=%d", ErrSkipLimit, len(s.Skipped), toGenerate, MaxSkip)
	}

	for ; toGenerate > 0; toGenerate-- {
		var msgKey []byte
		var err error
		s.ReceivingChainKey, msgKey, err = KDFChainKey(s.ReceivingChainKey)
		if err != nil {
			return err
		}
		s.Skipped[skippedKey(theirPub, s.Nr)] = msgKey
		s.Nr++
	}
	return nil
}

// Send produces a header and ciphertext for the plaintext message. ad is bound
// into the authentication tag. A new sending chain starts when none exists.
func (s *RatchetState) Send(plaintext, ad []byte) (Header, []byte, error) {
	var hdr Header
	if s.SendingChainKey == nil {
		if err := s.InitiateSendingRatchet(); err != nil {
			return hdr, nil, err
		}
	}

	var msgKey []byte
	var err error
	s.SendingChainKey, msgKey, err = KDFChainKey(s.SendingChainKey)
	if err != nil {
		return hdr, nil, err
	}

	hdr.Pub = s.DHsPub
	hdr.MsgNum = s.Ns
	hdr.Prev = s.PN
	s.Ns++

	ct, err := encryption.AEADEncrypt(msgKey, plaintext, headerToAAD(hdr, ad))
	if err != nil {
		return hdr, nil, err
	}
	return hdr, ct, nil
}

// Receive decrypts a ratchet message. The state only changes when decryption
// succeeds.
func (s *RatchetState) Receive(h Header, ciphertext, ad []byte) ([]byte, error) {
	next := s.Clone()
	plain, err := next.receive(h, ciphertext, ad)
	if err != nil {
		return nil, err
	}
	*s = *next
	return plain, nil
}

func (s *RatchetState) receive(h Header, ciphertext, ad []byte) ([]byte, error) {
	aad := headerToAAD(h, ad)

	key := skippedKey(h.Pub, h.MsgNum)
	if mk, ok := s.Skipped[key]; ok {
		delete(s.Skipped, key)
		return open(mk, ciphertext, aad)
	}

	if h.Pub == s.DHr && s.ReceivingChainKey != nil && h.MsgNum < s.Nr {
		return nil, ErrAlreadyConsumed
	}

	if h.Pub != s.DHr {
		if s.ReceivingChainKey != nil {
			if err := s.saveSkippedMessages(s.DHr, h.Prev); err != nil {
				return nil, err
			}
		}

		s.PN = s.Ns
		s.Ns = 0
		s.Nr = 0

		shared, err := dh.X25519SharedSecret(s.DHsPriv, h.Pub)
		if err != nil {
			return nil, fmt.Errorf("receive ratchet: %w", err)
		}
		s.RootKey, s.ReceivingChainKey, err = KDFRootKey(s.RootKey, shared)
		if err != nil {
			return nil, err
		}
		s.DHr = h.Pub
		// our next message starts a fresh sending chain against the new key
		s.SendingChainKey = nil
	}

	if s.ReceivingChainKey == nil {
		return nil, ErrNoReceivingChain
	}
	if err := s.saveSkippedMessages(s.DHr, h.MsgNum); err != nil {
		return nil, err
	}

	var msgKey []byte
	var err error
	s.ReceivingChainKey, msgKey, err = KDFChainKey(s.ReceivingChainKey)
	if err != nil {
		return nil, err
	}
	s.Nr++

	return open(msgKey, ciphertext, aad)
}

func open(msgKey, ciphertext, aad []byte) ([]byte, error) {
	plain, err := encryption.AEADDecrypt(msgKey, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}
