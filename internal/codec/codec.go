// Package codec maps messages to the plaintext that gets boxed and envelopes to
// their transport frame. Every function is a pure transform.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"e2e_core/internal/model"
)

var (
	ErrUnsupportedType    = errors.New("unsupported message type")
	ErrTamperedEnvelope   = errors.New("envelope does not match its plaintext")
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrMalformedPlaintext = errors.New("malformed plaintext")
	ErrInvalidMessage     = errors.New("message cannot be encoded")
)

// plaintext: type (1) | metadata length (2) | metadata | body | padding
const plaintextHeader = 3

// Encode renders the plaintext of m. The output only depends on the message fields.
func Encode(m *model.Message) ([]byte, error) {
	if !m.From.Valid() || !m.To.Valid() {
		return nil, fmt.Errorf("%w: identities %q -> %q", ErrInvalidMessage, m.From, m.To)
	}
	if m.Content == nil {
		return nil, fmt.Errorf("%w: no content", ErrInvalidMessage)
	}
	if m.ID().IsZero() {
		return nil, fmt.Errorf("%w: zero message id", ErrInvalidMessage)
	}
	if _, ok := model.Lookup(m.Type()); !ok {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, model.ErrUnknownVariant)
	}

	body, err := m.Body()
	if errors.Is(err, model.ErrNoBody) {
		body, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("render %s body: %w", m.Type(), err)
	}

	meta := marshalMetadata(Metadata{
		Nickname:  m.PushFromName,
		MessageID: m.ID(),
		CreatedAt: m.Date(),
	})
	if len(meta) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: metadata of %d bytes", ErrInvalidMessage, len(meta))
	}

	b := make([]byte, plaintextHeader, plaintextHeader+len(meta)+len(body)+padBlock)
	b[0] = byte(m.Type())
	binary.LittleEndian.PutUint16(b[1:], uint16(len(meta)))
	b = append(b, meta...)
	b = append(b, body...)
	return pad(b), nil
}

// Decode parses the plaintext of env using the variant selected by the envelope tag.
func Decode(env *model.BoxedEnvelope, plaintext []byte) (*model.Message, error) {
	variant, ok := model.Lookup(env.Type)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedType, uint8(env.Type))
	}

	b, ok := unpad(plaintext)
	if !ok || len(b) < plaintextHeader {
		return nil, fmt.Errorf("%w: bad padding or truncated", ErrMalformedPlaintext)
	}
	if model.Type(b[0]) != env.Type {
		return nil, fmt.Errorf("%w: tag 0x%02x inside, 0x%02x outside", ErrTamperedEnvelope, b[0], uint8(env.Type))
	}
	metaLen := int(binary.LittleEndian.Uint16(b[1:]))
	if plaintextHeader+metaLen > len(b) {
		return nil, fmt.Errorf("%w: metadata length %d", ErrMalformedPlaintext, metaLen)
	}
	meta, err := unmarshalMetadata(b[plaintextHeader : plaintextHeader+metaLen])
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrMalformedPlaintext, err)
	}
	if meta.MessageID != env.MessageID {
		return nil, fmt.Errorf("%w: message id %s inside, %s outside", ErrTamperedEnvelope, meta.MessageID, env.MessageID)
	}

	content, err := variant.Parse(b[plaintextHeader+metaLen:])
	if err != nil {
		return nil, err
	}

	date := meta.CreatedAt
	if date.IsZero() {
		date = env.Date
	}
	m := model.RestoreMessage(env.MessageID, date, env.From, env.To, content)
	m.PushFromName = meta.Nickname
	m.Nonce = env.Nonce
	m.Flags = env.Flags
	return m, nil
}

// NewEnvelope assembles the envelope of an encrypted message.
func NewEnvelope(m *model.Message, nonce model.Nonce, payload []byte, forwardSecure bool) *model.BoxedEnvelope {
	flags := m.Capabilities().Flags()
	if forwardSecure {
		flags |= model.FlagForwardSecure
	}
	return &model.BoxedEnvelope{
		From:      m.From,
		To:        m.To,
		MessageID: m.ID(),
		Date:      m.Date().Truncate(time.Second),
		Flags:     flags,
		Type:      m.Type(),
		Nonce:     nonce,
		Payload:   payload,
	}
}
