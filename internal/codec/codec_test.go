package codec

import (
	"testing"
	"time"

	"e2e_core/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice model.Identity = "ALICE001"
	bob   model.Identity = "BOB00002"
)

func textMessage(t *testing.T, text string) *model.Message {
	t.Helper()
	m := model.NewMessage(alice, bob, &model.Text{Text: text})
	m.PushFromName = "Alice"
	return m
}

func envelopeFor(t *testing.T, m *model.Message) *model.BoxedEnvelope {
	t.Helper()
	nonce, err := model.RandomNonce()
	require.NoError(t, err)
	return NewEnvelope(m, nonce, nil, false)
}

func TestEncodeIsDeterministic(t *testing.T) {
	m := textMessage(t, "hello")

	a, err := Encode(m)
	require.NoError(t, err)
	b, err := Encode(m)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Zero(t, len(a)%padBlock)
}

func TestDecodeRestoresMessage(t *testing.T) {
	m := textMessage(t, "hello")
	pt, err := Encode(m)
	require.NoError(t, err)

	env := envelopeFor(t, m)
	got, err := Decode(env, pt)
	require.NoError(t, err)

	assert.Equal(t, m.ID(), got.ID())
	assert.Equal(t, m.Date(), got.Date())
	assert.Equal(t, alice, got.From)
	assert.Equal(t, bob, got.To)
	assert.Equal(t, "Alice", got.PushFromName)
	assert.Equal(t, env.Nonce, got.Nonce)
	assert.Equal(t, &model.Text{Text: "hello"}, got.Content)
}

func TestDecodeUnknownTag(t *testing.T) {
	m := textMessage(t, "hello")
	pt, err := Encode(m)
	require.NoError(t, err)

	env := envelopeFor(t, m)
	env.Type = 0x7f
	_, err = Decode(env, pt)
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestDecodeDetectsSwappedTag(t *testing.T) {
	m := textMessage(t, "hello")
	pt, err := Encode(m)
	require.NoError(t, err)

	env := envelopeFor(t, m)
	env.Type = model.TypeLocation
	_, err = Decode(env, pt)
	assert.ErrorIs(t, err, ErrTamperedEnvelope)

	env = envelopeFor(t, m)
	env.MessageID = model.RandomMessageID()
	_, err = Decode(env, pt)
	assert.ErrorIs(t, err, ErrTamperedEnvelope)
}

func TestDecodeRejectsBadPadding(t *testing.T) {
	m := textMessage(t, "hello")
	pt, err := Encode(m)
	require.NoError(t, err)

	pt[len(pt)-1] = 0
	_, err = Decode(envelopeFor(t, m), pt)
	assert.ErrorIs(t, err, ErrMalformedPlaintext)

	_, err = Decode(envelopeFor(t, m), nil)
	assert.ErrorIs(t, err, ErrMalformedPlaintext)
}

func TestDecodeMalformedBody(t *testing.T) {
	m := model.NewMessage(alice, bob, &model.TypingIndicator{Typing: true})
	pt, err := Encode(m)
	require.NoError(t, err)

	// flip the single body byte to an out of range value, padding stays intact
	body := len(pt) - int(pt[len(pt)-1]) - 1
	pt[body] = 7
	_, err = Decode(envelopeFor(t, m), pt)
	assert.ErrorIs(t, err, model.ErrMalformedBody)
}

func TestEncodeRejectsIncompleteMessages(t *testing.T) {
	_, err := Encode(model.NewMessage("", bob, &model.Text{Text: "x"}))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = Encode(model.NewMessage(alice, bob, nil))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = Encode(model.RestoreMessage(model.MessageID{}, time.Now(), alice, bob, &model.Text{Text: "x"}))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestEnvelopeFrame(t *testing.T) {
	m := textMessage(t, "hello")
	env := envelopeFor(t, m)
	env.Payload = []byte{1, 2, 3, 4, 5}

	frame, err := MarshalEnvelope(env)
	require.NoError(t, err)
	require.Len(t, frame, HeaderSize+5)
	assert.Equal(t, 60, HeaderSize)
	assert.Equal(t, []byte(alice), frame[0:8])
	assert.Equal(t, []byte(bob), frame[8:16])
	assert.Equal(t, byte(model.TypeText), frame[29])
	assert.Equal(t, []byte{5, 0, 0, 0}, frame[56:60])

	size, err := DeclaredSize(frame)
	require.NoError(t, err)
	assert.Equal(t, 5, size)

	got, err := UnmarshalEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, env.From, got.From)
	assert.Equal(t, env.To, got.To)
	assert.Equal(t, env.MessageID, got.MessageID)
	assert.Equal(t, env.Date.Unix(), got.Date.Unix())
	assert.Equal(t, env.Flags, got.Flags)
	assert.Equal(t, env.Nonce, got.Nonce)
	assert.Equal(t, env.Payload, got.Payload)
}

func TestEnvelopeFrameErrors(t *testing.T) {
	_, err := UnmarshalEnvelope(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	m := textMessage(t, "hello")
	env := envelopeFor(t, m)
	env.Payload = []byte{1, 2, 3}
	frame, err := MarshalEnvelope(env)
	require.NoError(t, err)

	_, err = UnmarshalEnvelope(frame[:len(frame)-1])
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	env.Nonce = model.Nonce{}
	_, err = MarshalEnvelope(env)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestPadding(t *testing.T) {
	for n := 0; n < 40; n++ {
		in := make([]byte, n)
		out := pad(append([]byte(nil), in...))
		assert.Zero(t, len(out)%padBlock)
		assert.Greater(t, len(out), n)

		back, ok := unpad(out)
		require.True(t, ok)
		assert.Equal(t, in, back)
	}
}

func TestMetadataSkipsUnknownFields(t *testing.T) {
	meta := marshalMetadata(Metadata{Nickname: "A", MessageID: model.MessageID{1}, CreatedAt: time.UnixMilli(1234)})
	// field 9, varint 1
	meta = append(meta, 0x48, 0x01)

	got, err := unmarshalMetadata(meta)
	require.NoError(t, err)
	assert.Equal(t, "A", got.Nickname)
	assert.Equal(t, model.MessageID{1}, got.MessageID)
	assert.Equal(t, int64(1234), got.CreatedAt.UnixMilli())
}
