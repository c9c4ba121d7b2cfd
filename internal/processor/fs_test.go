package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"e2e_core/internal/model"
	"e2e_core/internal/protocol/forwardsecrecy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fsConfig(min, max model.FSVersion) *forwardsecrecy.Config {
	return &forwardsecrecy.Config{Enabled: true, MinVersion: min, MaxVersion: max}
}

// negotiate sends a first message alice -> bob and lets both sides settle the session.
func negotiate(t *testing.T, a, b *peer) {
	t.Helper()
	out := a.send(t, b, &model.Text{Text: "hello"})
	assert.Equal(t, model.ModeInitial, out.Mode)
	assert.True(t, out.Envelope.ForwardSecure())

	require.Equal(t, 1, relay(t, a, b))
	res, err := b.receive(t, out.Envelope, IncomingOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.Equal(t, model.ModeInitial, res.Message.FSMode)
	assert.Equal(t, "hello", res.Message.Content.(*model.Text).Text)

	require.Equal(t, 1, relay(t, b, a))
}

func TestForwardSecureExchange(t *testing.T) {
	a, b := newPair(t, setup{fs: fsConfig(model.Version1, model.Version2)}, setup{fs: fsConfig(model.Version1, model.Version2)})
	negotiate(t, a, b)

	reply := b.send(t, a, &model.Text{Text: "hi"})
	assert.Equal(t, model.ModeEstablished, reply.Mode)
	assert.Empty(t, b.outbox.take())

	res, err := a.receive(t, reply.Envelope, IncomingOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.ModeEstablished, res.Message.FSMode)

	edit := a.send(t, b, &model.Edit{MessageID: res.Message.ID(), Text: "hi!"})
	assert.Equal(t, model.ModeEstablished, edit.Mode)
	res, err = b.receive(t, edit.Envelope, IncomingOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi!", res.Message.Content.(*model.Edit).Text)
}

func TestControlMessagesAreNotPersisted(t *testing.T) {
	a, b := newPair(t, setup{fs: fsConfig(model.Version1, model.Version2)}, setup{fs: fsConfig(model.Version1, model.Version2)})
	a.send(t, b, &model.Text{Text: "hello"})

	envs := a.outbox.take()
	require.Len(t, envs, 1)
	assert.Equal(t, model.TypeForwardSecurityControl, envs[0].Type)
	assert.False(t, envs[0].ForwardSecure())

	res, err := b.receive(t, envs[0], IncomingOptions{})
	require.NoError(t, err)
	assert.Nil(t, res.Message)
	assert.Equal(t, ReasonControlConsumed, res.Reason)
	assert.Zero(t, b.store.Calls())
	assert.Zero(t, b.notifier.Count())

	accepts := b.outbox.take()
	require.Len(t, accepts, 1)
	assert.Equal(t, alice, accepts[0].To)
}

func TestVersionMismatchKeepsSession(t *testing.T) {
	ctx := context.Background()
	a, b := newPair(t, setup{fs: fsConfig(model.Version1, model.Version2)}, setup{fs: fsConfig(model.Version1, model.Version1)})
	negotiate(t, a, b)

	_, err := wait(t, a.proc.ProcessOutgoing(ctx,
		model.NewMessage(alice, bob, &model.Edit{MessageID: model.RandomMessageID(), Text: "v2 only"}), b.contact()))
	assert.Equal(t, ReasonVersionMismatch, ReasonOf(err))

	env := a.send(t, b, &model.Text{Text: "v1"}).Envelope
	before, err := b.fs.Session(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, model.Version1, before.Version)

	env.Type = model.TypeEdit
	res, err := b.receive(t, env, IncomingOptions{})
	require.NoError(t, err)
	assert.Nil(t, res.Message)
	assert.Equal(t, ReasonVersionMismatch, res.Reason)

	after, err := b.fs.Session(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	env.Type = model.TypeText
	res, err = b.receive(t, env, IncomingOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.Equal(t, "v1", res.Message.Content.(*model.Text).Text)
}

func TestTamperedPayloadKeepsSession(t *testing.T) {
	ctx := context.Background()
	a, b := newPair(t, setup{fs: fsConfig(model.Version1, model.Version2)}, setup{fs: fsConfig(model.Version1, model.Version2)})
	negotiate(t, a, b)

	env := a.send(t, b, &model.Text{Text: "garbled"}).Envelope
	env.Payload[len(env.Payload)-1] ^= 0xff

	_, err := b.receive(t, env, IncomingOptions{})
	assert.Equal(t, ReasonAuthentication, ReasonOf(err))
	var perr *Error
	assert.ErrorAs(t, err, &perr)

	used, err := b.guard.HasBeenUsed(ctx, alice, env.Nonce)
	require.NoError(t, err)
	assert.False(t, used)
	assert.Empty(t, b.outbox.take())

	s, err := b.fs.Session(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, s)

	next := a.send(t, b, &model.Text{Text: "clean"}).Envelope
	res, err := b.receive(t, next, IncomingOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.Equal(t, "clean", res.Message.Content.(*model.Text).Text)
}

func TestStoreFailureAllowsRedeliveryUnderFS(t *testing.T) {
	ctx := context.Background()
	a, b := newPair(t, setup{fs: fsConfig(model.Version1, model.Version2)}, setup{fs: fsConfig(model.Version1, model.Version2)})
	negotiate(t, a, b)

	env := a.send(t, b, &model.Text{Text: "retry me"}).Envelope
	b.store.FailNext(errors.New("disk full"))

	_, err := b.receive(t, env, IncomingOptions{})
	assert.Equal(t, ReasonInternal, ReasonOf(err))

	used, err := b.guard.HasBeenUsed(ctx, alice, env.Nonce)
	require.NoError(t, err)
	assert.False(t, used)

	res, err := b.receive(t, env, IncomingOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.True(t, res.Stored)
	assert.Equal(t, "retry me", res.Message.Content.(*model.Text).Text)
	assert.Contains(t, b.store.Order(), "retry me")

	used, err = b.guard.HasBeenUsed(ctx, alice, env.Nonce)
	require.NoError(t, err)
	assert.True(t, used)
}

func TestMissingSessionRejectsBack(t *testing.T) {
	ctx := context.Background()
	a, b := newPair(t, setup{fs: fsConfig(model.Version1, model.Version2)}, setup{fs: fsConfig(model.Version1, model.Version2)})

	env := a.send(t, b, &model.Text{Text: "init lost"}).Envelope
	a.outbox.take()

	res, err := b.receive(t, env, IncomingOptions{})
	require.NoError(t, err)
	assert.Equal(t, ReasonMissingSession, res.Reason)

	require.Equal(t, 1, relay(t, b, a))
	s, err := a.fs.Session(ctx, bob)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestResponderFallsBackBeforeFirstMessage(t *testing.T) {
	a, b := newPair(t, setup{fs: fsConfig(model.Version1, model.Version2)}, setup{fs: fsConfig(model.Version1, model.Version2)})
	a.send(t, b, &model.Text{Text: "hello"})
	require.Equal(t, 1, relay(t, a, b))

	out := b.send(t, a, &model.Text{Text: "before your first message"})
	assert.Equal(t, model.ModeNone, out.Mode)
	assert.False(t, out.Envelope.ForwardSecure())
}

func TestSameSenderKeepsOrder(t *testing.T) {
	a, b := newPair(t, setup{fs: fsConfig(model.Version1, model.Version2)}, setup{fs: fsConfig(model.Version1, model.Version2)})
	negotiate(t, a, b)

	var (
		texts []string
		tasks []*Task[*IncomingResult]
	)
	for i := range 10 {
		text := fmt.Sprintf("message %d", i)
		texts = append(texts, text)
		env := a.send(t, b, &model.Text{Text: text}).Envelope
		tasks = append(tasks, b.proc.ProcessIncoming(context.Background(), env, IncomingOptions{}))
	}
	for _, task := range tasks {
		_, err := wait(t, task)
		require.NoError(t, err)
	}
	assert.Equal(t, append([]string{"hello"}, texts...), b.store.Order())
}
