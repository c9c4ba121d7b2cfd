package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"e2e_core/internal/cryptographic/encryption"
	"e2e_core/internal/identity"
	"e2e_core/internal/model"
	"e2e_core/internal/nonceguard"
	"e2e_core/internal/protocol/forwardsecrecy"

	"github.com/stretchr/testify/require"
)

const (
	alice model.Identity = "ALICE001"
	bob   model.Identity = "BOB00002"
	carol model.Identity = "CAROL003"
)

type countingEngine struct {
	encryption.NaCl
	decrypts atomic.Int32
}

func (e *countingEngine) Decrypt(ct []byte, priv model.PrivateKey, pub model.PublicKey, nonce model.Nonce) ([]byte, error) {
	e.decrypts.Add(1)
	return e.NaCl.Decrypt(ct, priv, pub, nonce)
}

type storedKey struct {
	from model.Identity
	id   model.MessageID
}

type memStore struct {
	mu       sync.Mutex
	calls    int
	messages map[storedKey]*model.Message
	order    []string
	// failNext is returned by the next StoreMessage call, then cleared.
	failNext error
}

func (s *memStore) StoreMessage(_ context.Context, msg *model.Message, _ ConversationPolicy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.failNext; err != nil {
		s.failNext = nil
		return false, err
	}
	k := storedKey{msg.From, msg.ID()}
	if _, ok := s.messages[k]; ok {
		return false, nil
	}
	s.messages[k] = msg
	if txt, ok := msg.Content.(*model.Text); ok {
		s.order = append(s.order, txt.Text)
	}
	return true, nil
}

func (s *memStore) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *memStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *memStore) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

type memNotifier struct {
	mu   sync.Mutex
	msgs []*model.Message
}

func (n *memNotifier) Notify(_ context.Context, msg *model.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *memNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

var errBlobMissing = errors.New("blob not found")

type memMedia struct {
	blobs   map[model.BlobID][]byte
	delay   time.Duration
	release chan struct{}
}

func (m *memMedia) Fetch(ctx context.Context, id model.BlobID, _ time.Duration) ([]byte, error) {
	if m.release != nil {
		<-m.release
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b, ok := m.blobs[id]
	if !ok {
		return nil, errBlobMissing
	}
	return b, nil
}

type memOutbox struct {
	mu   sync.Mutex
	envs []*model.BoxedEnvelope
}

func (o *memOutbox) Send(_ context.Context, env *model.BoxedEnvelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.envs = append(o.envs, env)
	return nil
}

func (o *memOutbox) take() []*model.BoxedEnvelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	envs := o.envs
	o.envs = nil
	return envs
}

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingObserver) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

type peer struct {
	id       model.Identity
	keys     *identity.Store
	pair     *model.KeyPair
	guard    *nonceguard.Memory
	store    *memStore
	notifier *memNotifier
	engine   *countingEngine
	outbox   *memOutbox
	fs       *forwardsecrecy.Layer
	proc     *Processor
}

type setup struct {
	fs            *forwardsecrecy.Config
	media         MediaFetcher
	maxConcurrent int64
	observer      Observer
}

func newPeer(t *testing.T, id model.Identity, dir identity.StaticDirectory, s setup) *peer {
	t.Helper()
	kp, err := model.NewKeyPair()
	require.NoError(t, err)
	dir[id] = kp.Public

	p := &peer{
		id:       id,
		pair:     kp,
		keys:     identity.NewStore(id, *kp, dir),
		guard:    nonceguard.NewMemory(),
		store:    &memStore{messages: make(map[storedKey]*model.Message)},
		notifier: &memNotifier{},
		engine:   &countingEngine{},
		outbox:   &memOutbox{},
	}
	if s.fs != nil {
		p.fs = forwardsecrecy.New(*s.fs, p.keys, forwardsecrecy.NewMemoryStore())
	}
	p.proc, err = New(Config{MaxConcurrent: s.maxConcurrent}, Dependencies{
		Keys:     p.keys,
		Guard:    p.guard,
		Engine:   p.engine,
		FS:       p.fs,
		Entities: p.store,
		Notifier: p.notifier,
		Media:    s.media,
		Outbox:   p.outbox,
		Observer: s.observer,
	})
	require.NoError(t, err)
	return p
}

func newPair(t *testing.T, a, b setup) (*peer, *peer) {
	dir := identity.StaticDirectory{}
	return newPeer(t, alice, dir, a), newPeer(t, bob, dir, b)
}

func (p *peer) contact() model.Contact {
	return model.Contact{Identity: p.id, PublicKey: p.pair.Public, ForwardSecure: p.fs != nil}
}

func wait[T any](t *testing.T, task *Task[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return task.Wait(ctx)
}

func (p *peer) send(t *testing.T, to *peer, c model.Content) *OutgoingResult {
	t.Helper()
	res, err := wait(t, p.proc.ProcessOutgoing(context.Background(), model.NewMessage(p.id, to.id, c), to.contact()))
	require.NoError(t, err)
	return res
}

func (p *peer) receive(t *testing.T, env *model.BoxedEnvelope, opts IncomingOptions) (*IncomingResult, error) {
	t.Helper()
	return wait(t, p.proc.ProcessIncoming(context.Background(), env, opts))
}

// relay hands the control messages queued in from's outbox to the other peer.
func relay(t *testing.T, from, to *peer) int {
	t.Helper()
	envs := from.outbox.take()
	for _, env := range envs {
		res, err := to.receive(t, env, IncomingOptions{})
		require.NoError(t, err)
		require.Nil(t, res.Message)
		require.Equal(t, ReasonControlConsumed, res.Reason)
	}
	return len(envs)
}
