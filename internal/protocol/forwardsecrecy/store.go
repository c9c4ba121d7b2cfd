package forwardsecrecy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"e2e_core/internal/model"
	"e2e_core/internal/service/redis"
)

// SessionStore persists one session per (own identity, peer). Load returns nil, nil
// when there is none.
type SessionStore interface {
	Load(ctx context.Context, me, peer model.Identity) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, me, peer model.Identity) error
}

type sessionKey struct {
	me, peer model.Identity
}

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[sessionKey]*Session
}

var _ SessionStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[sessionKey]*Session)}
}

func (m *MemoryStore) Load(_ context.Context, me, peer model.Identity) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey{me, peer}]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionKey{s.MyIdentity, s.PeerIdentity}] = s.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, me, peer model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionKey{me, peer})
	return nil
}

// RedisStore keeps sessions as JSON documents without expiry.
type RedisStore struct {
	svc *redis.RedisService
}

var _ SessionStore = (*RedisStore)(nil)

func NewRedisStore(svc *redis.RedisService) *RedisStore {
	return &RedisStore{svc: svc}
}

func sessionRedisKey(me, peer model.Identity) string {
	return fmt.Sprintf("fs-session:%s:%s", me, peer)
}

func (r *RedisStore) Load(ctx context.Context, me, peer model.Identity) (*Session, error) {
	v, err := r.svc.Get(ctx, sessionRedisKey(me, peer))
	if redis.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var s Session
	if err := json.Unmarshal([]byte(v), &s); err != nil {
		return nil, fmt.Errorf("decode session %s/%s: %w", me, peer, err)
	}
	return &s, nil
}

func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.svc.Set(ctx, sessionRedisKey(s.MyIdentity, s.PeerIdentity), data, 0)
}

func (r *RedisStore) Delete(ctx context.Context, me, peer model.Identity) error {
	return r.svc.Del(ctx, sessionRedisKey(me, peer))
}
