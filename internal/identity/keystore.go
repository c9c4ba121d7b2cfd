// Package identity supplies the local key pair and resolves peers' public keys.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"e2e_core/internal/model"
)

var ErrUnknownIdentity = errors.New("unknown identity")

type (
	KeyStore interface {
		Identity() model.Identity
		PublicKey() model.PublicKey
		PrivateKey() model.PrivateKey
		// LookupPublicKey fails with ErrUnknownIdentity when the peer has no published key.
		LookupPublicKey(ctx context.Context, id model.Identity) (model.PublicKey, error)
	}

	// Directory resolves public keys, e.g. from the contact collection or the relay.
	Directory interface {
		PublicKey(ctx context.Context, id model.Identity) (model.PublicKey, error)
	}

	// Store is a KeyStore backed by a local key pair and a directory, with a
	// cache so lookups hit the directory once per peer.
	Store struct {
		id   model.Identity
		keys model.KeyPair
		dir  Directory

		mu    sync.RWMutex
		cache map[model.Identity]model.PublicKey
	}

	// StaticDirectory is a fixed set of keys.
	StaticDirectory map[model.Identity]model.PublicKey
)

var _ KeyStore = (*Store)(nil)

func NewStore(id model.Identity, keys model.KeyPair, dir Directory) *Store {
	return &Store{
		id:    id,
		keys:  keys,
		dir:   dir,
		cache: make(map[model.Identity]model.PublicKey),
	}
}

func (s *Store) Identity() model.Identity     { return s.id }
func (s *Store) PublicKey() model.PublicKey   { return s.keys.Public }
func (s *Store) PrivateKey() model.PrivateKey { return s.keys.Private }

func (s *Store) LookupPublicKey(ctx context.Context, id model.Identity) (model.PublicKey, error) {
	if id == s.id {
		return s.keys.Public, nil
	}

	s.mu.RLock()
	pk, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		return pk, nil
	}

	if s.dir == nil {
		return model.PublicKey{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	pk, err := s.dir.PublicKey(ctx, id)
	if err != nil {
		return model.PublicKey{}, err
	}

	s.mu.Lock()
	s.cache[id] = pk
	s.mu.Unlock()
	return pk, nil
}

// Pin adds a key without asking the directory.
func (s *Store) Pin(id model.Identity, pk model.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[id] = pk
}

func (d StaticDirectory) PublicKey(_ context.Context, id model.Identity) (model.PublicKey, error) {
	pk, ok := d[id]
	if !ok {
		return model.PublicKey{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	return pk, nil
}
