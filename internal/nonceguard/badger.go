package nonceguard

import (
	"context"
	"errors"
	"fmt"

	"e2e_core/internal/model"

	"github.com/dgraph-io/badger/v4"
)

const maxConflictRetries = 8

// Badger persists records in an embedded key-value store.
type Badger struct {
	db *badger.DB
}

var _ Guard = (*Badger)(nil)

// OpenBadger opens the store at path. An empty path keeps everything in memory.
func OpenBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) HasBeenUsed(_ context.Context, sender model.Identity, nonce model.Nonce) (bool, error) {
	r := newRecord(sender, nonce)
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(r[:])
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	}
	return false, fmt.Errorf("nonce lookup: %w", err)
}

func (b *Badger) MarkUsed(ctx context.Context, sender model.Identity, nonce model.Nonce) (bool, error) {
	r := newRecord(sender, nonce)
	for attempt := 0; ; attempt++ {
		inserted := false
		err := b.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(r[:])
			if err == nil {
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			inserted = true
			return txn.Set(r[:], []byte{1})
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			continue
		}
		if err != nil {
			return false, fmt.Errorf("nonce insert: %w", err)
		}
		return inserted, nil
	}
}
