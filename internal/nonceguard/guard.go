// Package nonceguard remembers which nonces a sender has already used.
//
// Entries never expire. MarkUsed is an insert-if-absent, so two deliveries of
// the same envelope racing through different processes cannot both be accepted.
package nonceguard

import (
	"context"

	"e2e_core/internal/model"
)

type Guard interface {
	HasBeenUsed(ctx context.Context, sender model.Identity, nonce model.Nonce) (bool, error)
	// MarkUsed records the nonce and reports whether it was new.
	MarkUsed(ctx context.Context, sender model.Identity, nonce model.Nonce) (bool, error)
}

type record [model.IdentityLength + model.NonceLength]byte

func newRecord(sender model.Identity, nonce model.Nonce) record {
	var r record
	copy(r[:model.IdentityLength], sender)
	copy(r[model.IdentityLength:], nonce[:])
	return r
}
