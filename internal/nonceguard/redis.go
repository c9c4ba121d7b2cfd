package nonceguard

import (
	"context"
	"fmt"

	"e2e_core/internal/model"
	"e2e_core/internal/service/redis"
)

// Redis shares the guard between processes. Keys are written without TTL.
type Redis struct {
	svc    *redis.RedisService
	prefix string
}

var _ Guard = (*Redis)(nil)

func NewRedis(svc *redis.RedisService, prefix string) *Redis {
	if prefix == "" {
		prefix = "nonce"
	}
	return &Redis{svc: svc, prefix: prefix}
}

func (r *Redis) key(sender model.Identity, nonce model.Nonce) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, sender, nonce)
}

func (r *Redis) HasBeenUsed(ctx context.Context, sender model.Identity, nonce model.Nonce) (bool, error) {
	used, err := r.svc.Exists(ctx, r.key(sender, nonce))
	if err != nil {
		return false, fmt.Errorf("nonce lookup: %w", err)
	}
	return used, nil
}

func (r *Redis) MarkUsed(ctx context.Context, sender model.Identity, nonce model.Nonce) (bool, error) {
	inserted, err := r.svc.SetNX(ctx, r.key(sender, nonce), 1, 0)
	if err != nil {
		return false, fmt.Errorf("nonce insert: %w", err)
	}
	return inserted, nil
}
