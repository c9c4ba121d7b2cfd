// Package processor turns envelopes into messages and messages into envelopes.
//
// Every call runs as its own task. Tasks for the same contact run one after
// the other in call order, tasks for different contacts run in parallel up to
// Config.MaxConcurrent.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"e2e_core/internal/codec"
	"e2e_core/internal/cryptographic/encryption"
	"e2e_core/internal/identity"
	"e2e_core/internal/model"
	"e2e_core/internal/nonceguard"
	"e2e_core/internal/protocol/forwardsecrecy"
	"e2e_core/internal/utils/keylock"
	"e2e_core/internal/utils/log"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type (
	Config struct {
		// MaxConcurrent bounds running tasks, 0 means unbounded.
		MaxConcurrent int64
	}

	Dependencies struct {
		Keys   identity.KeyStore
		Guard  nonceguard.Guard
		Engine encryption.Engine
		// FS is optional; without it nothing is wrapped and wrapped envelopes are rejected.
		FS       *forwardsecrecy.Layer
		Entities EntityStore
		Notifier Notifier
		Media    MediaFetcher
		Outbox   Outbox
		Observer Observer
	}

	Processor struct {
		cfg    Config
		deps   Dependencies
		queues *keylock.Queue[model.Identity]
		sem    *semaphore.Weighted
		now    func() time.Time
	}
)

func New(cfg Config, deps Dependencies) (*Processor, error) {
	switch {
	case deps.Keys == nil:
		return nil, fmt.Errorf("%w: key store", ErrMissingDependency)
	case deps.Guard == nil:
		return nil, fmt.Errorf("%w: nonce guard", ErrMissingDependency)
	case deps.Entities == nil:
		return nil, fmt.Errorf("%w: entity store", ErrMissingDependency)
	}
	if deps.Engine == nil {
		deps.Engine = encryption.NaCl{}
	}

	p := &Processor{
		cfg:    cfg,
		deps:   deps,
		queues: keylock.NewQueue[model.Identity](),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if cfg.MaxConcurrent > 0 {
		p.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return p, nil
}

// enter waits for the contact's turn and a free slot. The returned release
// must be called when it succeeds.
func (p *Processor) enter(ctx context.Context, turn *keylock.Turn) (release func(), err error) {
	if err := turn.Wait(ctx); err != nil {
		return nil, err
	}
	if p.sem == nil {
		return func() {}, nil
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { p.sem.Release(1) }, nil
}

// sendControl boxes a forward-secrecy control message and hands it to the outbox.
func (p *Processor) sendControl(ctx context.Context, peer model.Identity, c *model.FSControl) error {
	if p.deps.Outbox == nil {
		log.Warn("no outbox, dropping fs control", zap.String("to", peer.String()), zap.String("kind", c.Kind()))
		return nil
	}

	msg := model.NewMessage(p.deps.Keys.Identity(), peer, c)
	plain, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	pub, err := p.deps.Keys.LookupPublicKey(ctx, peer)
	if err != nil {
		return err
	}
	nonce, err := model.RandomNonce()
	if err != nil {
		return err
	}
	ct, err := p.deps.Engine.Encrypt(plain, p.deps.Keys.PrivateKey(), pub, nonce)
	if err != nil {
		return err
	}
	return p.deps.Outbox.Send(ctx, codec.NewEnvelope(msg, nonce, ct, false))
}

func (p *Processor) sendControls(ctx context.Context, peer model.Identity, cs []*model.FSControl) error {
	var errs []error
	for _, c := range cs {
		if err := p.sendControl(ctx, peer, c); err != nil {
			errs = append(errs, fmt.Errorf("send fs %s: %w", c.Kind(), err))
		}
	}
	return errors.Join(errs...)
}

func fsReason(err error) (Reason, bool) {
	switch {
	case errors.Is(err, forwardsecrecy.ErrVersionMismatch):
		return ReasonVersionMismatch, false
	case errors.Is(err, forwardsecrecy.ErrMissingSession):
		return ReasonMissingSession, false
	case errors.Is(err, forwardsecrecy.ErrAlreadyConsumed):
		return ReasonDuplicateNonce, false
	case errors.Is(err, forwardsecrecy.ErrDesync):
		return ReasonDesync, true
	case errors.Is(err, forwardsecrecy.ErrMalformed), errors.Is(err, forwardsecrecy.ErrAuthentication):
		return ReasonAuthentication, true
	case errors.Is(err, identity.ErrUnknownIdentity):
		return ReasonUnknownIdentity, true
	}
	return ReasonInternal, true
}
