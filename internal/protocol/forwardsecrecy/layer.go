// Package forwardsecrecy wraps boxed payloads in a per-contact ratchet session.
//
// A session moves UNINITIALIZED -> NEGOTIATING -> ESTABLISHED driven by control
// messages (init, accept, reject, terminate) that travel as the reserved
// fs-control variant. Layer methods never send anything themselves: control
// messages that must go to the peer are returned to the caller.
package forwardsecrecy

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"e2e_core/internal/codec"
	"e2e_core/internal/identity"
	"e2e_core/internal/model"
	"e2e_core/internal/protocol/doubleratchet"
	"e2e_core/internal/protocol/handshake"
	"e2e_core/internal/utils/keylock"
	"e2e_core/internal/utils/log"

	"go.uber.org/zap"
)

var (
	ErrVersionMismatch  = errors.New("forward secrecy version mismatch")
	ErrMissingSession   = errors.New("no forward secrecy session")
	ErrDesync           = errors.New("forward secrecy ratchet out of sync")
	ErrAlreadyConsumed  = errors.New("forward secrecy message already consumed")
	ErrSessionNotReady  = errors.New("forward secrecy session cannot send yet")
	ErrMalformed        = errors.New("malformed forward secrecy payload")
	ErrDisabled         = errors.New("forward secrecy disabled")
	ErrUnexpectedAccept = errors.New("accept for unknown session")
	// ErrAuthentication is a wrapped payload that fails its tag; the session is kept.
	ErrAuthentication = errors.New("forward secrecy payload failed authentication")
)

type Config struct {
	Enabled    bool
	MinVersion model.FSVersion
	MaxVersion model.FSVersion
}

func DefaultConfig() Config {
	return Config{Enabled: true, MinVersion: model.Version1, MaxVersion: model.Version2}
}

type (
	Layer struct {
		cfg   Config
		keys  identity.KeyStore
		store SessionStore
		locks *keylock.Map[model.Identity]
		now   func() time.Time
	}

	WrapResult struct {
		Mode    model.ForwardSecurityMode
		Version model.FSVersion
		// Control must reach the peer before the wrapped envelope.
		Control []*model.FSControl
	}

	UnwrapResult struct {
		Payload []byte
		Mode    model.ForwardSecurityMode
		Version model.FSVersion
		// Replies must be sent to the peer whether or not unwrap succeeded.
		Replies []*model.FSControl

		// previous is the session before this unwrap advanced it.
		previous *Session
	}
)

func New(cfg Config, keys identity.KeyStore, store SessionStore) *Layer {
	if cfg.MinVersion == model.VersionNone {
		cfg.MinVersion = model.Version1
	}
	if cfg.MaxVersion < cfg.MinVersion {
		cfg.MaxVersion = cfg.MinVersion
	}
	return &Layer{
		cfg:   cfg,
		keys:  keys,
		store: store,
		locks: keylock.New[model.Identity](),
		now:   time.Now,
	}
}

func (l *Layer) Enabled() bool { return l.cfg.Enabled }

// Session returns a copy of the current session with peer, or nil.
func (l *Layer) Session(ctx context.Context, peer model.Identity) (*Session, error) {
	unlock := l.locks.Lock(peer)
	defer unlock()
	return l.store.Load(ctx, l.keys.Identity(), peer)
}

// Wrap replaces env.Payload by its ratchet encryption and sets FlagForwardSecure.
// A missing session is created and its init returned in WrapResult.Control.
func (l *Layer) Wrap(ctx context.Context, env *model.BoxedEnvelope, required model.FSVersion) (WrapResult, error) {
	var res WrapResult
	if !l.cfg.Enabled {
		return res, ErrDisabled
	}

	peer := env.To
	unlock := l.locks.Lock(peer)
	defer unlock()

	s, err := l.store.Load(ctx, l.keys.Identity(), peer)
	if err != nil {
		return res, err
	}

	if s == nil || s.State == StateUninitialized {
		if required > l.cfg.MinVersion {
			return res, fmt.Errorf("%w: new session starts at %s, message needs %s", ErrVersionMismatch, l.cfg.MinVersion, required)
		}
		var init *model.FSControl
		s, init, err = l.initiate(ctx, peer)
		if err != nil {
			return res, err
		}
		res.Control = append(res.Control, init)
	}

	if required > s.Version {
		return WrapResult{}, fmt.Errorf("%w: session %s at %s, message needs %s", ErrVersionMismatch, s.ID, s.Version, required)
	}
	if !s.Ratchet.CanSend() {
		return WrapResult{}, ErrSessionNotReady
	}

	mode := s.Mode()
	hdr, ct, err := s.Ratchet.Send(env.Payload, codec.AssociatedData(env))
	if err != nil {
		return WrapResult{}, err
	}
	s.UpdatedAt = l.now()
	if err := l.store.Save(ctx, s); err != nil {
		return WrapResult{}, err
	}

	w := wrapped{SessionID: s.ID, Version: s.Version, Mode: mode, Header: hdr, Ciphertext: ct}
	env.Payload = w.marshal()
	env.Flags |= model.FlagForwardSecure

	res.Mode = mode
	res.Version = s.Version
	return res, nil
}

func (l *Layer) initiate(ctx context.Context, peer model.Identity) (*Session, *model.FSControl, error) {
	peerPub, err := l.keys.LookupPublicKey(ctx, peer)
	if err != nil {
		return nil, nil, err
	}
	eph, err := model.NewKeyPair()
	if err != nil {
		return nil, nil, err
	}

	var sid model.SessionID
	if _, err := rand.Read(sid[:]); err != nil {
		return nil, nil, err
	}

	ini := &handshake.Initiator{}
	sk, err := ini.GenerateShareKey(sid, handshake.InitiatorKeys{
		StaticPriv:    l.keys.PrivateKey(),
		EphemeralPriv: eph.Private,
		PeerStatic:    peerPub,
	})
	if err != nil {
		return nil, nil, err
	}

	now := l.now()
	s := &Session{
		ID:           sid,
		MyIdentity:   l.keys.Identity(),
		PeerIdentity: peer,
		State:        StateNegotiating,
		Role:         RoleInitiator,
		Version:      l.cfg.MinVersion,
		Ratchet:      doubleratchet.NewInitiator(sk, peerPub),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	log.Debug("fs session initiated", zap.String("peer", peer.String()), zap.Stringer("session", sid))

	return s, &model.FSControl{
		SessionID: sid,
		Init: &model.FSInit{
			Ephemeral:  eph.Public,
			MinVersion: l.cfg.MinVersion,
			MaxVersion: l.cfg.MaxVersion,
		},
	}, nil
}

// Unwrap reverses Wrap. Envelopes without FlagForwardSecure pass through when
// their variant does not require forward secrecy.
func (l *Layer) Unwrap(ctx context.Context, env *model.BoxedEnvelope) (UnwrapResult, error) {
	var res UnwrapResult
	required := requiredVersion(env.Type)

	if !env.ForwardSecure() {
		if required > model.VersionNone {
			return res, fmt.Errorf("%w: %s requires %s", ErrMissingSession, env.Type, required)
		}
		res.Payload = env.Payload
		res.Mode = model.ModeNone
		return res, nil
	}

	w, err := unmarshalWrapped(env.Payload)
	if err != nil {
		return res, err
	}

	peer := env.From
	unlock := l.locks.Lock(peer)
	defer unlock()

	s, err := l.store.Load(ctx, l.keys.Identity(), peer)
	if err != nil {
		return res, err
	}
	if s == nil || s.ID != w.SessionID || s.State == StateUninitialized {
		res.Replies = append(res.Replies, &model.FSControl{
			SessionID: w.SessionID,
			Reject:    &model.FSReject{MessageID: env.MessageID, Cause: model.RejectUnknownSession},
		})
		return res, fmt.Errorf("%w: %s from %s", ErrMissingSession, w.SessionID, peer)
	}

	if w.Version > s.Version || required > s.Version {
		return res, fmt.Errorf("%w: session %s at %s, envelope applied %s, %s requires %s",
			ErrVersionMismatch, s.ID, s.Version, w.Version, env.Type, required)
	}

	prev := s.Clone()
	plain, err := s.Ratchet.Receive(w.Header, w.Ciphertext, codec.AssociatedData(env))
	switch {
	case errors.Is(err, doubleratchet.ErrAlreadyConsumed):
		return res, fmt.Errorf("%w: %s", ErrAlreadyConsumed, env.MessageID)
	case errors.Is(err, doubleratchet.ErrDecrypt):
		// Receive left the ratchet untouched, the session stays
		return res, fmt.Errorf("%w: %s from %s: %v", ErrAuthentication, env.MessageID, peer, err)
	case err != nil:
		if derr := l.store.Delete(ctx, l.keys.Identity(), peer); derr != nil {
			log.Error("drop desynced fs session failed", zap.Error(derr))
		}
		res.Replies = append(res.Replies, &model.FSControl{
			SessionID: s.ID,
			Terminate: &model.FSTerminate{Cause: model.TerminateDesync},
		})
		return res, fmt.Errorf("%w: %v", ErrDesync, err)
	}

	s.UpdatedAt = l.now()
	if err := l.store.Save(ctx, s); err != nil {
		return res, err
	}

	res.Payload = plain
	res.Mode = w.Mode
	res.Version = w.Version
	res.previous = prev
	return res, nil
}

// Rollback restores the session res was unwrapped with, so the same envelope
// decrypts again on redelivery. The caller must not have unwrapped or wrapped
// anything for that peer since. Pass-through results and sessions replaced in
// the meantime are left alone.
func (l *Layer) Rollback(ctx context.Context, peer model.Identity, res UnwrapResult) error {
	if res.previous == nil {
		return nil
	}
	unlock := l.locks.Lock(peer)
	defer unlock()

	cur, err := l.store.Load(ctx, l.keys.Identity(), peer)
	if err != nil {
		return err
	}
	if cur == nil || cur.ID != res.previous.ID {
		return nil
	}
	return l.store.Save(ctx, res.previous)
}

// HandleControl applies a control message from peer and returns the replies.
func (l *Layer) HandleControl(ctx context.Context, peer model.Identity, c *model.FSControl) ([]*model.FSControl, error) {
	unlock := l.locks.Lock(peer)
	defer unlock()

	me := l.keys.Identity()
	s, err := l.store.Load(ctx, me, peer)
	if err != nil {
		return nil, err
	}
	fields := []zap.Field{zap.String("peer", peer.String()), zap.Stringer("session", c.SessionID), zap.String("kind", c.Kind())}

	switch {
	case c.Init != nil:
		if !l.cfg.Enabled {
			return []*model.FSControl{{SessionID: c.SessionID, Terminate: &model.FSTerminate{Cause: model.TerminateDisabled}}}, nil
		}
		version := min(l.cfg.MaxVersion, c.Init.MaxVersion)
		if version < max(l.cfg.MinVersion, c.Init.MinVersion) {
			log.Debug("fs init without common version", fields...)
			return []*model.FSControl{{
				SessionID: c.SessionID,
				Reject:    &model.FSReject{Cause: model.RejectUnsupportedVersion},
			}}, nil
		}

		peerPub, err := l.keys.LookupPublicKey(ctx, peer)
		if err != nil {
			return nil, err
		}
		resp := &handshake.Responder{}
		sk, err := resp.GenerateShareKey(c.SessionID, handshake.ResponderKeys{
			StaticPriv:    l.keys.PrivateKey(),
			PeerStatic:    peerPub,
			PeerEphemeral: c.Init.Ephemeral,
		})
		if err != nil {
			return nil, err
		}

		now := l.now()
		if err := l.store.Save(ctx, &Session{
			ID:           c.SessionID,
			MyIdentity:   me,
			PeerIdentity: peer,
			State:        StateEstablished,
			Role:         RoleResponder,
			Version:      version,
			Ratchet:      doubleratchet.NewResponder(sk, l.keys.PrivateKey(), l.keys.PublicKey()),
			CreatedAt:    now,
			UpdatedAt:    now,
		}); err != nil {
			return nil, err
		}
		log.Debug("fs session accepted", append(fields, zap.Stringer("version", version))...)
		return []*model.FSControl{{SessionID: c.SessionID, Accept: &model.FSAccept{Version: version}}}, nil

	case c.Accept != nil:
		if s == nil || s.ID != c.SessionID || s.Role != RoleInitiator {
			log.Debug("fs accept for unknown session", fields...)
			return []*model.FSControl{{SessionID: c.SessionID, Terminate: &model.FSTerminate{Cause: model.TerminateReset}}}, ErrUnexpectedAccept
		}
		if c.Accept.Version < l.cfg.MinVersion || c.Accept.Version > l.cfg.MaxVersion {
			if err := l.store.Delete(ctx, me, peer); err != nil {
				return nil, err
			}
			return []*model.FSControl{{SessionID: c.SessionID, Terminate: &model.FSTerminate{Cause: model.TerminateReset}}},
				fmt.Errorf("%w: accepted %s outside %s..%s", ErrVersionMismatch, c.Accept.Version, l.cfg.MinVersion, l.cfg.MaxVersion)
		}
		s.State = StateEstablished
		s.Version = c.Accept.Version
		s.UpdatedAt = l.now()
		return nil, l.store.Save(ctx, s)

	case c.Reject != nil, c.Terminate != nil:
		if s != nil && s.ID == c.SessionID {
			log.Debug("fs session dropped by peer", fields...)
			return nil, l.store.Delete(ctx, me, peer)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: empty control message", model.ErrInvalidContent)
}

// Reset drops the session with peer and returns the terminate to send.
func (l *Layer) Reset(ctx context.Context, peer model.Identity) (*model.FSControl, error) {
	unlock := l.locks.Lock(peer)
	defer unlock()

	s, err := l.store.Load(ctx, l.keys.Identity(), peer)
	if err != nil || s == nil {
		return nil, err
	}
	if err := l.store.Delete(ctx, l.keys.Identity(), peer); err != nil {
		return nil, err
	}
	return &model.FSControl{SessionID: s.ID, Terminate: &model.FSTerminate{Cause: model.TerminateReset}}, nil
}

func requiredVersion(t model.Type) model.FSVersion {
	if v, ok := model.Lookup(t); ok {
		return v.Capabilities.MinFSVersion
	}
	return model.VersionNone
}
