package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"e2e_core/internal/codec"
	"e2e_core/internal/identity"
	"e2e_core/internal/model"
	"e2e_core/internal/protocol/forwardsecrecy"
	"e2e_core/internal/utils/log"

	"go.uber.org/zap"
)

var errNoFetcher = errors.New("no media fetcher configured")

type (
	IncomingOptions struct {
		// ReceivedAfterInitialQueueSend is attached to the message for the notifier.
		ReceivedAfterInitialQueueSend bool
		// MaxBytesToDecrypt skips larger envelopes, 0 means unbounded.
		MaxBytesToDecrypt int
		// ThumbnailTimeout bounds the media fetch, 0 means no timeout.
		ThumbnailTimeout time.Duration
	}

	// IncomingResult has a nil Message when the envelope was intentionally not
	// processed; Reason says why.
	IncomingResult struct {
		Message *model.Message
		Reason  Reason
		Stored  bool
	}

	inbound struct {
		p    *Processor
		t    *Task[*IncomingResult]
		env  *model.BoxedEnvelope
		opts IncomingOptions

		// unwrapped is set once the FS layer accepted env.
		unwrapped *forwardsecrecy.UnwrapResult
	}
)

// ProcessIncoming decrypts, validates and delivers env. It never blocks.
func (p *Processor) ProcessIncoming(ctx context.Context, env *model.BoxedEnvelope, opts IncomingOptions) *Task[*IncomingResult] {
	t := newTask[*IncomingResult](ctx, Incoming, p.deps.Observer)
	turn := p.queues.Enter(env.From)
	in := &inbound{p: p, t: t, env: env, opts: opts}
	go func() {
		defer turn.Leave()
		release, err := p.enter(t.ctx, turn)
		if err != nil {
			in.fail(ReasonCancelled, err)
			return
		}
		defer release()
		in.run(t.ctx)
	}()
	return t
}

func (in *inbound) fields(extra ...zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.String("direction", string(Incoming)),
		zap.String("from", in.env.From.String()),
		zap.String("message_id", in.env.MessageID.String()),
		zap.Stringer("type", in.env.Type),
		zap.String("nonce", in.env.Nonce.Short()),
	}, extra...)
}

func (in *inbound) skip(reason Reason, err error) {
	log.Debug("incoming envelope skipped", in.fields(zap.Stringer("reason", reason), zap.Error(err))...)
	in.t.finish(&IncomingResult{Reason: reason}, nil, Event{Kind: EventRejected, Reason: reason, Err: err})
}

// fail ends the task for good. The nonce stays unused and the FS session is
// rolled back, so a redelivery of env gets processed again.
func (in *inbound) fail(reason Reason, err error) {
	in.rollback()
	log.Warn("incoming envelope rejected", in.fields(zap.Stringer("reason", reason), zap.Error(err))...)
	in.t.finish(&IncomingResult{Reason: reason}, &Error{Reason: reason, Err: err},
		Event{Kind: EventRejected, Reason: reason, Fatal: true, Err: err})
}

func (in *inbound) rollback() {
	fs := in.p.deps.FS
	if fs == nil || in.unwrapped == nil {
		return
	}
	if err := fs.Rollback(context.WithoutCancel(in.t.ctx), in.env.From, *in.unwrapped); err != nil {
		log.Error("fs session rollback failed", in.fields(zap.Error(err))...)
	}
	in.unwrapped = nil
}

// markAndSkip consumes the nonce of an envelope that decrypted fine but is not delivered.
func (in *inbound) markAndSkip(ctx context.Context, reason Reason, err error) {
	if _, merr := in.p.deps.Guard.MarkUsed(ctx, in.env.From, in.env.Nonce); merr != nil {
		in.fail(ReasonInternal, fmt.Errorf("mark nonce: %w", merr))
		return
	}
	in.skip(reason, err)
}

func (in *inbound) run(ctx context.Context) {
	p, t, env := in.p, in.t, in.env
	t.emit(Event{Kind: EventStarted})

	used, err := p.deps.Guard.HasBeenUsed(ctx, env.From, env.Nonce)
	if err != nil {
		in.fail(ReasonInternal, fmt.Errorf("nonce lookup: %w", err))
		return
	}
	if used {
		in.skip(ReasonDuplicateNonce, nil)
		return
	}
	t.step(StepNonceCheck)

	if in.opts.MaxBytesToDecrypt > 0 && env.Size() > in.opts.MaxBytesToDecrypt {
		in.skip(ReasonTooLarge, fmt.Errorf("%d bytes exceeds %d", env.Size(), in.opts.MaxBytesToDecrypt))
		return
	}
	t.step(StepSizeCheck)

	if err := ctx.Err(); err != nil {
		in.fail(ReasonCancelled, err)
		return
	}
	// ratchet and nonce state change from here on, the task runs to the end
	ctx = context.WithoutCancel(ctx)

	payload, mode, ok := in.unwrap(ctx)
	if !ok {
		return
	}
	t.step(StepUnwrap)

	pub, err := p.deps.Keys.LookupPublicKey(ctx, env.From)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownIdentity) {
			in.fail(ReasonUnknownIdentity, err)
		} else {
			in.fail(ReasonInternal, err)
		}
		return
	}
	plain, err := p.deps.Engine.Decrypt(payload, p.deps.Keys.PrivateKey(), pub, env.Nonce)
	if err != nil {
		in.fail(ReasonAuthentication, err)
		return
	}
	t.step(StepDecrypt)

	msg, err := codec.Decode(env, plain)
	switch {
	case err == nil:
	case errors.Is(err, codec.ErrUnsupportedType):
		in.markAndSkip(ctx, ReasonUnsupportedType, err)
		return
	case errors.Is(err, codec.ErrTamperedEnvelope):
		in.fail(ReasonAuthentication, err)
		return
	default:
		in.markAndSkip(ctx, ReasonInvalidContent, err)
		return
	}
	t.step(StepDecode)

	if err := msg.Validate(); err != nil {
		in.markAndSkip(ctx, ReasonInvalidContent, err)
		return
	}
	t.step(StepValidate)

	if c, ok := msg.Content.(*model.FSControl); ok {
		in.control(ctx, c)
		return
	}

	if !in.fetchMedia(ctx, msg) {
		return
	}
	t.step(StepMedia)

	msg.ReceivedAfterInitialQueueSend = in.opts.ReceivedAfterInitialQueueSend
	msg.FSMode = mode
	if err := msg.MarkDelivered(p.now()); err != nil {
		in.fail(ReasonInternal, err)
		return
	}

	// Store before marking: a failed store leaves the nonce unused for a
	// redelivery, and a redelivery after a failed mark is deduplicated by the store.
	stored, err := p.deps.Entities.StoreMessage(ctx, msg, PolicyOf(msg))
	switch {
	case errors.Is(err, ErrNoConversation):
		in.markAndSkip(ctx, ReasonNoConversation, err)
		return
	case err != nil:
		in.fail(ReasonInternal, fmt.Errorf("store message: %w", err))
		return
	}
	if _, err := p.deps.Guard.MarkUsed(ctx, env.From, env.Nonce); err != nil {
		in.fail(ReasonInternal, fmt.Errorf("mark nonce: %w", err))
		return
	}
	if stored && msg.CanShowUserNotification() && p.deps.Notifier != nil {
		p.deps.Notifier.Notify(ctx, msg)
	}
	t.step(StepDeliver)

	log.Debug("incoming message processed", in.fields(zap.Bool("stored", stored), zap.Stringer("fs_mode", mode))...)
	t.finish(&IncomingResult{Message: msg, Stored: stored}, nil, Event{Kind: EventSucceeded, Message: msg})
}

func (in *inbound) unwrap(ctx context.Context) ([]byte, model.ForwardSecurityMode, bool) {
	env := in.env
	fs := in.p.deps.FS
	if fs == nil {
		if env.ForwardSecure() {
			in.skip(ReasonMissingSession, forwardsecrecy.ErrDisabled)
			return nil, model.ModeNone, false
		}
		if v, ok := model.Lookup(env.Type); ok && v.Capabilities.MinFSVersion > model.VersionNone {
			in.skip(ReasonMissingSession, fmt.Errorf("%s requires %s", env.Type, v.Capabilities.MinFSVersion))
			return nil, model.ModeNone, false
		}
		return env.Payload, model.ModeNone, true
	}

	res, err := fs.Unwrap(ctx, env)
	if serr := in.p.sendControls(ctx, env.From, res.Replies); serr != nil {
		log.Warn("fs reply not sent", in.fields(zap.Error(serr))...)
	}
	if err != nil {
		if reason, fatal := fsReason(err); fatal {
			in.fail(reason, err)
		} else {
			in.skip(reason, err)
		}
		return nil, model.ModeNone, false
	}
	in.unwrapped = &res
	return res.Payload, res.Mode, true
}

func (in *inbound) control(ctx context.Context, c *model.FSControl) {
	fs := in.p.deps.FS
	if fs == nil {
		in.markAndSkip(ctx, ReasonControlConsumed, forwardsecrecy.ErrDisabled)
		return
	}

	replies, err := fs.HandleControl(ctx, in.env.From, c)
	if serr := in.p.sendControls(ctx, in.env.From, replies); serr != nil {
		log.Warn("fs reply not sent", in.fields(zap.Error(serr))...)
	}
	if err != nil && !errors.Is(err, forwardsecrecy.ErrUnexpectedAccept) && !errors.Is(err, forwardsecrecy.ErrVersionMismatch) {
		reason := ReasonInternal
		if errors.Is(err, identity.ErrUnknownIdentity) {
			reason = ReasonUnknownIdentity
		}
		in.fail(reason, err)
		return
	}
	in.markAndSkip(ctx, ReasonControlConsumed, err)
}

// fetchMedia attaches the blob the content refers to. It reports false once the task is finished.
func (in *inbound) fetchMedia(ctx context.Context, msg *model.Message) bool {
	mc, ok := msg.Content.(model.MediaContent)
	if !ok {
		return true
	}
	ref, ok := mc.MediaRef()
	policy := msg.Capabilities().Media
	if !ok || policy == model.MediaNone {
		return true
	}

	data, err := []byte(nil), errNoFetcher
	if in.p.deps.Media != nil {
		fctx := ctx
		if in.opts.ThumbnailTimeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(ctx, in.opts.ThumbnailTimeout)
			defer cancel()
		}
		data, err = in.p.deps.Media.Fetch(fctx, ref, in.opts.ThumbnailTimeout)
	}
	if err != nil {
		if policy == model.MediaMandatory {
			in.fail(ReasonMediaUnavailable, fmt.Errorf("blob %s: %w", ref, err))
			return false
		}
		log.Debug("optional media unavailable", in.fields(zap.Stringer("blob", ref), zap.Error(err))...)
		return true
	}
	mc.AttachMedia(data)
	return true
}
