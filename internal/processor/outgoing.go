package processor

import (
	"context"
	"errors"
	"fmt"

	"e2e_core/internal/codec"
	"e2e_core/internal/cryptographic/encryption"
	"e2e_core/internal/identity"
	"e2e_core/internal/model"
	"e2e_core/internal/protocol/forwardsecrecy"
	"e2e_core/internal/utils/log"

	"go.uber.org/zap"
)

type (
	OutgoingResult struct {
		Envelope *model.BoxedEnvelope
		Mode     model.ForwardSecurityMode
	}

	outbound struct {
		p       *Processor
		t       *Task[*OutgoingResult]
		msg     *model.Message
		contact model.Contact
	}
)

// ProcessOutgoing encrypts msg for contact. The resulting envelope is not sent;
// forward-secrecy control messages it depends on already went through the Outbox.
func (p *Processor) ProcessOutgoing(ctx context.Context, msg *model.Message, contact model.Contact) *Task[*OutgoingResult] {
	t := newTask[*OutgoingResult](ctx, Outgoing, p.deps.Observer)
	turn := p.queues.Enter(contact.Identity)
	out := &outbound{p: p, t: t, msg: msg, contact: contact}
	go func() {
		defer turn.Leave()
		release, err := p.enter(t.ctx, turn)
		if err != nil {
			out.fail(ReasonCancelled, err)
			return
		}
		defer release()
		out.run(t.ctx)
	}()
	return t
}

func (out *outbound) fields(extra ...zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.String("direction", string(Outgoing)),
		zap.String("to", out.contact.Identity.String()),
		zap.String("message_id", out.msg.ID().String()),
		zap.Stringer("type", out.msg.Type()),
	}, extra...)
}

func (out *outbound) fail(reason Reason, err error) {
	log.Warn("outgoing message rejected", out.fields(zap.Stringer("reason", reason), zap.Error(err))...)
	out.t.finish(nil, &Error{Reason: reason, Err: err}, Event{Kind: EventRejected, Reason: reason, Fatal: true, Err: err})
}

func (out *outbound) run(ctx context.Context) {
	p, t, msg := out.p, out.t, out.msg
	t.emit(Event{Kind: EventStarted})

	me := p.deps.Keys.Identity()
	switch {
	case msg.From != me:
		out.fail(ReasonInternal, fmt.Errorf("%w: sender %q is not %q", codec.ErrInvalidMessage, msg.From, me))
		return
	case msg.To != out.contact.Identity:
		out.fail(ReasonInternal, fmt.Errorf("%w: recipient %q is not contact %q", codec.ErrInvalidMessage, msg.To, out.contact.Identity))
		return
	}
	if err := msg.Validate(); err != nil {
		out.fail(ReasonInvalidContent, err)
		return
	}
	t.step(StepValidate)

	plain, err := codec.Encode(msg)
	if err != nil {
		out.fail(ReasonInternal, err)
		return
	}
	t.step(StepEncode)

	pub := out.contact.PublicKey
	if pub == (model.PublicKey{}) {
		if pub, err = p.deps.Keys.LookupPublicKey(ctx, out.contact.Identity); err != nil {
			if errors.Is(err, identity.ErrUnknownIdentity) {
				out.fail(ReasonUnknownIdentity, err)
			} else {
				out.fail(ReasonInternal, err)
			}
			return
		}
	}
	nonce, err := model.RandomNonce()
	if err != nil {
		out.fail(ReasonInternal, err)
		return
	}
	ct, err := p.deps.Engine.Encrypt(plain, p.deps.Keys.PrivateKey(), pub, nonce)
	if err != nil {
		if errors.Is(err, encryption.ErrMessageTooLarge) {
			out.fail(ReasonTooLarge, err)
		} else {
			out.fail(ReasonInternal, err)
		}
		return
	}
	env := codec.NewEnvelope(msg, nonce, ct, false)
	t.step(StepEncrypt)

	if err := ctx.Err(); err != nil {
		out.fail(ReasonCancelled, err)
		return
	}
	// the ratchet advances from here on, the task runs to the end
	ctx = context.WithoutCancel(ctx)

	mode, ok := out.wrap(ctx, env)
	if !ok {
		return
	}
	t.step(StepWrap)

	msg.Nonce = nonce
	msg.Flags = env.Flags
	msg.FSMode = mode
	log.Debug("outgoing message encrypted", out.fields(zap.Stringer("fs_mode", mode), zap.String("nonce", nonce.Short()))...)
	t.finish(&OutgoingResult{Envelope: env, Mode: mode}, nil, Event{Kind: EventSucceeded, Message: msg, Envelope: env})
}

func (out *outbound) wrap(ctx context.Context, env *model.BoxedEnvelope) (model.ForwardSecurityMode, bool) {
	required := out.msg.MinimumRequiredForwardSecurityVersion()
	fs := out.p.deps.FS

	usable := fs != nil && fs.Enabled() && out.contact.ForwardSecure && env.Type != model.TypeForwardSecurityControl
	if !usable {
		if required > model.VersionNone {
			out.fail(ReasonVersionMismatch, fmt.Errorf("%w: %s requires %s", forwardsecrecy.ErrVersionMismatch, env.Type, required))
			return model.ModeNone, false
		}
		return model.ModeNone, true
	}

	res, err := fs.Wrap(ctx, env, required)
	if serr := out.p.sendControls(ctx, out.contact.Identity, res.Control); serr != nil {
		out.fail(ReasonInternal, serr)
		return model.ModeNone, false
	}
	if err == nil {
		return res.Mode, true
	}

	fallback := errors.Is(err, forwardsecrecy.ErrSessionNotReady) || errors.Is(err, forwardsecrecy.ErrVersionMismatch)
	if fallback && required == model.VersionNone {
		log.Debug("sending without forward secrecy", out.fields(zap.Error(err))...)
		return model.ModeNone, true
	}
	reason, _ := fsReason(err)
	out.fail(reason, err)
	return model.ModeNone, false
}
