package processor

import (
	"context"
	"time"

	"e2e_core/internal/model"
)

type (
	// ConversationPolicy tells the entity store what a message may do to its conversation.
	ConversationPolicy struct {
		Create    bool
		Unarchive bool
		Needs     bool
	}

	// EntityStore persists validated inbound messages. StoreMessage returns false
	// when a message with the same sender and id was stored before.
	EntityStore interface {
		StoreMessage(ctx context.Context, msg *model.Message, policy ConversationPolicy) (bool, error)
	}

	Notifier interface {
		Notify(ctx context.Context, msg *model.Message)
	}

	// MediaFetcher returns the blob or fails within timeout. A zero timeout waits for the context only.
	MediaFetcher interface {
		Fetch(ctx context.Context, id model.BlobID, timeout time.Duration) ([]byte, error)
	}

	// Outbox hands envelopes produced by the processor itself, such as
	// forward-secrecy control messages, to the transport.
	Outbox interface {
		Send(ctx context.Context, env *model.BoxedEnvelope) error
	}
)

func PolicyOf(m *model.Message) ConversationPolicy {
	return ConversationPolicy{
		Create:    m.CanCreateConversation(),
		Unarchive: m.CanUnarchiveConversation(),
		Needs:     m.NeedsConversation(),
	}
}
