package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDeliveryDateSet = errors.New("delivery date already set")
	ErrUnknownVariant  = errors.New("content type not registered")
)

// Tri is an unknown/false/true state for receipt derived flags.
type Tri uint8

const (
	TriUnknown Tri = iota
	TriFalse
	TriTrue
)

func TriOf(b bool) Tri {
	if b {
		return TriTrue
	}
	return TriFalse
}

func (t Tri) String() string {
	switch t {
	case TriFalse:
		return "false"
	case TriTrue:
		return "true"
	}
	return "unknown"
}

// ForwardSecurityMode records how a message travelled. Values are ordered.
type ForwardSecurityMode uint8

const (
	ModeNone ForwardSecurityMode = iota
	ModeInitial
	ModeEstablished
)

func (m ForwardSecurityMode) String() string {
	switch m {
	case ModeInitial:
		return "initial"
	case ModeEstablished:
		return "established"
	}
	return "none"
}

type (
	// Message is an application message of any variant. The identifier and
	// creation date are fixed at construction; the delivery date is set once.
	Message struct {
		From         Identity
		To           Identity
		PushFromName string

		Delivered   Tri
		UserAck     Tri
		SendUserAck bool
		Read        bool
		Sent        bool
		SendFailed  bool

		Nonce  Nonce
		Flags  Flags
		FSMode ForwardSecurityMode

		// ReceivedAfterInitialQueueSend only influences local notification policy.
		ReceivedAfterInitialQueueSend bool

		Content Content

		id           MessageID
		date         time.Time
		deliveryDate time.Time
	}
)

// NewMessage builds an outbound message with a random identifier.
func NewMessage(from, to Identity, content Content) *Message {
	return &Message{
		From:    from,
		To:      to,
		Content: content,
		id:      RandomMessageID(),
		date:    time.Now().UTC().Truncate(time.Second),
	}
}

// RestoreMessage rebuilds a message whose identifier and date come from the wire or storage.
func RestoreMessage(id MessageID, date time.Time, from, to Identity, content Content) *Message {
	return &Message{
		From:    from,
		To:      to,
		Content: content,
		id:      id,
		date:    date,
	}
}

func (m *Message) ID() MessageID { return m.id }

func (m *Message) Date() time.Time { return m.date }

func (m *Message) DeliveryDate() (time.Time, bool) {
	return m.deliveryDate, !m.deliveryDate.IsZero()
}

// MarkDelivered records the delivery date. It can only happen once.
func (m *Message) MarkDelivered(at time.Time) error {
	if !m.deliveryDate.IsZero() {
		return ErrDeliveryDateSet
	}
	m.deliveryDate = at
	m.Delivered = TriTrue
	return nil
}

func (m *Message) Type() Type {
	if m.Content == nil {
		return 0
	}
	return m.Content.Type()
}

// Capabilities returns the table row of the message's variant. Unregistered
// content gets the zero row, which pushes nothing and notifies nobody.
func (m *Message) Capabilities() Capabilities {
	if v, ok := Lookup(m.Type()); ok {
		return v.Capabilities
	}
	return Capabilities{}
}

func (m *Message) Body() ([]byte, error) {
	if m.Content == nil {
		return nil, ErrNoBody
	}
	return m.Content.Body()
}

// Validate checks the envelope fields and the variant content.
func (m *Message) Validate() error {
	if !m.From.Valid() {
		return fmt.Errorf("%w: sender %q", ErrInvalidIdentity, m.From)
	}
	if !m.To.Valid() {
		return fmt.Errorf("%w: recipient %q", ErrInvalidIdentity, m.To)
	}
	if m.Content == nil {
		return fmt.Errorf("%w: no content", ErrInvalidContent)
	}
	if _, ok := Lookup(m.Content.Type()); !ok {
		return fmt.Errorf("%w: 0x%02x", ErrUnknownVariant, uint8(m.Content.Type()))
	}
	return m.Content.Validate()
}

func (m *Message) IsContentValid() bool {
	return m.Validate() == nil
}

func (m *Message) MinimumRequiredForwardSecurityVersion() FSVersion {
	return m.Capabilities().MinFSVersion
}

func (m *Message) CanShowUserNotification() bool { return m.Capabilities().ShowNotification }

func (m *Message) CanCreateConversation() bool { return m.Capabilities().CreateConversation }

func (m *Message) CanUnarchiveConversation() bool { return m.Capabilities().UnarchiveConversation }

func (m *Message) NeedsConversation() bool { return m.Capabilities().NeedsConversation }

func (m *Message) AllowSendingProfile() bool { return m.Capabilities().AllowSendingProfile }

// NoDeliveryReceiptFlagSet reports the flag as received, falling back to the variant default.
func (m *Message) NoDeliveryReceiptFlagSet() bool {
	if m.Flags != 0 {
		return m.Flags.Has(FlagNoDeliveryReceipt)
	}
	return m.Capabilities().NoDeliveryReceipts
}

// PushNotificationBody is the preview text for user-visible variants.
func (m *Message) PushNotificationBody() string {
	if !m.CanShowUserNotification() {
		return ""
	}
	if p, ok := m.Content.(Previewer); ok {
		return p.Preview()
	}
	return ""
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s->%s %s", m.Type(), m.From, m.To, m.id)
}
