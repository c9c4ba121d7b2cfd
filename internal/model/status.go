package model

type Status uint8

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusUserAcknowledged
	StatusUserDeclined
	StatusFailed
	StatusReceived
)

var statusNames = [...]string{"sending", "sent", "delivered", "read", "acknowledged", "declined", "failed", "received"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "invalid"
}

// Status derives the display state. The user reaction wins over transport progress.
func (m *Message) Status(outgoing bool) Status {
	if outgoing && m.SendFailed {
		return StatusFailed
	}
	switch m.UserAck {
	case TriTrue:
		return StatusUserAcknowledged
	case TriFalse:
		return StatusUserDeclined
	}
	if m.Read {
		return StatusRead
	}
	if !outgoing {
		return StatusReceived
	}
	switch {
	case m.Delivered == TriTrue:
		return StatusDelivered
	case m.Sent:
		return StatusSent
	}
	return StatusSending
}
