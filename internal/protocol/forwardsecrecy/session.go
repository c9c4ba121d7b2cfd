package forwardsecrecy

import (
	"time"

	"e2e_core/internal/model"
	"e2e_core/internal/protocol/doubleratchet"
)

type State uint8

const (
	StateUninitialized State = iota
	StateNegotiating
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateEstablished:
		return "established"
	}
	return "uninitialized"
}

type Role uint8

const (
	RoleInitiator Role = iota + 1
	RoleResponder
)

// Session is the ratchet state shared with one peer. It never leaves this package
// except through a SessionStore.
type Session struct {
	ID           model.SessionID             `json:"id"`
	MyIdentity   model.Identity              `json:"my_identity"`
	PeerIdentity model.Identity              `json:"peer_identity"`
	State        State                       `json:"state"`
	Role         Role                        `json:"role"`
	Version      model.FSVersion             `json:"version"`
	Ratchet      *doubleratchet.RatchetState `json:"ratchet"`
	CreatedAt    time.Time                   `json:"created_at"`
	UpdatedAt    time.Time                   `json:"updated_at"`
}

func (s *Session) Clone() *Session {
	c := *s
	if s.Ratchet != nil {
		c.Ratchet = s.Ratchet.Clone()
	}
	return &c
}

// Mode is how a message sent on this session right now is protected.
func (s *Session) Mode() model.ForwardSecurityMode {
	if s.State == StateEstablished {
		return model.ModeEstablished
	}
	return model.ModeInitial
}
