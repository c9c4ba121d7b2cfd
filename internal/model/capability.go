package model

import (
	"fmt"
	"sort"
)

// Type is the numeric tag carried in the envelope. Released values never change.
type Type uint8

const (
	TypeText                   Type = 0x01
	TypeImage                  Type = 0x02
	TypeLocation               Type = 0x10
	TypeFile                   Type = 0x17
	TypeGroupText              Type = 0x41
	TypeGroupSetup             Type = 0x4a
	TypeGroupLeave             Type = 0x4c
	TypeCallOffer              Type = 0x60
	TypeCallHangup             Type = 0x63
	TypeDeliveryReceipt        Type = 0x80
	TypeTypingIndicator        Type = 0x90
	TypeEdit                   Type = 0x91
	TypeDelete                 Type = 0x92
	TypeForwardSecurityControl Type = 0xa0
)

// Flags is the protocol flag byte of an envelope.
type Flags uint8

const (
	FlagSendPush          Flags = 0x01
	FlagDontQueue         Flags = 0x02
	FlagDontAck           Flags = 0x04
	FlagGroup             Flags = 0x10
	FlagImmediateDelivery Flags = 0x20
	FlagForwardSecure     Flags = 0x40
	FlagNoDeliveryReceipt Flags = 0x80
)

func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

// FSVersion is the forward-secrecy protocol version. Higher values are supersets.
type FSVersion uint8

const (
	VersionNone FSVersion = 0
	Version1    FSVersion = 1
	Version2    FSVersion = 2
)

func (v FSVersion) String() string {
	if v == VersionNone {
		return "none"
	}
	return fmt.Sprintf("v%d", uint8(v))
}

type MediaPolicy uint8

const (
	MediaNone MediaPolicy = iota
	MediaOptional
	MediaMandatory
)

type (
	Capabilities struct {
		ShouldPush            bool
		DontQueue             bool
		DontAck               bool
		NoDeliveryReceipts    bool
		Group                 bool
		ImmediateDelivery     bool
		VoIP                  bool
		ShowNotification      bool
		CreateConversation    bool
		UnarchiveConversation bool
		NeedsConversation     bool
		AllowSendingProfile   bool
		MinFSVersion          FSVersion
		Media                 MediaPolicy
	}

	// Variant is one row of the capability table.
	Variant struct {
		Type         Type
		Name         string
		Capabilities Capabilities
		Parse        func(body []byte) (Content, error)
	}
)

// Flags derives the envelope flag byte. FlagForwardSecure is set by the codec, not here.
func (c Capabilities) Flags() Flags {
	var f Flags
	if c.ShouldPush {
		f |= FlagSendPush
	}
	if c.DontQueue {
		f |= FlagDontQueue
	}
	if c.DontAck {
		f |= FlagDontAck
	}
	if c.Group {
		f |= FlagGroup
	}
	if c.ImmediateDelivery {
		f |= FlagImmediateDelivery
	}
	if c.NoDeliveryReceipts {
		f |= FlagNoDeliveryReceipt
	}
	return f
}

var variants = map[Type]*Variant{}

func register(v Variant) {
	if _, dup := variants[v.Type]; dup {
		panic(fmt.Sprintf("model: variant 0x%02x registered twice", uint8(v.Type)))
	}
	variants[v.Type] = &v
}

// Lookup returns the table row for a tag. ok is false for tags this build does not know.
func Lookup(t Type) (*Variant, bool) {
	v, ok := variants[t]
	return v, ok
}

func Types() []Type {
	out := make([]Type, 0, len(variants))
	for t := range variants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t Type) String() string {
	if v, ok := variants[t]; ok {
		return v.Name
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

func userVisible(minFS FSVersion, media MediaPolicy) Capabilities {
	return Capabilities{
		ShouldPush:            true,
		ShowNotification:      true,
		CreateConversation:    true,
		UnarchiveConversation: true,
		NeedsConversation:     true,
		AllowSendingProfile:   true,
		MinFSVersion:          minFS,
		Media:                 media,
	}
}

func init() {
	register(Variant{Type: TypeText, Name: "text", Capabilities: userVisible(VersionNone, MediaNone), Parse: parseText})
	register(Variant{Type: TypeImage, Name: "image", Capabilities: userVisible(VersionNone, MediaMandatory), Parse: parseImage})
	register(Variant{Type: TypeLocation, Name: "location", Capabilities: userVisible(VersionNone, MediaNone), Parse: parseLocation})
	register(Variant{Type: TypeFile, Name: "file", Capabilities: userVisible(VersionNone, MediaOptional), Parse: parseFile})

	groupText := userVisible(VersionNone, MediaNone)
	groupText.Group = true
	groupText.NoDeliveryReceipts = true
	register(Variant{Type: TypeGroupText, Name: "group-text", Capabilities: groupText, Parse: parseGroupText})

	groupControl := Capabilities{Group: true, NoDeliveryReceipts: true}
	register(Variant{Type: TypeGroupSetup, Name: "group-setup", Capabilities: groupControl, Parse: parseGroupSetup})
	register(Variant{Type: TypeGroupLeave, Name: "group-leave", Capabilities: groupControl, Parse: parseGroupLeave})

	offer := userVisible(Version1, MediaNone)
	offer.ImmediateDelivery = true
	offer.VoIP = true
	offer.NoDeliveryReceipts = true
	offer.AllowSendingProfile = false
	register(Variant{Type: TypeCallOffer, Name: "call-offer", Capabilities: offer, Parse: parseCallOffer})
	register(Variant{Type: TypeCallHangup, Name: "call-hangup", Capabilities: Capabilities{
		ImmediateDelivery:  true,
		VoIP:               true,
		NoDeliveryReceipts: true,
		NeedsConversation:  true,
		MinFSVersion:       Version1,
	}, Parse: parseCallHangup})

	register(Variant{Type: TypeDeliveryReceipt, Name: "delivery-receipt", Capabilities: Capabilities{
		NoDeliveryReceipts: true,
	}, Parse: parseDeliveryReceipt})
	register(Variant{Type: TypeTypingIndicator, Name: "typing-indicator", Capabilities: Capabilities{
		DontQueue:          true,
		DontAck:            true,
		ImmediateDelivery:  true,
		NoDeliveryReceipts: true,
	}, Parse: parseTypingIndicator})

	edit := Capabilities{ShouldPush: true, NoDeliveryReceipts: true, NeedsConversation: true, MinFSVersion: Version2}
	register(Variant{Type: TypeEdit, Name: "edit", Capabilities: edit, Parse: parseEdit})
	register(Variant{Type: TypeDelete, Name: "delete", Capabilities: edit, Parse: parseDelete})

	register(Variant{Type: TypeForwardSecurityControl, Name: "fs-control", Capabilities: Capabilities{
		NoDeliveryReceipts: true,
	}, Parse: parseFSControl})
}
