package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice Identity = "ALICE001"
	bob   Identity = "BOB00002"
)

func TestRandomMessageIDIsUnique(t *testing.T) {
	seen := make(map[MessageID]struct{})
	for i := 0; i < 1000; i++ {
		id := RandomMessageID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestParseIdentity(t *testing.T) {
	_, err := ParseIdentity("ECHOECHO")
	assert.NoError(t, err)
	_, err = ParseIdentity("*GATEWAY")
	assert.NoError(t, err)

	for _, bad := range []string{"", "short", "lowercas", "TOOLONGID", "AB*CDEFG"} {
		_, err := ParseIdentity(bad)
		assert.ErrorIs(t, err, ErrInvalidIdentity, bad)
	}
}

func TestDeliveryDateSetOnce(t *testing.T) {
	m := NewMessage(alice, bob, &Text{Text: "hi"})
	_, ok := m.DeliveryDate()
	assert.False(t, ok)
	assert.Equal(t, TriUnknown, m.Delivered)

	first := time.Unix(1700000000, 0)
	require.NoError(t, m.MarkDelivered(first))
	assert.ErrorIs(t, m.MarkDelivered(first.Add(time.Hour)), ErrDeliveryDateSet)

	got, ok := m.DeliveryDate()
	assert.True(t, ok)
	assert.Equal(t, first, got)
	assert.Equal(t, TriTrue, m.Delivered)
}

func TestNewMessageKeepsIDAndDate(t *testing.T) {
	m := NewMessage(alice, bob, &Text{Text: "hi"})
	assert.False(t, m.ID().IsZero())
	assert.False(t, m.Date().IsZero())

	r := RestoreMessage(m.ID(), m.Date(), alice, bob, m.Content)
	assert.Equal(t, m.ID(), r.ID())
	assert.Equal(t, m.Date(), r.Date())
}

func TestCapabilityTable(t *testing.T) {
	text := NewMessage(alice, bob, &Text{Text: "hi"})
	assert.True(t, text.CanShowUserNotification())
	assert.True(t, text.CanCreateConversation())
	assert.Equal(t, VersionNone, text.MinimumRequiredForwardSecurityVersion())
	assert.Equal(t, FlagSendPush, text.Capabilities().Flags())

	typing := NewMessage(alice, bob, &TypingIndicator{Typing: true})
	f := typing.Capabilities().Flags()
	assert.True(t, f.Has(FlagDontQueue))
	assert.True(t, f.Has(FlagImmediateDelivery))
	assert.False(t, typing.CanShowUserNotification())

	edit := NewMessage(alice, bob, &Edit{MessageID: RandomMessageID(), Text: "fixed"})
	assert.Equal(t, Version2, edit.MinimumRequiredForwardSecurityVersion())

	group := NewMessage(alice, bob, &GroupText{Creator: alice, Text: "all"})
	assert.True(t, group.Capabilities().Flags().Has(FlagGroup))

	for _, typ := range Types() {
		v, ok := Lookup(typ)
		require.True(t, ok)
		assert.Equal(t, typ, v.Type)
		assert.NotNil(t, v.Parse, v.Name)
	}

	_, ok := Lookup(0x7f)
	assert.False(t, ok)
}

func TestContentValidation(t *testing.T) {
	valid := []Content{
		&Text{Text: "hello"},
		&Location{Latitude: 47.3, Longitude: 8.5, Name: "Zurich", Address: "Bahnhofstrasse"},
		&Image{BlobID: BlobID{1}, ThumbnailBlobID: BlobID{2}, Key: [32]byte{3}, Size: 10},
		&File{BlobID: BlobID{1}, Key: [32]byte{3}, MIME: "text/plain"},
		&GroupSetup{GroupID: GroupID{1}, Members: []Identity{alice, bob}},
		&CallOffer{CallID: 7, SDPType: "offer", SDP: "v=0"},
		&DeliveryReceipt{Status: ReceiptRead, MessageIDs: []MessageID{{1}}},
		&Delete{MessageID: MessageID{9}},
		&FSControl{SessionID: SessionID{1}, Accept: &FSAccept{Version: Version1}},
	}
	for _, c := range valid {
		assert.NoError(t, c.Validate(), "%T", c)
	}

	invalid := []Content{
		&Text{},
		&Text{Text: string(make([]byte, MaxTextLength+1))},
		&Location{Latitude: 91},
		&Image{BlobID: BlobID{1}, Key: [32]byte{3}, Size: 10},
		&DeliveryReceipt{Status: ReceiptRead},
		&DeliveryReceipt{Status: 9, MessageIDs: []MessageID{{1}}},
		&CallHangup{},
		&Edit{Text: "x"},
		&FSControl{SessionID: SessionID{1}},
		&FSControl{SessionID: SessionID{1}, Accept: &FSAccept{Version: 1}, Terminate: &FSTerminate{}},
	}
	for _, c := range invalid {
		assert.ErrorIs(t, c.Validate(), ErrInvalidContent, "%T", c)
	}
}

func TestBodiesParseBack(t *testing.T) {
	contents := []Content{
		&Text{Text: "hello"},
		&Location{Latitude: -33.5, Longitude: 151.25, Accuracy: 12, Address: "Somewhere"},
		&Location{Latitude: 1, Longitude: 2, Name: "POI", Address: "Street 1"},
		&Image{BlobID: BlobID{1}, ThumbnailBlobID: BlobID{2}, Key: [32]byte{3}, Size: 10, MIME: "image/jpeg"},
		&File{BlobID: BlobID{1}, Key: [32]byte{3}, MIME: "application/pdf", Name: "a.pdf", Size: 99},
		&GroupText{Creator: alice, GroupID: GroupID{1, 2}, Text: "yo"},
		&GroupSetup{GroupID: GroupID{5}, Members: []Identity{alice, bob}},
		&GroupLeave{Creator: bob, GroupID: GroupID{5}},
		&CallOffer{CallID: 3, SDPType: "offer", SDP: "v=0"},
		&CallHangup{CallID: 3},
		&DeliveryReceipt{Status: ReceiptReceived, MessageIDs: []MessageID{{1}, {2}}},
		&TypingIndicator{Typing: true},
		&Edit{MessageID: MessageID{1, 2, 3}, Text: "edited"},
		&Delete{MessageID: MessageID{4}},
		&FSControl{SessionID: SessionID{7}, Init: &FSInit{Ephemeral: PublicKey{8}, MinVersion: Version1, MaxVersion: Version2}},
		&FSControl{SessionID: SessionID{7}, Reject: &FSReject{MessageID: MessageID{1}, Cause: RejectUnknownSession}},
		&FSControl{SessionID: SessionID{7}, Terminate: &FSTerminate{Cause: TerminateDesync}},
	}
	for _, c := range contents {
		body, err := c.Body()
		require.NoError(t, err)

		v, ok := Lookup(c.Type())
		require.True(t, ok)
		parsed, err := v.Parse(body)
		require.NoError(t, err, "%T", c)
		assert.Equal(t, c, parsed, "%T", c)
	}
}

func TestMalformedBodies(t *testing.T) {
	cases := map[Type][]byte{
		TypeGroupText:       {1, 2, 3},
		TypeGroupSetup:      {1, 2, 3, 4, 5, 6, 7, 8, 9},
		TypeDeliveryReceipt: {1, 2},
		TypeTypingIndicator: {2},
		TypeImage:           []byte("{"),
		TypeLocation:        []byte("north"),
		TypeEdit:            {0x09, 1},
	}
	for typ, body := range cases {
		v, _ := Lookup(typ)
		_, err := v.Parse(body)
		assert.ErrorIs(t, err, ErrMalformedBody, typ.String())
	}
}

func TestStatusDerivation(t *testing.T) {
	m := NewMessage(alice, bob, &Text{Text: "hi"})
	assert.Equal(t, StatusSending, m.Status(true))
	m.Sent = true
	assert.Equal(t, StatusSent, m.Status(true))
	m.Delivered = TriTrue
	assert.Equal(t, StatusDelivered, m.Status(true))
	m.Read = true
	assert.Equal(t, StatusRead, m.Status(true))
	m.UserAck = TriFalse
	assert.Equal(t, StatusUserDeclined, m.Status(true))
	m.SendFailed = true
	assert.Equal(t, StatusFailed, m.Status(true))

	in := NewMessage(bob, alice, &Text{Text: "hi"})
	assert.Equal(t, StatusReceived, in.Status(false))
}

func TestPushNotificationBody(t *testing.T) {
	assert.Equal(t, "hello", NewMessage(alice, bob, &Text{Text: "hello"}).PushNotificationBody())
	assert.Empty(t, NewMessage(alice, bob, &TypingIndicator{}).PushNotificationBody())
}

func TestStatus(t *testing.T) {
	m := NewMessage(alice, bob, &Text{Text: "hi"})
	assert.Equal(t, StatusSending, m.Status(true))

	m.Sent = true
	assert.Equal(t, StatusSent, m.Status(true))

	m.Delivered = TriTrue
	assert.Equal(t, StatusDelivered, m.Status(true))
	assert.Equal(t, StatusReceived, m.Status(false))

	m.Read = true
	assert.Equal(t, StatusRead, m.Status(true))

	m.UserAck = TriFalse
	assert.Equal(t, StatusUserDeclined, m.Status(true))
	assert.Equal(t, "declined", m.Status(true).String())

	m.SendFailed = true
	assert.Equal(t, StatusFailed, m.Status(true))
	assert.Equal(t, StatusUserDeclined, m.Status(false))
}
