package model

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	MaxTextLength = 7000
	BlobIDLength  = 16
)

var (
	ErrNoBody         = errors.New("variant carries no body")
	ErrInvalidContent = errors.New("invalid content")
	ErrMalformedBody  = errors.New("malformed body")
)

type (
	// Content is the variant specific part of a message.
	Content interface {
		Type() Type
		// Body renders the bytes that get encrypted. ErrNoBody for payload-less variants.
		Body() ([]byte, error)
		Validate() error
	}

	// MediaContent is implemented by variants that reference a blob fetched during processing.
	MediaContent interface {
		Content
		MediaRef() (BlobID, bool)
		AttachMedia(data []byte)
	}

	// Previewer supplies the text shown in a push notification.
	Previewer interface {
		Preview() string
	}

	BlobID [BlobIDLength]byte

	GroupID [8]byte

	ReceiptStatus uint8
)

const (
	ReceiptReceived    ReceiptStatus = 0x01
	ReceiptRead        ReceiptStatus = 0x02
	ReceiptUserAck     ReceiptStatus = 0x03
	ReceiptUserDecline ReceiptStatus = 0x04
)

func (b BlobID) IsZero() bool    { return b == BlobID{} }
func (b BlobID) String() string  { return hex.EncodeToString(b[:]) }
func (g GroupID) String() string { return hex.EncodeToString(g[:]) }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidContent, fmt.Sprintf(format, args...))
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedBody, fmt.Sprintf(format, args...))
}

// hexBytes marshals fixed size ids as lowercase hex in JSON bodies.
type hexBytes []byte

func (h hexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

func (h *hexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*h = b
	return nil
}

func copyFixed(dst []byte, src hexBytes, field string) error {
	if len(src) == 0 {
		return nil
	}
	if len(src) != len(dst) {
		return malformed("%s must be %d bytes, got %d", field, len(dst), len(src))
	}
	copy(dst, src)
	return nil
}

// Text

type Text struct {
	Text string
}

func (c *Text) Type() Type { return TypeText }

func (c *Text) Body() ([]byte, error) { return []byte(c.Text), nil }

func (c *Text) Validate() error {
	return validateText(c.Text)
}

func (c *Text) Preview() string { return c.Text }

func validateText(s string) error {
	if s == "" {
		return invalid("empty text")
	}
	if len(s) > MaxTextLength {
		return invalid("text of %d bytes exceeds %d", len(s), MaxTextLength)
	}
	if !utf8.ValidString(s) {
		return invalid("text is not valid UTF-8")
	}
	return nil
}

func parseText(body []byte) (Content, error) {
	return &Text{Text: string(body)}, nil
}

// Image

type (
	Image struct {
		BlobID          BlobID
		ThumbnailBlobID BlobID
		Key             [KeyLength]byte
		Size            uint32
		MIME            string

		Thumbnail []byte
	}

	imageJSON struct {
		Blob      hexBytes `json:"b"`
		Thumbnail hexBytes `json:"t"`
		Key       hexBytes `json:"k"`
		Size      uint32   `json:"s"`
		MIME      string   `json:"m"`
	}
)

func (c *Image) Type() Type { return TypeImage }

func (c *Image) Body() ([]byte, error) {
	return json.Marshal(imageJSON{
		Blob:      c.BlobID[:],
		Thumbnail: c.ThumbnailBlobID[:],
		Key:       c.Key[:],
		Size:      c.Size,
		MIME:      c.MIME,
	})
}

func (c *Image) Validate() error {
	if c.BlobID.IsZero() {
		return invalid("image without blob id")
	}
	if c.ThumbnailBlobID.IsZero() {
		return invalid("image without thumbnail")
	}
	if c.Key == [KeyLength]byte{} {
		return invalid("image without key")
	}
	if c.Size == 0 {
		return invalid("image of size zero")
	}
	return nil
}

func (c *Image) MediaRef() (BlobID, bool) { return c.ThumbnailBlobID, !c.ThumbnailBlobID.IsZero() }

func (c *Image) AttachMedia(data []byte) { c.Thumbnail = data }

func (c *Image) Preview() string { return "Image" }

func parseImage(body []byte) (Content, error) {
	var j imageJSON
	if err := json.Unmarshal(body, &j); err != nil {
		return nil, malformed("image: %v", err)
	}
	c := &Image{Size: j.Size, MIME: j.MIME}
	if err := errors.Join(
		copyFixed(c.BlobID[:], j.Blob, "blob id"),
		copyFixed(c.ThumbnailBlobID[:], j.Thumbnail, "thumbnail blob id"),
		copyFixed(c.Key[:], j.Key, "key"),
	); err != nil {
		return nil, err
	}
	return c, nil
}

// File

type (
	File struct {
		BlobID          BlobID
		ThumbnailBlobID BlobID
		Key             [KeyLength]byte
		MIME            string
		Name            string
		Size            uint64
		Caption         string

		Thumbnail []byte
	}

	fileJSON struct {
		Blob      hexBytes `json:"b"`
		Thumbnail hexBytes `json:"t,omitempty"`
		Key       hexBytes `json:"k"`
		MIME      string   `json:"m"`
		Name      string   `json:"n,omitempty"`
		Size      uint64   `json:"s"`
		Caption   string   `json:"d,omitempty"`
	}
)

func (c *File) Type() Type { return TypeFile }

func (c *File) Body() ([]byte, error) {
	j := fileJSON{
		Blob:    c.BlobID[:],
		Key:     c.Key[:],
		MIME:    c.MIME,
		Name:    c.Name,
		Size:    c.Size,
		Caption: c.Caption,
	}
	if !c.ThumbnailBlobID.IsZero() {
		j.Thumbnail = c.ThumbnailBlobID[:]
	}
	return json.Marshal(j)
}

func (c *File) Validate() error {
	if c.BlobID.IsZero() {
		return invalid("file without blob id")
	}
	if c.Key == [KeyLength]byte{} {
		return invalid("file without key")
	}
	if c.MIME == "" {
		return invalid("file without media type")
	}
	return nil
}

func (c *File) MediaRef() (BlobID, bool) { return c.ThumbnailBlobID, !c.ThumbnailBlobID.IsZero() }

func (c *File) AttachMedia(data []byte) { c.Thumbnail = data }

func (c *File) Preview() string {
	if c.Caption != "" {
		return c.Caption
	}
	if c.Name != "" {
		return c.Name
	}
	return "File"
}

func parseFile(body []byte) (Content, error) {
	var j fileJSON
	if err := json.Unmarshal(body, &j); err != nil {
		return nil, malformed("file: %v", err)
	}
	c := &File{MIME: j.MIME, Name: j.Name, Size: j.Size, Caption: j.Caption}
	if err := errors.Join(
		copyFixed(c.BlobID[:], j.Blob, "blob id"),
		copyFixed(c.ThumbnailBlobID[:], j.Thumbnail, "thumbnail blob id"),
		copyFixed(c.Key[:], j.Key, "key"),
	); err != nil {
		return nil, err
	}
	return c, nil
}

// Location

type Location struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Name      string
	Address   string
}

func (c *Location) Type() Type { return TypeLocation }

func (c *Location) Body() ([]byte, error) {
	var b strings.Builder
	b.WriteString(strconv.FormatFloat(c.Latitude, 'f', -1, 64))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(c.Longitude, 'f', -1, 64))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(c.Accuracy, 'f', -1, 64))
	switch {
	case c.Name != "":
		b.WriteString("\n" + c.Name + "\n" + c.Address)
	case c.Address != "":
		b.WriteString("\n" + c.Address)
	}
	return []byte(b.String()), nil
}

func (c *Location) Validate() error {
	if math.IsNaN(c.Latitude) || c.Latitude < -90 || c.Latitude > 90 {
		return invalid("latitude %v out of range", c.Latitude)
	}
	if math.IsNaN(c.Longitude) || c.Longitude < -180 || c.Longitude > 180 {
		return invalid("longitude %v out of range", c.Longitude)
	}
	if c.Accuracy < 0 {
		return invalid("negative accuracy")
	}
	return nil
}

func (c *Location) Preview() string {
	if c.Name != "" {
		return c.Name
	}
	return "Location"
}

func parseLocation(body []byte) (Content, error) {
	lines := strings.SplitN(string(body), "\n", 3)
	coords := strings.Split(lines[0], ",")
	if len(coords) < 2 || len(coords) > 3 {
		return nil, malformed("location: %d coordinates", len(coords))
	}
	vals := make([]float64, 3)
	for i, s := range coords {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, malformed("location: %v", err)
		}
		vals[i] = v
	}
	c := &Location{Latitude: vals[0], Longitude: vals[1], Accuracy: vals[2]}
	switch len(lines) {
	case 2:
		c.Address = lines[1]
	case 3:
		c.Name, c.Address = lines[1], lines[2]
	}
	return c, nil
}

// Group text

type GroupText struct {
	Creator Identity
	GroupID GroupID
	Text    string
}

func (c *GroupText) Type() Type { return TypeGroupText }

func (c *GroupText) Body() ([]byte, error) {
	b := make([]byte, 0, IdentityLength+len(c.GroupID)+len(c.Text))
	b = append(b, c.Creator...)
	b = append(b, c.GroupID[:]...)
	return append(b, c.Text...), nil
}

func (c *GroupText) Validate() error {
	if !c.Creator.Valid() {
		return invalid("group creator %q", c.Creator)
	}
	return validateText(c.Text)
}

func (c *GroupText) Preview() string { return c.Text }

func parseGroupText(body []byte) (Content, error) {
	if len(body) < IdentityLength+8 {
		return nil, malformed("group text: %d bytes", len(body))
	}
	c := &GroupText{Creator: Identity(body[:IdentityLength]), Text: string(body[IdentityLength+8:])}
	copy(c.GroupID[:], body[IdentityLength:IdentityLength+8])
	return c, nil
}

// Group setup

type GroupSetup struct {
	GroupID GroupID
	Members []Identity
}

func (c *GroupSetup) Type() Type { return TypeGroupSetup }

func (c *GroupSetup) Body() ([]byte, error) {
	b := make([]byte, 0, len(c.GroupID)+IdentityLength*len(c.Members))
	b = append(b, c.GroupID[:]...)
	for _, m := range c.Members {
		b = append(b, m...)
	}
	return b, nil
}

// Validate accepts an empty member list, which dissolves the group.
func (c *GroupSetup) Validate() error {
	for _, m := range c.Members {
		if !m.Valid() {
			return invalid("group member %q", m)
		}
	}
	return nil
}

func parseGroupSetup(body []byte) (Content, error) {
	if len(body) < 8 || (len(body)-8)%IdentityLength != 0 {
		return nil, malformed("group setup: %d bytes", len(body))
	}
	c := &GroupSetup{}
	copy(c.GroupID[:], body[:8])
	for off := 8; off < len(body); off += IdentityLength {
		c.Members = append(c.Members, Identity(body[off:off+IdentityLength]))
	}
	return c, nil
}

// Group leave

type GroupLeave struct {
	Creator Identity
	GroupID GroupID
}

func (c *GroupLeave) Type() Type { return TypeGroupLeave }

func (c *GroupLeave) Body() ([]byte, error) {
	b := make([]byte, 0, IdentityLength+8)
	b = append(b, c.Creator...)
	return append(b, c.GroupID[:]...), nil
}

func (c *GroupLeave) Validate() error {
	if !c.Creator.Valid() {
		return invalid("group creator %q", c.Creator)
	}
	return nil
}

func parseGroupLeave(body []byte) (Content, error) {
	if len(body) != IdentityLength+8 {
		return nil, malformed("group leave: %d bytes", len(body))
	}
	c := &GroupLeave{Creator: Identity(body[:IdentityLength])}
	copy(c.GroupID[:], body[IdentityLength:])
	return c, nil
}

// Call signaling

type (
	CallOffer struct {
		CallID  uint32
		SDPType string
		SDP     string
	}

	callOfferJSON struct {
		CallID uint32 `json:"callId"`
		Offer  struct {
			SDPType string `json:"sdpType"`
			SDP     string `json:"sdp"`
		} `json:"offer"`
	}

	CallHangup struct {
		CallID uint32
	}

	callHangupJSON struct {
		CallID uint32 `json:"callId"`
	}
)

func (c *CallOffer) Type() Type { return TypeCallOffer }

func (c *CallOffer) Body() ([]byte, error) {
	var j callOfferJSON
	j.CallID = c.CallID
	j.Offer.SDPType = c.SDPType
	j.Offer.SDP = c.SDP
	return json.Marshal(j)
}

func (c *CallOffer) Validate() error {
	if c.CallID == 0 {
		return invalid("call id zero")
	}
	if c.SDP == "" {
		return invalid("call offer without sdp")
	}
	if c.SDPType != "offer" {
		return invalid("call offer with sdp type %q", c.SDPType)
	}
	return nil
}

func (c *CallOffer) Preview() string { return "Incoming call" }

func parseCallOffer(body []byte) (Content, error) {
	var j callOfferJSON
	if err := json.Unmarshal(body, &j); err != nil {
		return nil, malformed("call offer: %v", err)
	}
	return &CallOffer{CallID: j.CallID, SDPType: j.Offer.SDPType, SDP: j.Offer.SDP}, nil
}

func (c *CallHangup) Type() Type { return TypeCallHangup }

func (c *CallHangup) Body() ([]byte, error) {
	return json.Marshal(callHangupJSON{CallID: c.CallID})
}

func (c *CallHangup) Validate() error {
	if c.CallID == 0 {
		return invalid("call id zero")
	}
	return nil
}

func parseCallHangup(body []byte) (Content, error) {
	var j callHangupJSON
	if err := json.Unmarshal(body, &j); err != nil {
		return nil, malformed("call hangup: %v", err)
	}
	return &CallHangup{CallID: j.CallID}, nil
}

// Delivery receipt

type DeliveryReceipt struct {
	Status     ReceiptStatus
	MessageIDs []MessageID
}

func (c *DeliveryReceipt) Type() Type { return TypeDeliveryReceipt }

func (c *DeliveryReceipt) Body() ([]byte, error) {
	b := make([]byte, 1, 1+MessageIDLength*len(c.MessageIDs))
	b[0] = byte(c.Status)
	for _, id := range c.MessageIDs {
		b = append(b, id[:]...)
	}
	return b, nil
}

func (c *DeliveryReceipt) Validate() error {
	if c.Status < ReceiptReceived || c.Status > ReceiptUserDecline {
		return invalid("receipt status 0x%02x", uint8(c.Status))
	}
	if len(c.MessageIDs) == 0 {
		return invalid("receipt without message ids")
	}
	return nil
}

func parseDeliveryReceipt(body []byte) (Content, error) {
	if len(body) < 1 || (len(body)-1)%MessageIDLength != 0 {
		return nil, malformed("delivery receipt: %d bytes", len(body))
	}
	c := &DeliveryReceipt{Status: ReceiptStatus(body[0])}
	for off := 1; off < len(body); off += MessageIDLength {
		var id MessageID
		copy(id[:], body[off:off+MessageIDLength])
		c.MessageIDs = append(c.MessageIDs, id)
	}
	return c, nil
}

// Typing indicator

type TypingIndicator struct {
	Typing bool
}

func (c *TypingIndicator) Type() Type { return TypeTypingIndicator }

func (c *TypingIndicator) Body() ([]byte, error) {
	if c.Typing {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func (c *TypingIndicator) Validate() error { return nil }

func parseTypingIndicator(body []byte) (Content, error) {
	if len(body) != 1 || body[0] > 1 {
		return nil, malformed("typing indicator: %x", body)
	}
	return &TypingIndicator{Typing: body[0] == 1}, nil
}

// Edit and delete carry protobuf bodies.

type (
	Edit struct {
		MessageID MessageID
		Text      string
	}

	Delete struct {
		MessageID MessageID
	}
)

func (c *Edit) Type() Type { return TypeEdit }

func (c *Edit) Body() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, binary.LittleEndian.Uint64(c.MessageID[:]))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendString(b, c.Text), nil
}

func (c *Edit) Validate() error {
	if c.MessageID.IsZero() {
		return invalid("edit without target message id")
	}
	return validateText(c.Text)
}

func parseEdit(body []byte) (Content, error) {
	c := &Edit{}
	err := walkFields(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			binary.LittleEndian.PutUint64(c.MessageID[:], v)
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			c.Text = v
			return n
		}
		return 0
	})
	if err != nil {
		return nil, malformed("edit: %v", err)
	}
	return c, nil
}

func (c *Delete) Type() Type { return TypeDelete }

func (c *Delete) Body() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, binary.LittleEndian.Uint64(c.MessageID[:])), nil
}

func (c *Delete) Validate() error {
	if c.MessageID.IsZero() {
		return invalid("delete without target message id")
	}
	return nil
}

func parseDelete(body []byte) (Content, error) {
	c := &Delete{}
	err := walkFields(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 && typ == protowire.Fixed64Type {
			v, n := protowire.ConsumeFixed64(b)
			binary.LittleEndian.PutUint64(c.MessageID[:], v)
			return n
		}
		return 0
	})
	if err != nil {
		return nil, malformed("delete: %v", err)
	}
	return c, nil
}

// walkFields iterates a protobuf message. visit returns the consumed length,
// or 0 to have the field skipped as unknown.
func walkFields(b []byte, visit func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n = visit(num, typ, b)
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}
