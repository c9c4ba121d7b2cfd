package codec

import (
	"encoding/binary"
	"time"

	"e2e_core/internal/model"

	"google.golang.org/protobuf/encoding/protowire"
)

const minNicknamePadding = 16

// Metadata travels encrypted next to the body.
type Metadata struct {
	Nickname  string
	MessageID model.MessageID
	CreatedAt time.Time
}

const (
	fieldPadding   protowire.Number = 1
	fieldNickname  protowire.Number = 2
	fieldMessageID protowire.Number = 3
	fieldCreatedAt protowire.Number = 4
)

func marshalMetadata(m Metadata) []byte {
	var b []byte
	if pad := minNicknamePadding - len(m.Nickname); pad > 0 {
		b = protowire.AppendTag(b, fieldPadding, protowire.BytesType)
		b = protowire.AppendBytes(b, make([]byte, pad))
	}
	if m.Nickname != "" {
		b = protowire.AppendTag(b, fieldNickname, protowire.BytesType)
		b = protowire.AppendString(b, m.Nickname)
	}
	b = protowire.AppendTag(b, fieldMessageID, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, binary.LittleEndian.Uint64(m.MessageID[:]))
	b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(m.CreatedAt.UnixMilli()))
}

func unmarshalMetadata(b []byte) (Metadata, error) {
	var m Metadata
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldNickname && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(b)
			m.Nickname = v
		case num == fieldMessageID && typ == protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(b)
			binary.LittleEndian.PutUint64(m.MessageID[:], v)
		case num == fieldCreatedAt && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.CreatedAt = time.UnixMilli(int64(v)).UTC()
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return m, nil
}
