package messaging

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the message body. They are part of the wire contract.
const (
	fieldKind      protowire.Number = 1
	fieldUserID    protowire.Number = 2
	fieldRealmID   protowire.Number = 3
	fieldChannelID protowire.Number = 4
	fieldSeq       protowire.Number = 5
	fieldText      protowire.Number = 6
	fieldPayload   protowire.Number = 7
)

// Marshal encodes m as protobuf wire-format fields.
func Marshal(m *Message) ([]byte, error) {
	return AppendMessage(nil, m)
}

// AppendMessage encodes m onto b.
func AppendMessage(b []byte, m *Message) ([]byte, error) {
	if m == nil || !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: invalid kind", ErrMalformed)
	}

	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	b = appendUint(b, fieldUserID, uint64(m.UserID))
	b = appendUint(b, fieldRealmID, uint64(m.RealmID))
	b = appendUint(b, fieldChannelID, uint64(m.ChannelID))
	b = appendUint(b, fieldSeq, m.Seq)
	if m.Text != "" {
		b = protowire.AppendTag(b, fieldText, protowire.BytesType)
		b = protowire.AppendString(b, m.Text)
	}
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b, nil
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Unmarshal decodes a message body. Unknown fields are skipped so that newer
// peers can add fields.
func Unmarshal(b []byte) (*Message, error) {
	m := &Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num >= fieldKind && num <= fieldSeq:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := m.setUint(num, v); err != nil {
				return nil, err
			}
		case typ == protowire.BytesType && (num == fieldText || num == fieldPayload):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldText {
				m.Text = string(v)
			} else {
				m.Payload = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: kind %d", ErrMalformed, uint8(m.Kind))
	}
	return m, nil
}

func (m *Message) setUint(num protowire.Number, v uint64) error {
	if num != fieldSeq && v > math.MaxUint32 {
		return fmt.Errorf("%w: field %d overflows", ErrMalformed, num)
	}
	switch num {
	case fieldKind:
		if v > math.MaxUint8 {
			return fmt.Errorf("%w: kind %d", ErrMalformed, v)
		}
		m.Kind = Kind(v)
	case fieldUserID:
		m.UserID = uint32(v)
	case fieldRealmID:
		m.RealmID = uint32(v)
	case fieldChannelID:
		m.ChannelID = uint32(v)
	case fieldSeq:
		m.Seq = v
	}
	return nil
}
