package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestMarshalRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"text", NewText(7, 1, 2, "hello, realm")},
		{"audio", NewAudio(9, 1<<40, []byte{1, 0, 2, 0})},
		{"bare kind", &Message{Kind: KindKeepAlive}},
		{"user left", &Message{Kind: KindUserLeft, UserID: 4294967295, RealmID: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := Marshal(tt.msg)
			require.NoError(t, err)

			got, err := Unmarshal(body)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	body, err := Marshal(NewText(1, 2, 3, "hi"))
	require.NoError(t, err)

	body = protowire.AppendTag(body, 99, protowire.BytesType)
	body = protowire.AppendBytes(body, []byte("from the future"))
	body = protowire.AppendTag(body, 100, protowire.Fixed64Type)
	body = protowire.AppendFixed64(body, 42)

	got, err := Unmarshal(body)
	require.NoError(t, err)
	assert.Equal(t, NewText(1, 2, 3, "hi"), got)
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	kind := func(k uint64) []byte {
		b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
		return protowire.AppendVarint(b, k)
	}
	truncated, _ := Marshal(NewText(1, 1, 1, "truncated"))

	tests := []struct {
		name string
		body []byte
	}{
		{"empty", nil},
		{"zero kind", kind(0)},
		{"unknown kind", kind(200)},
		{"kind overflow", kind(1 << 20)},
		{"truncated", truncated[:len(truncated)-3]},
		{"bad tag", []byte{0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.body)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestMarshalRejectsInvalidKind(t *testing.T) {
	_, err := Marshal(&Message{})
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Marshal(nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEnvelopeBroadcast(t *testing.T) {
	assert.True(t, Envelope{}.Broadcast())
	assert.False(t, Envelope{Conn: 5}.Broadcast())
	assert.Equal(t, "user_left", KindUserLeft.String())
	assert.Equal(t, "Kind(99)", Kind(99).String())
}
