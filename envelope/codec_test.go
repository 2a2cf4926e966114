package envelope

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func codecs(t *testing.T) map[string]Codec {
	t.Helper()
	c, err := CBOR()
	require.NoError(t, err)
	return map[string]Codec{
		CodecCBOR:    c,
		CodecMsgPack: MsgPack(),
	}
}

func TestFrameUnframe(t *testing.T) {
	for name, c := range codecs(t) {
		t.Run(name, func(t *testing.T) {
			env := Build(sampleRequest())
			env.Parts[IndexImage].Type = PartType{1, 2, 3, 4}

			data, err := Frame(c, env)
			require.NoError(t, err)

			got, err := Unframe(c, data)
			require.NoError(t, err)
			if diff := cmp.Diff(env, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnframe_RejectsForeignPayload(t *testing.T) {
	for name, c := range codecs(t) {
		t.Run(name, func(t *testing.T) {
			_, err := Unframe(c, []byte("accepted"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrFrame))

			env := UnframeOrRaw(c, []byte("accepted"))
			text, ok := FirstText(env)
			assert.True(t, ok)
			assert.Equal(t, "accepted", text)
		})
	}
}

func TestUnframe_BadVersion(t *testing.T) {
	c := MsgPack()
	data, err := c.Marshal(wireEnvelope{Version: 7})
	require.NoError(t, err)

	_, err = Unframe(c, data)
	assert.ErrorIs(t, err, ErrFrame)
}

func TestLookup(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		wantErr     bool
	}{
		{"", "application/cbor", false},
		{"cbor", "application/cbor", false},
		{"MSGPACK", "application/msgpack", false},
		{"application/x-msgpack", "application/msgpack", false},
		{"json", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Lookup(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.contentType, c.ContentType())
		})
	}
}
