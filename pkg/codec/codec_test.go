package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type group struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions,omitempty"`
}

func TestEncodeIsDeterministic(t *testing.T) {
	typ := For[group]("test.Group")
	g := group{Name: "vip", Permissions: []string{"a", "b"}}

	first, err := typ.Encode(g)
	require.NoError(t, err)
	second, err := typ.Encode(g)
	require.NoError(t, err)
	require.True(t, bytes.Equal(first, second), "same value produced different bytes")

	got, err := typ.Decode(first)
	require.NoError(t, err)
	require.Equal(t, g, got)
}

func TestDecodeAllEmptyCollection(t *testing.T) {
	typ := For[group]("test.Group")
	payload, err := typ.EncodeAll(nil)
	require.NoError(t, err)

	got, err := typ.DecodeAll(payload)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestDecodeRejectsForeignDescriptor(t *testing.T) {
	payload, err := For[group]("test.Group").Encode(group{Name: "vip"})
	require.NoError(t, err)

	_, err = For[group]("test.User").Decode(payload)
	require.ErrorIs(t, err, ErrDecode)
	require.Contains(t, err.Error(), "unknown type descriptor")
}

func TestDecodeRejectsShapeMismatch(t *testing.T) {
	typ := For[group]("test.Group")
	single, err := typ.Encode(group{Name: "vip"})
	require.NoError(t, err)
	_, err = typ.DecodeAll(single)
	require.ErrorIs(t, err, ErrDecode)

	many, err := typ.EncodeAll([]group{{Name: "vip"}})
	require.NoError(t, err)
	_, err = typ.Decode(many)
	require.ErrorIs(t, err, ErrDecode)
}

func TestDecodeMalformedPayload(t *testing.T) {
	typ := For[group]("test.Group")
	for name, payload := range map[string][]byte{
		"empty":     nil,
		"garbage":   []byte{0xff, 0x00, 0x13},
		"truncated": []byte{0xa3, 0x64, 0x74},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := typ.Decode(payload)
			require.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestUnmarshalWrapsDecodeError(t *testing.T) {
	var v map[string]any
	require.ErrorIs(t, Unmarshal([]byte{0xff}, &v), ErrDecode)
}
