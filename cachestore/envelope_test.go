package cachestore

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func newTestCodec(t *testing.T) *codec {
	t.Helper()
	c, err := newCodec()
	require.NoError(t, err)
	t.Cleanup(c.close)
	return c
}

func TestCodec_SmallPayloadStaysIdentity(t *testing.T) {
	c := newTestCodec(t)
	at := time.UnixMilli(1_700_000_000_123)

	env, err := c.seal([]byte(`{"id":"R1"}`), at)
	require.NoError(t, err)
	require.Equal(t, EncodingIdentity, env.Encoding)
	require.Equal(t, at.UnixMilli(), env.StoredAt)

	decoded, err := unmarshalEnvelope(marshalEnvelope(env))
	require.NoError(t, err)
	require.Equal(t, env.Digest, decoded.Digest)

	data, err := c.open(decoded)
	require.NoError(t, err)
	require.Equal(t, `{"id":"R1"}`, string(data))
	require.True(t, decoded.storedAt().Equal(at))
}

func TestCodec_LargePayloadCompresses(t *testing.T) {
	c := newTestCodec(t)
	payload := bytes.Repeat([]byte(`{"name":"Paracetamol"},`), 500)

	env, err := c.seal(payload, time.Now())
	require.NoError(t, err)
	require.Equal(t, EncodingZstd, env.Encoding)
	require.Less(t, len(env.Payload), len(payload))
	require.Equal(t, uint64(len(payload)), env.Size)

	decoded, err := unmarshalEnvelope(marshalEnvelope(env))
	require.NoError(t, err)
	data, err := c.open(decoded)
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestCodec_TooLarge(t *testing.T) {
	c := newTestCodec(t)
	_, err := c.seal(make([]byte, MaxPayloadSize+1), time.Now())
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestCodec_DigestMismatch(t *testing.T) {
	c := newTestCodec(t)
	env, err := c.seal([]byte("original"), time.Now())
	require.NoError(t, err)

	env.Payload = []byte("tampered")
	_, err = c.open(env)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestCodec_UnknownEncoding(t *testing.T) {
	c := newTestCodec(t)
	env, err := c.seal([]byte("data"), time.Now())
	require.NoError(t, err)

	env.Encoding = Encoding(9)
	_, err = c.open(env)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestUnmarshalEnvelope_Invalid(t *testing.T) {
	c := newTestCodec(t)
	env, err := c.seal([]byte("data"), time.Now())
	require.NoError(t, err)
	valid := marshalEnvelope(env)

	wrongVersion := *env
	wrongVersion.Version = 2

	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"garbage", []byte{0xff, 0xff, 0xff}},
		{"truncated", valid[:len(valid)-2]},
		{"wrong version", marshalEnvelope(&wrongVersion)},
		{"missing digest", protowire.AppendVarint(protowire.AppendTag(nil, fieldVersion, protowire.VarintType), 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := unmarshalEnvelope(tt.raw)
			require.ErrorIs(t, err, ErrCorrupted)
		})
	}
}

func TestUnmarshalEnvelope_SkipsUnknownFields(t *testing.T) {
	c := newTestCodec(t)
	env, err := c.seal([]byte("data"), time.Now())
	require.NoError(t, err)

	raw := marshalEnvelope(env)
	raw = protowire.AppendTag(raw, 42, protowire.BytesType)
	raw = protowire.AppendBytes(raw, []byte("future"))
	raw = protowire.AppendTag(raw, 43, protowire.Fixed64Type)
	raw = protowire.AppendFixed64(raw, 7)

	decoded, err := unmarshalEnvelope(raw)
	require.NoError(t, err)
	data, err := c.open(decoded)
	require.NoError(t, err)
	require.Equal(t, "data", string(data))
}

func TestEncodingString(t *testing.T) {
	require.Equal(t, "identity", EncodingIdentity.String())
	require.Equal(t, "zstd", EncodingZstd.String())
	require.Equal(t, "encoding(7)", Encoding(7).String())
}
