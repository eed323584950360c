package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

func TestHeaderCodecEncodeDecodeRoundTrip(t *testing.T) {
	enc := newHeaderCodec(4096)
	dec := newHeaderCodec(4096)

	fields := []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":path", Value: "/echo.Echo/Say"},
		{Name: "content-type", Value: "application/grpc+proto"},
		{Name: "grpc-timeout", Value: "50m"},
	}

	block, err := enc.encode(fields)
	require.NoError(t, err)
	require.NotEmpty(t, block)

	got, err := dec.decode(block)
	require.NoError(t, err)
	require.Len(t, got, len(fields))
	for i, f := range fields {
		assert.Equal(t, f.Name, got[i].Name)
		assert.Equal(t, f.Value, got[i].Value)
	}
}

func TestHeaderCodecDynamicTableAcrossCalls(t *testing.T) {
	enc := newHeaderCodec(4096)
	dec := newHeaderCodec(4096)

	first := []hpack.HeaderField{{Name: "x-custom", Value: "v1"}}
	block1, err := enc.encode(first)
	require.NoError(t, err)
	got1, err := dec.decode(block1)
	require.NoError(t, err)
	assert.Equal(t, "v1", got1[0].Value)

	// A second header block referencing the same field exercises the
	// shared dynamic table rather than starting from a blank encoder.
	second := []hpack.HeaderField{{Name: "x-custom", Value: "v1"}}
	block2, err := enc.encode(second)
	require.NoError(t, err)
	got2, err := dec.decode(block2)
	require.NoError(t, err)
	assert.Equal(t, "v1", got2[0].Value)
}

func TestHeaderCodecDecodeMalformedBlock(t *testing.T) {
	dec := newHeaderCodec(4096)
	_, err := dec.decode([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
