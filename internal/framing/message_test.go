package framing_test

import (
	"testing"

	"github.com/grpclite/grpclite/internal/framing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	encoded := framing.EncodeMessage(payload)

	dec := framing.NewMessageDecoder(0)
	dec.Feed(encoded)

	got, compressed, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, compressed)
	assert.Equal(t, payload, got)
	assert.False(t, dec.Pending())
}

func TestMessageSplitAcrossFeeds(t *testing.T) {
	payload := []byte("a longer payload that we will split across two Feed calls")
	encoded := framing.EncodeMessage(payload)

	dec := framing.NewMessageDecoder(0)
	dec.Feed(encoded[:3])
	_, _, ok, err := dec.Next()
	require.NoError(t, err)
	require.False(t, ok)

	dec.Feed(encoded[3:])
	got, _, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestMessageMultipleInOneFeed(t *testing.T) {
	m1 := framing.EncodeMessage([]byte("one"))
	m2 := framing.EncodeMessage([]byte("two"))

	dec := framing.NewMessageDecoder(0)
	dec.Feed(append(append([]byte{}, m1...), m2...))

	got1, _, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("one"), got1)

	got2, _, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("two"), got2)
}

func TestMessageExceedsMaxSize(t *testing.T) {
	encoded := framing.EncodeMessage(make([]byte, 100))
	dec := framing.NewMessageDecoder(10)
	dec.Feed(encoded)
	_, _, _, err := dec.Next()
	assert.Error(t, err)
}

func TestSplitFrames(t *testing.T) {
	encoded := framing.EncodeMessage(make([]byte, 10))
	chunks := framing.SplitFrames(encoded, 7)
	var total int
	for _, c := range chunks {
		total += len(c)
		assert.LessOrEqual(t, len(c), 7)
	}
	assert.Equal(t, len(encoded), total)
}
