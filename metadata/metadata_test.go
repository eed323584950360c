package metadata_test

import (
	"testing"

	"github.com/grpclite/grpclite/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndGet(t *testing.T) {
	md := metadata.New("X-Custom", "a", "x-custom", "b")
	assert.Equal(t, []string{"a", "b"}, md.Get("X-CUSTOM"))
}

func TestAppendPreservesOrderAndDuplicates(t *testing.T) {
	var md metadata.MD
	md = md.Append("trace-id", "1")
	md = md.Append("trace-id", "2")
	require.Len(t, md, 2)
	assert.Equal(t, []string{"1", "2"}, md.Get("trace-id"))
}

func TestMergePreservesOrder(t *testing.T) {
	a := metadata.New("k1", "v1")
	b := metadata.New("k2", "v2")
	merged := a.Merge(b)
	require.Len(t, merged, 2)
	assert.Equal(t, "k1", merged[0].Name)
	assert.Equal(t, "k2", merged[1].Name)
}

func TestIsBinary(t *testing.T) {
	assert.True(t, metadata.IsBinary("trace-Bin"))
	assert.False(t, metadata.IsBinary("trace-id"))
}

func TestBinValueRoundTrip(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xff, 0x10}
	encoded := metadata.EncodeBinValue(raw)
	decoded, err := metadata.DecodeBinValue(encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestCopyIsIndependent(t *testing.T) {
	md := metadata.New("a", "1")
	cp := md.Copy()
	cp[0].Value = "mutated"
	assert.Equal(t, "1", md[0].Value)
}
