package framing_test

import (
	"testing"
	"time"

	"github.com/grpclite/grpclite/internal/framing"
	"github.com/grpclite/grpclite/metadata"
	"github.com/grpclite/grpclite/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestHeadersRoundTrip(t *testing.T) {
	timeout := 50 * time.Millisecond
	want := framing.RequestHeaders{
		Scheme:      "http",
		Path:        "/echo.Echo/Say",
		Authority:   "localhost:50051",
		ContentType: framing.ContentType,
		UserAgent:   "grpclite/0.1",
		Timeout:     &timeout,
		Custom:      metadata.New("x-custom", "v1"),
	}
	fields := framing.BuildRequestHeaders(want)

	// fixed pseudo-header order
	require.GreaterOrEqual(t, len(fields), 4)
	assert.Equal(t, ":method", fields[0].Name)
	assert.Equal(t, ":scheme", fields[1].Name)
	assert.Equal(t, ":path", fields[2].Name)
	assert.Equal(t, ":authority", fields[3].Name)

	got, err := framing.ParseRequestHeaders(fields)
	require.NoError(t, err)
	assert.Equal(t, want.Scheme, got.Scheme)
	assert.Equal(t, want.Path, got.Path)
	assert.Equal(t, want.Authority, got.Authority)
	assert.Equal(t, want.ContentType, got.ContentType)
	assert.Equal(t, want.UserAgent, got.UserAgent)
	require.NotNil(t, got.Timeout)
	assert.Equal(t, timeout, *got.Timeout)
	assert.Equal(t, []string{"v1"}, got.Custom.Get("x-custom"))
}

func TestParseRequestHeadersMissingPath(t *testing.T) {
	_, err := framing.ParseRequestHeaders(nil)
	assert.Error(t, err)
}

func TestTrailersRoundTrip(t *testing.T) {
	trailer := framing.Trailers{
		Code:    status.DeadlineExceeded,
		Message: "deadline exceeded",
		Custom:  metadata.New("trace-id", "abc"),
	}
	fields := framing.BuildTrailers(trailer, false)
	got := framing.ParseTrailers(fields)

	assert.True(t, got.HadStatus)
	assert.Equal(t, status.DeadlineExceeded, got.Code)
	assert.Equal(t, "deadline exceeded", got.Message)
	assert.Equal(t, []string{"abc"}, got.Custom.Get("trace-id"))
}

func TestTrailersOnlyIncludesResponseHeaders(t *testing.T) {
	fields := framing.BuildTrailers(framing.Trailers{Code: status.Unimplemented}, true)
	names := make(map[string]bool)
	for _, f := range fields {
		names[f.Name] = true
	}
	assert.True(t, names[":status"])
	assert.True(t, names["content-type"])
	assert.True(t, names["grpc-status"])
}

func TestMissingGRPCStatusIsUnknown(t *testing.T) {
	got := framing.ParseTrailers(nil)
	assert.False(t, got.HadStatus)
	assert.Equal(t, status.Unknown, got.Code)
}

func TestPercentEncodedMessage(t *testing.T) {
	trailer := framing.Trailers{Code: status.Internal, Message: "bad byte: \x01%"}
	fields := framing.BuildTrailers(trailer, false)
	got := framing.ParseTrailers(fields)
	assert.Equal(t, trailer.Message, got.Message)
}
