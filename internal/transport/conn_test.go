package transport_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2/hpack"

	"github.com/grpclite/grpclite/internal/transport"
)

func newConnPair(t *testing.T) (client, server *transport.Conn) {
	t.Helper()
	clientNC, serverNC := net.Pipe()
	logger := zaptest.NewLogger(t)

	client = transport.NewConn(clientNC, transport.RoleClient, logger, transport.DefaultSettings())
	server = transport.NewConn(serverNC, transport.RoleServer, logger, transport.DefaultSettings())

	// net.Pipe is synchronous, so each side's handshake write completes
	// only while the other side's read loop runs: start both ends
	// concurrently, with a context that outlives this helper.
	var wg sync.WaitGroup
	var serverErr, clientErr error
	wg.Add(2)
	go func() { defer wg.Done(); serverErr = server.Start(context.Background()) }()
	go func() { defer wg.Done(); clientErr = client.Start(context.Background()) }()
	wg.Wait()
	require.NoError(t, serverErr)
	require.NoError(t, clientErr)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestConnOpenStreamDeliversRequestHeadersToServer(t *testing.T) {
	client, server := newConnPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	fields := []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":path", Value: "/echo.Echo/Say"},
		{Name: "content-type", Value: "application/grpc+proto"},
	}
	_, err := client.OpenStream(ctx, fields)
	require.NoError(t, err)

	ts, err := server.AcceptStream(ctx)
	require.NoError(t, err)

	ev, err := ts.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, transport.EventHeaders, ev.Kind)
	require.Len(t, ev.Headers, len(fields))
	for i, f := range fields {
		require.Equal(t, f.Name, ev.Headers[i].Name)
		require.Equal(t, f.Value, ev.Headers[i].Value)
	}
}

func TestConnDataRoundTripRespectsEndStream(t *testing.T) {
	client, server := newConnPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cs, err := client.OpenStream(ctx, []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":path", Value: "/echo.Echo/Say"},
	})
	require.NoError(t, err)

	ss, err := server.AcceptStream(ctx)
	require.NoError(t, err)
	_, err = ss.Recv(ctx) // request headers
	require.NoError(t, err)

	payload := []byte("hello")
	require.NoError(t, cs.WriteData(ctx, payload, true))

	ev, err := ss.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, transport.EventData, ev.Kind)
	require.Equal(t, payload, ev.Data)
	require.True(t, ev.EndStream)
}

func TestConnCloseUnblocksPendingRecv(t *testing.T) {
	client, server := newConnPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cs, err := client.OpenStream(ctx, []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":path", Value: "/echo.Echo/Say"},
	})
	require.NoError(t, err)

	_, err = server.AcceptStream(ctx)
	require.NoError(t, err)

	require.NoError(t, server.Close())

	ev, err := cs.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, transport.EventClosed, ev.Kind)
}
