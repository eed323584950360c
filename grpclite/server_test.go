package grpclite_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/grpclite/grpclite/config"
	"github.com/grpclite/grpclite/encoding"
	"github.com/grpclite/grpclite/grpclite"
	"github.com/grpclite/grpclite/internal/testutil"
	"github.com/grpclite/grpclite/status"
	"github.com/grpclite/grpclite/stream"
)

func echoSayHandler(ctx context.Context, _ interface{}, call *stream.Call) error {
	var req encoding.RawMessage
	if err := call.RecvMessage(ctx, &req); err != nil {
		return err
	}
	return call.SendMessage(ctx, &encoding.RawMessage{Data: req.Data})
}

func echoStreamHandler(ctx context.Context, _ interface{}, call *stream.Call) error {
	var req encoding.RawMessage
	if err := call.RecvMessage(ctx, &req); err != nil {
		return err
	}
	n := int(req.Data[0])
	for i := 0; i < n; i++ {
		if err := call.SendMessage(ctx, &encoding.RawMessage{Data: []byte{byte(i)}}); err != nil {
			return err
		}
	}
	return nil
}

func echoSumHandler(ctx context.Context, _ interface{}, call *stream.Call) error {
	var total byte
	for {
		var req encoding.RawMessage
		err := call.RecvMessage(ctx, &req)
		if errors.Is(err, stream.ErrEndOfStream) {
			break
		}
		if err != nil {
			return err
		}
		total += req.Data[0]
	}
	return call.SendMessage(ctx, &encoding.RawMessage{Data: []byte{total}})
}

func echoHangHandler(ctx context.Context, _ interface{}, call *stream.Call) error {
	var req encoding.RawMessage
	_ = call.RecvMessage(ctx, &req)
	<-ctx.Done()
	return ctx.Err()
}

func newEchoServiceDesc() *grpclite.ServiceDesc {
	return &grpclite.ServiceDesc{
		ServiceName: "echo.Echo",
		Methods: []grpclite.MethodHandler{
			{Name: "Say", Handler: echoSayHandler},
			{Name: "Stream", Handler: echoStreamHandler},
			{Name: "Sum", Handler: echoSumHandler},
			{Name: "Hang", Handler: echoHangHandler},
		},
	}
}

func startEchoServer(t *testing.T) *testutil.PipeListener {
	t.Helper()
	logger := zaptest.NewLogger(t)
	srv := grpclite.NewServer(logger, config.ServerConfig{}, grpclite.WithServerCodec(encoding.RawCodec{}))
	srv.RegisterService(newEchoServiceDesc(), nil)

	lis := testutil.NewPipeListener()
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { _ = srv.GracefulStop() })
	return lis
}

func dialEcho(t *testing.T, lis *testutil.PipeListener) *grpclite.ClientConn {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cc, err := grpclite.DialContext(context.Background(), logger, "pipe", config.DialConfig{}, lis.Dial, grpclite.WithClientCodec(encoding.RawCodec{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cc
}

func TestInvokeUnaryEcho(t *testing.T) {
	lis := startEchoServer(t)
	cc := dialEcho(t, lis)

	var resp encoding.RawMessage
	err := cc.Invoke(context.Background(), "/echo.Echo/Say", &encoding.RawMessage{Data: []byte("hi")}, &resp, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(resp.Data))
}

func TestServerStreamEcho(t *testing.T) {
	lis := startEchoServer(t)
	cc := dialEcho(t, lis)

	ss, err := cc.NewServerStream(context.Background(), "/echo.Echo/Stream", nil)
	require.NoError(t, err)
	require.NoError(t, ss.Send(context.Background(), &encoding.RawMessage{Data: []byte{3}}))

	var got []byte
	for {
		var resp encoding.RawMessage
		err := ss.Recv(context.Background(), &resp)
		if err == stream.ErrEndOfStream {
			break
		}
		require.NoError(t, err)
		got = append(got, resp.Data...)
	}
	assert.Equal(t, []byte{0, 1, 2}, got)
}

func TestClientStreamSum(t *testing.T) {
	lis := startEchoServer(t)
	cc := dialEcho(t, lis)

	cs, err := cc.NewClientStream(context.Background(), "/echo.Echo/Sum", nil)
	require.NoError(t, err)
	for _, v := range []byte{1, 2, 3} {
		require.NoError(t, cs.Send(context.Background(), &encoding.RawMessage{Data: []byte{v}}))
	}
	var resp encoding.RawMessage
	require.NoError(t, cs.CloseAndRecv(context.Background(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, byte(6), resp.Data[0])
}

func TestInvokeUnknownMethod(t *testing.T) {
	lis := startEchoServer(t)
	cc := dialEcho(t, lis)

	var resp encoding.RawMessage
	err := cc.Invoke(context.Background(), "/echo.Echo/Nope", &encoding.RawMessage{Data: []byte("x")}, &resp, nil)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, status.Unimplemented, st.Code())
}

// singleConnListener hands out exactly one pre-built net.Conn, so a test
// can keep the other end to sever it mid-call and observe UNAVAILABLE,
// the same scenario purerpc's test_socket_dropped.py exercises against a
// raw socket.
type singleConnListener struct {
	conn   net.Conn
	used   bool
	closed chan struct{}
}

func newSingleConnListener(c net.Conn) *singleConnListener {
	return &singleConnListener{conn: c, closed: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if !l.used {
		l.used = true
		return l.conn, nil
	}
	<-l.closed
	return nil, errors.New("singleConnListener: closed")
}

func (l *singleConnListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return pipeTestAddr{} }

type pipeTestAddr struct{}

func (pipeTestAddr) Network() string { return "pipe" }
func (pipeTestAddr) String() string  { return "pipe" }

func TestServerConnDropMidStreamSurfacesUnavailable(t *testing.T) {
	logger := zaptest.NewLogger(t)
	clientNC, serverNC := net.Pipe()

	srv := grpclite.NewServer(logger, config.ServerConfig{}, grpclite.WithServerCodec(encoding.RawCodec{}))
	srv.RegisterService(newEchoServiceDesc(), nil)
	lis := newSingleConnListener(serverNC)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { _ = srv.GracefulStop() })

	dialer := func(context.Context, string) (net.Conn, error) { return clientNC, nil }
	cc, err := grpclite.DialContext(context.Background(), logger, "pipe", config.DialConfig{}, dialer, grpclite.WithClientCodec(encoding.RawCodec{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	call, err := cc.NewStream(context.Background(), grpclite.MethodDesc{FullMethod: "/echo.Echo/Hang", Cardinality: stream.UnaryUnary}, nil)
	require.NoError(t, err)
	require.NoError(t, call.SendMessage(context.Background(), &encoding.RawMessage{Data: []byte("x")}))

	// Sever the connection out from under the in-flight call, simulating
	// the server process dying mid-RPC.
	require.NoError(t, serverNC.Close())

	var resp encoding.RawMessage
	err = call.RecvMessage(context.Background(), &resp)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, status.Unavailable, st.Code())
}

func TestInvokeDeadlineExceeded(t *testing.T) {
	lis := startEchoServer(t)
	cc := dialEcho(t, lis)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	var resp encoding.RawMessage
	err := cc.Invoke(ctx, "/echo.Echo/Hang", &encoding.RawMessage{Data: []byte("x")}, &resp, nil)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, status.DeadlineExceeded, st.Code())
}
