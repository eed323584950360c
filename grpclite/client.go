package grpclite

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/grpclite/grpclite/config"
	"github.com/grpclite/grpclite/encoding"
	"github.com/grpclite/grpclite/internal/framing"
	"github.com/grpclite/grpclite/internal/transport"
	"github.com/grpclite/grpclite/metadata"
	"github.com/grpclite/grpclite/stream"
)

// MethodDesc identifies one RPC's cardinality at a client call site: the
// caller-supplied stand-in for what a generated service descriptor would
// carry, since the protoc plugin itself is out of scope here.
type MethodDesc struct {
	FullMethod  string
	Cardinality stream.Cardinality
}

// ClientConn is one dialed connection to a grpclite (or any conformant
// gRPC) server, exposing Invoke for unary-unary calls and NewStream for
// the other three cardinalities.
type ClientConn struct {
	logger *zap.Logger
	conn   *transport.Conn
	cfg    config.DialConfig
	codec  encoding.Codec
}

// DialOption configures optional ClientConn behavior beyond config.DialConfig.
type DialOption func(*ClientConn)

// WithClientCodec overrides the default application/grpc+proto codec,
// e.g. with encoding.RawCodec{} for a client that only forwards bytes.
func WithClientCodec(c encoding.Codec) DialOption {
	return func(cc *ClientConn) { cc.codec = c }
}

// Dial connects to target over plain TCP; TLS setup is an out-of-scope
// collaborator a caller layers in by supplying its own dialer via
// DialContext instead.
func Dial(logger *zap.Logger, target string, cfg config.DialConfig, opts ...DialOption) (*ClientConn, error) {
	return DialContext(context.Background(), logger, target, cfg, nil, opts...)
}

// DialContext connects to target using dialer (a net.Dialer.DialContext
// by default, or a bufconn-style in-memory dialer for tests), mirroring
// the custom-dialer constructor keploy's client exposes for testing.
func DialContext(ctx context.Context, logger *zap.Logger, target string, cfg config.DialConfig, dialer func(context.Context, string) (net.Conn, error), opts ...DialOption) (*ClientConn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := config.DefaultDialConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxReceiveMessageSize == 0 {
		cfg.MaxReceiveMessageSize = def.MaxReceiveMessageSize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Authority == "" {
		cfg.Authority = target
	}

	logger.Info("grpclite: dialing", zap.String("target", target))

	dctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if dialer == nil {
		var d net.Dialer
		dialer = d.DialContext
	}
	nc, err := dialer(dctx, target)
	if err != nil {
		logger.Error("grpclite: dial failed", zap.String("target", target), zap.Error(err))
		return nil, fmt.Errorf("grpclite: dial %s: %w", target, err)
	}

	conn := transport.NewConn(nc, transport.RoleClient, logger, transport.DefaultSettings())
	if err := conn.Start(ctx); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("grpclite: starting connection to %s: %w", target, err)
	}

	cc := &ClientConn{logger: logger, conn: conn, cfg: cfg, codec: encoding.ProtoCodec{}}
	for _, opt := range opts {
		opt(cc)
	}
	return cc, nil
}

// Close closes the underlying connection.
func (cc *ClientConn) Close() error {
	cc.logger.Info("grpclite: closing client connection")
	return cc.conn.Close()
}

// NewStream opens a new Call for desc.FullMethod, sending ctx's deadline
// (if any) as grpc-timeout and md as request metadata.
func (cc *ClientConn) NewStream(ctx context.Context, desc MethodDesc, md metadata.MD) (*stream.Call, error) {
	rh := framing.RequestHeaders{
		Scheme:      "http",
		Path:        desc.FullMethod,
		Authority:   cc.cfg.Authority,
		ContentType: framing.ContentType,
		UserAgent:   cc.cfg.UserAgent,
		Custom:      md,
	}
	if dl, ok := ctx.Deadline(); ok {
		d := time.Until(dl)
		rh.Timeout = &d
	}

	ts, err := cc.conn.OpenStream(ctx, framing.BuildRequestHeaders(rh))
	if err != nil {
		return nil, err
	}
	return stream.NewCall(stream.ClientSide, ts, cc.codec, cc.cfg.MaxReceiveMessageSize), nil
}

// Invoke performs one unary-unary RPC: open the stream, send req, and
// decode the single response into resp.
func (cc *ClientConn) Invoke(ctx context.Context, method string, req, resp interface{}, md metadata.MD) error {
	call, err := cc.NewStream(ctx, MethodDesc{FullMethod: method, Cardinality: stream.UnaryUnary}, md)
	if err != nil {
		return err
	}
	return stream.NewUnaryCall(call).Invoke(ctx, req, resp)
}

// NewServerStream opens a unary-request, streaming-response call.
func (cc *ClientConn) NewServerStream(ctx context.Context, method string, md metadata.MD) (*stream.ServerStreamCall, error) {
	call, err := cc.NewStream(ctx, MethodDesc{FullMethod: method, Cardinality: stream.UnaryStream}, md)
	if err != nil {
		return nil, err
	}
	return stream.NewServerStreamCall(call), nil
}

// NewClientStream opens a streaming-request, unary-response call.
func (cc *ClientConn) NewClientStream(ctx context.Context, method string, md metadata.MD) (*stream.ClientStreamCall, error) {
	call, err := cc.NewStream(ctx, MethodDesc{FullMethod: method, Cardinality: stream.StreamUnary}, md)
	if err != nil {
		return nil, err
	}
	return stream.NewClientStreamCall(call), nil
}

// NewBidiStream opens a fully bidirectional streaming call.
func (cc *ClientConn) NewBidiStream(ctx context.Context, method string, md metadata.MD) (*stream.BidiStreamCall, error) {
	call, err := cc.NewStream(ctx, MethodDesc{FullMethod: method, Cardinality: stream.StreamStream}, md)
	if err != nil {
		return nil, err
	}
	return stream.NewBidiStreamCall(call), nil
}
