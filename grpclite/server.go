// Package grpclite is the server and client surface built on top of
// stream.Call: a service registry and connection-accept loop on the
// server side, a dial and invoke surface on the client side.
package grpclite

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/grpclite/grpclite/config"
	"github.com/grpclite/grpclite/encoding"
	"github.com/grpclite/grpclite/internal/framing"
	"github.com/grpclite/grpclite/internal/grpcutil"
	"github.com/grpclite/grpclite/internal/transport"
	"github.com/grpclite/grpclite/status"
	"github.com/grpclite/grpclite/stream"
)

// HandlerFunc is the per-method server implementation: it drives call
// (via the stream package's cardinality wrappers, or directly) to
// completion and returns the status its caller should report. A nil
// error closes the call OK; any other error is converted with
// status.FromError and closes the call with that status.
type HandlerFunc func(ctx context.Context, srv interface{}, call *stream.Call) error

// MethodHandler binds one method name to its HandlerFunc.
type MethodHandler struct {
	Name    string
	Handler HandlerFunc
}

// ServiceDesc describes one service for registration: its name and the
// handler for each of its methods, the shape a generated service
// registration function builds by hand in place of protoc-gen-go-grpc.
type ServiceDesc struct {
	ServiceName string
	Methods     []MethodHandler
}

// ServiceRegistrar is implemented by Server; generated RegisterXServer
// functions take this interface so they can register against a real
// Server or a test double alike.
type ServiceRegistrar interface {
	RegisterService(desc *ServiceDesc, impl interface{})
}

type serviceInfo struct {
	impl    interface{}
	methods map[string]HandlerFunc
}

// Server accepts connections, reads the request HEADERS for each new
// stream, looks up the target method in its registry, and dispatches to
// the registered handler, mirroring the net.Listen/grpc.NewServer/Serve
// shape of a conventional gRPC server without delegating the protocol
// itself to one.
type Server struct {
	logger *zap.Logger
	cfg    config.ServerConfig
	codec  encoding.Codec

	mu       sync.Mutex
	services map[string]*serviceInfo
	conns    map[*transport.Conn]struct{}
	closed   bool
}

// ServerOption configures optional Server behavior beyond config.ServerConfig.
type ServerOption func(*Server)

// WithServerCodec overrides the default application/grpc+proto codec,
// e.g. with encoding.RawCodec{} for a server that forwards opaque bytes.
func WithServerCodec(c encoding.Codec) ServerOption {
	return func(s *Server) { s.codec = c }
}

// NewServer builds a Server with cfg; a zero config.ServerConfig{} yields
// a server with no address and default limits.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, opts ...ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = config.DefaultServerConfig().MaxConcurrentStreams
	}
	if cfg.InitialWindowSize == 0 {
		cfg.InitialWindowSize = config.DefaultServerConfig().InitialWindowSize
	}
	if cfg.MaxReceiveMessageSize == 0 {
		cfg.MaxReceiveMessageSize = config.DefaultServerConfig().MaxReceiveMessageSize
	}
	s := &Server{
		logger:   logger,
		cfg:      cfg,
		codec:    encoding.ProtoCodec{},
		services: make(map[string]*serviceInfo),
		conns:    make(map[*transport.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterService implements ServiceRegistrar.
func (s *Server) RegisterService(desc *ServiceDesc, impl interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	si := &serviceInfo{impl: impl, methods: make(map[string]HandlerFunc, len(desc.Methods))}
	for _, m := range desc.Methods {
		si.methods[m.Name] = m.Handler
	}
	s.services[desc.ServiceName] = si
}

// Start listens on cfg.Address and serves until Serve returns, the
// entry point a long-running process calls.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		s.logger.Error("grpclite: failed to listen", zap.String("address", s.cfg.Address), zap.Error(err))
		return err
	}
	s.logger.Info("grpclite: listening", zap.String("address", s.cfg.Address))
	return s.Serve(lis)
}

// Serve accepts connections from lis until lis.Accept returns an error,
// the variant a test drives with an in-process listener. That error is
// returned, or nil once the Server has been stopped. GracefulStop does not
// close lis, so Serve keeps waiting in Accept until lis itself is closed.
func (s *Server) Serve(lis net.Listener) error {
	for {
		nc, err := lis.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("grpclite: accept: %w", err)
		}
		go s.handleConn(nc)
	}
}

// GracefulStop marks the server closed and closes every live connection,
// aggregating any errors with multierr rather than stopping at the
// first one.
func (s *Server) GracefulStop() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*transport.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}

func (s *Server) handleConn(nc net.Conn) {
	settings := transport.DefaultSettings()
	settings.MaxConcurrentStreams = s.cfg.MaxConcurrentStreams
	settings.InitialWindowSize = s.cfg.InitialWindowSize
	conn := transport.NewConn(nc, transport.RoleServer, s.logger, settings)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = nc.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	if err := conn.Start(context.Background()); err != nil {
		s.logger.Error("grpclite: starting connection", zap.Error(err))
		return
	}

	for {
		ts, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go s.handleStream(ts)
	}
}

func (s *Server) handleStream(ts *transport.Stream) {
	ev, err := ts.Recv(context.Background())
	if err != nil {
		return
	}
	if ev.Kind != transport.EventHeaders {
		_ = ts.Reset(http2.ErrCodeProtocol)
		return
	}
	rh, err := framing.ParseRequestHeaders(ev.Headers)
	if err != nil {
		_ = ts.Reset(http2.ErrCodeProtocol)
		return
	}

	call := stream.NewCall(stream.ServerSide, ts, s.codec, s.cfg.MaxReceiveMessageSize)
	ctx := context.Background()
	if rh.Timeout != nil {
		ctx = call.ArmDeadline(ctx, *rh.Timeout)
	}
	call.SetRequestMetadata(rh.Custom)

	serviceName, methodName, err := grpcutil.SplitMethodPath(rh.Path)
	if err != nil {
		_ = call.Finish(status.New(status.Unimplemented, err.Error()))
		return
	}

	handler, impl, ok := s.lookup(serviceName, methodName)
	if !ok {
		s.logger.Info("grpclite: unknown method", zap.String("path", rh.Path))
		_ = call.Finish(status.Newf(status.Unimplemented, "unknown method %s", rh.Path))
		return
	}

	herr := handler(ctx, impl, call)
	st, _ := status.FromError(herr)
	if err := call.Finish(st); err != nil {
		s.logger.Debug("grpclite: finishing call", zap.String("path", rh.Path), zap.Error(err))
	}
}

func (s *Server) lookup(service, method string) (HandlerFunc, interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	si, ok := s.services[service]
	if !ok {
		return nil, nil, false
	}
	h, ok := si.methods[method]
	if !ok {
		return nil, nil, false
	}
	return h, si.impl, true
}
