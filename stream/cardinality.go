package stream

import (
	"context"
	"errors"
	"reflect"

	"github.com/grpclite/grpclite/status"
)

// Cardinality tags a Call with the RPC signature its wrapper expects.
type Cardinality int

const (
	UnaryUnary Cardinality = iota
	UnaryStream
	StreamUnary
	StreamStream
)

// UnaryCall sends one request message, closes send, and waits for
// exactly one response message; a second inbound message is an INTERNAL
// error rather than being silently dropped.
type UnaryCall struct {
	call *Call
}

func NewUnaryCall(c *Call) *UnaryCall { return &UnaryCall{call: c} }

// Invoke sends req, closes the send side, and decodes the single
// response into resp.
func (u *UnaryCall) Invoke(ctx context.Context, req, resp interface{}) error {
	if err := u.call.SendMessage(ctx, req); err != nil {
		return err
	}
	if err := u.call.CloseSend(nil); err != nil {
		return err
	}
	if err := u.call.RecvMessage(ctx, resp); err != nil {
		if errors.Is(err, ErrEndOfStream) {
			return u.call.Status().Err()
		}
		return err
	}
	extra := reflect.New(reflect.TypeOf(resp).Elem()).Interface()
	if err := u.call.RecvMessage(ctx, extra); err == nil {
		return status.Error(status.Internal, "unary call received more than one response message")
	}
	if st := u.call.Status(); st.Code() != status.OK {
		return st.Err()
	}
	return nil
}

// ServerStreamCall sends one request, closes send, and exposes the
// response sequence as repeated RecvMessage calls ending at trailers.
type ServerStreamCall struct {
	call *Call
	sent bool
}

func NewServerStreamCall(c *Call) *ServerStreamCall { return &ServerStreamCall{call: c} }

// Send sends the single request message; must be called at most once,
// before any Recv.
func (s *ServerStreamCall) Send(ctx context.Context, req interface{}) error {
	if err := s.call.SendMessage(ctx, req); err != nil {
		return err
	}
	s.sent = true
	return s.call.CloseSend(nil)
}

// Recv returns the next response message, ErrEndOfStream when the
// sequence is exhausted, or the terminal status error on failure.
func (s *ServerStreamCall) Recv(ctx context.Context, resp interface{}) error {
	err := s.call.RecvMessage(ctx, resp)
	if errors.Is(err, ErrEndOfStream) {
		if st := s.call.Status(); st.Code() != status.OK {
			return st.Err()
		}
		return ErrEndOfStream
	}
	return err
}

// ClientStreamCall exposes the outbound direction as a sink; the final
// response is read once the caller closes send.
type ClientStreamCall struct {
	call *Call
}

func NewClientStreamCall(c *Call) *ClientStreamCall { return &ClientStreamCall{call: c} }

// Send enqueues one request message.
func (s *ClientStreamCall) Send(ctx context.Context, req interface{}) error {
	return s.call.SendMessage(ctx, req)
}

// CloseAndRecv closes the send side and waits for the single response
// message.
func (s *ClientStreamCall) CloseAndRecv(ctx context.Context, resp interface{}) error {
	if err := s.call.CloseSend(nil); err != nil {
		return err
	}
	if err := s.call.RecvMessage(ctx, resp); err != nil {
		if errors.Is(err, ErrEndOfStream) {
			return s.call.Status().Err()
		}
		return err
	}
	// Drain the trailers that follow the single response message so
	// Status reflects the terminal grpc-status rather than reporting
	// Unknown because the trailers HEADERS frame hasn't been read yet.
	extra := reflect.New(reflect.TypeOf(resp).Elem()).Interface()
	if err := s.call.RecvMessage(ctx, extra); err == nil {
		return status.Error(status.Internal, "client-stream call received more than one response message")
	}
	if st := s.call.Status(); st.Code() != status.OK {
		return st.Err()
	}
	return nil
}

// BidiStreamCall exposes both directions for free interleaving of sends
// and receives.
type BidiStreamCall struct {
	call *Call
}

func NewBidiStreamCall(c *Call) *BidiStreamCall { return &BidiStreamCall{call: c} }

func (b *BidiStreamCall) Send(ctx context.Context, req interface{}) error {
	return b.call.SendMessage(ctx, req)
}

func (b *BidiStreamCall) Recv(ctx context.Context, resp interface{}) error {
	err := b.call.RecvMessage(ctx, resp)
	if errors.Is(err, ErrEndOfStream) {
		if st := b.call.Status(); st.Code() != status.OK {
			return st.Err()
		}
		return ErrEndOfStream
	}
	return err
}

func (b *BidiStreamCall) CloseSend() error {
	return b.call.CloseSend(nil)
}

// Call exposes the underlying Call, e.g. for Cancel or status inspection
// once a wrapper's sequence has ended.
func (u *UnaryCall) Call() *Call        { return u.call }
func (s *ServerStreamCall) Call() *Call { return s.call }
func (s *ClientStreamCall) Call() *Call { return s.call }
func (b *BidiStreamCall) Call() *Call   { return b.call }
