// Package stream implements the Call object that sits between a raw
// transport.Stream and the cardinality-specific wrappers: the typed
// send/recv queue for one RPC, its state machine, deadline handling, and
// terminal-status derivation.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/grpclite/grpclite/encoding"
	"github.com/grpclite/grpclite/internal/framing"
	"github.com/grpclite/grpclite/internal/grpcutil"
	"github.com/grpclite/grpclite/internal/transport"
	"github.com/grpclite/grpclite/metadata"
	"github.com/grpclite/grpclite/status"
)

// State is one node of the Call state machine.
type State int

const (
	Idle State = iota
	Open
	HalfClosedLocal
	HalfClosedRemote
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Open:
		return "open"
	case HalfClosedLocal:
		return "half_closed_local"
	case HalfClosedRemote:
		return "half_closed_remote"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Side distinguishes the client and server ends of a Call; each derives
// terminal status and trailers-only framing differently.
type Side int

const (
	ClientSide Side = iota
	ServerSide
)

// Call is one RPC: a typed send/recv queue layered on one
// transport.Stream, carrying initial metadata, length-prefixed messages,
// and trailers through to a terminal status.
type Call struct {
	side  Side
	ts    *transport.Stream
	codec encoding.Codec

	decoder *framing.MessageDecoder

	mu    sync.Mutex
	state State

	initialMD     metadata.MD
	initialMDRecv bool
	initialMDCh   chan struct{}

	trailer    framing.Trailers
	trailerSet bool
	mdSent     bool

	deadline time.Time
	cancel   context.CancelFunc
}

// NewCall builds the shared Call state; callers (client start_request,
// server dispatch) fill in side-specific framing around it.
func NewCall(side Side, ts *transport.Stream, codec encoding.Codec, maxRecvSize uint32) *Call {
	if maxRecvSize == 0 {
		maxRecvSize = 4 << 20
	}
	c := &Call{
		side:        side,
		ts:          ts,
		codec:       codec,
		decoder:     framing.NewMessageDecoder(maxRecvSize),
		state:       Idle,
		initialMDCh: make(chan struct{}),
	}
	if side == ClientSide {
		// OpenStream has already written the request HEADERS by the time
		// the caller holds a Stream to wrap, so the client's send side
		// enters Open immediately rather than waiting for a separate
		// SendInitialMetadata call.
		c.state = Open
	}
	return c
}

// ArmDeadline starts a timer that cancels the Call with DeadlineExceeded
// when d elapses; ctx is canceled in step so callers blocked on it unwind
// too. Returns a context derived from parent that is canceled at the same
// time.
func (c *Call) ArmDeadline(parent context.Context, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(parent, d)
	c.mu.Lock()
	c.deadline = time.Now().Add(d)
	c.cancel = cancel
	c.mu.Unlock()
	go func() {
		<-ctx.Done()
		if ctx.Err() == context.DeadlineExceeded {
			_ = c.cancelLocked(http2.ErrCodeCancel, status.DeadlineExceeded, "deadline exceeded")
		}
	}()
	return ctx
}

// State returns the Call's current state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendInitialMetadata sends md as the Call's initial HEADERS; it may be
// called at most once, before any message.
func (c *Call) SendInitialMetadata(md metadata.MD) error {
	c.mu.Lock()
	if c.state != Idle && c.state != Open {
		c.mu.Unlock()
		return fmt.Errorf("stream: send_initial_metadata on call in state %s", c.state)
	}
	c.state = Open
	c.mdSent = true
	c.mu.Unlock()

	fields := framing.BuildResponseHeaders(framing.ResponseHeaders{HTTPStatus: 200, ContentType: framing.ContentType, Custom: md})
	return c.ts.WriteHeaders(fields, false)
}

// SendMessage encodes v with the Call's codec and emits it as one or more
// length-prefixed DATA frames, blocking on flow control as needed. On the
// server side, if no initial metadata has been sent yet, it is sent with
// an empty metadata set ahead of the message, since a response HEADERS
// frame must precede the first DATA frame.
func (c *Call) SendMessage(ctx context.Context, v interface{}) error {
	c.mu.Lock()
	if c.state != Open && c.state != HalfClosedRemote {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("stream: send_message on call in state %s", st)
	}
	needsHeaders := c.side == ServerSide && !c.mdSent
	c.mdSent = true
	c.mu.Unlock()

	if needsHeaders {
		fields := framing.BuildResponseHeaders(framing.ResponseHeaders{HTTPStatus: 200, ContentType: framing.ContentType})
		if err := c.ts.WriteHeaders(fields, false); err != nil {
			return err
		}
	}

	payload, err := c.codec.Marshal(v)
	if err != nil {
		return status.Errorf(status.Internal, "marshal: %v", err)
	}
	framed := framing.EncodeMessage(payload)
	if err := c.ts.WriteData(ctx, framed, false); err != nil {
		return c.translateCtxErr(err)
	}
	return nil
}

// translateCtxErr turns a context error observed while blocked on flow
// control or a channel receive into the equivalent status-coded error,
// latching it as the Call's terminal status and notifying the peer with
// RST_STREAM, since a bare context.DeadlineExceeded/Canceled otherwise
// carries no gRPC status for the caller to act on.
func (c *Call) translateCtxErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		_ = c.cancelLocked(http2.ErrCodeCancel, status.DeadlineExceeded, err.Error())
		return status.Error(status.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		_ = c.cancelLocked(http2.ErrCodeCancel, status.Canceled, err.Error())
		return status.Error(status.Canceled, err.Error())
	default:
		return err
	}
}

// CloseSend emits END_STREAM, transitioning Open -> HalfClosedLocal or
// HalfClosedRemote -> Closed. On the server side this sends trailers
// carrying st; on the client side it sends an empty DATA frame with
// END_STREAM (trailers have no meaning from a client).
func (c *Call) CloseSend(st *status.Status) error {
	c.mu.Lock()
	switch c.state {
	case Open:
		c.state = HalfClosedLocal
	case HalfClosedRemote:
		c.state = Closed
	default:
		s := c.state
		c.mu.Unlock()
		return fmt.Errorf("stream: close_send on call in state %s", s)
	}
	c.mu.Unlock()

	if c.side == ServerSide {
		if st == nil {
			st = status.New(status.OK, "")
		}
		fields := framing.BuildTrailers(framing.Trailers{
			Code:    st.Code(),
			Message: st.Message(),
			Custom:  st.Trailer(),
		}, false)
		return c.ts.WriteHeaders(fields, true)
	}
	return c.ts.WriteData(context.Background(), nil, true)
}

// CloseSendTrailersOnly sends a trailers-only response: a single HEADERS
// frame with END_STREAM combining :status, content-type and grpc-status,
// used when a server handler fails before ever sending a message.
func (c *Call) CloseSendTrailersOnly(st *status.Status) error {
	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()

	fields := framing.BuildTrailers(framing.Trailers{
		Code:    st.Code(),
		Message: st.Message(),
		Custom:  st.Trailer(),
	}, true)
	return c.ts.WriteHeaders(fields, true)
}

// Finish ends a server-side Call with st, automatically choosing
// trailers-only framing when no response headers or messages were ever
// sent and falling back to a regular trailers HEADERS frame otherwise.
func (c *Call) Finish(st *status.Status) error {
	c.mu.Lock()
	sent := c.mdSent
	c.mu.Unlock()
	if !sent {
		return c.CloseSendTrailersOnly(st)
	}
	return c.CloseSend(st)
}

// SetRequestMetadata seeds the server-side Call with the metadata already
// parsed from the request HEADERS at dispatch time, before this Call
// existed to observe the HEADERS event itself.
func (c *Call) SetRequestMetadata(md metadata.MD) {
	c.mu.Lock()
	c.initialMD = md
	c.initialMDRecv = true
	c.state = Open
	c.mu.Unlock()
	close(c.initialMDCh)
}

// RecvInitialMetadata waits until the peer's initial HEADERS has been
// observed and returns it. If the stream closed trailers-only, the
// returned metadata is empty and the caller should consult the terminal
// status via RecvMessage/Wait instead.
func (c *Call) RecvInitialMetadata(ctx context.Context) (metadata.MD, error) {
	select {
	case <-c.initialMDCh:
		c.mu.Lock()
		md := c.initialMD
		c.mu.Unlock()
		return md, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ErrEndOfStream is returned by RecvMessage when the peer has half-closed
// with no further messages.
var ErrEndOfStream = fmt.Errorf("stream: end of stream")

// RecvMessage waits for and decodes one whole message, or returns
// ErrEndOfStream once the peer has ended the stream with no more
// messages buffered. Any other error is the Call's terminal status.
func (c *Call) RecvMessage(ctx context.Context, v interface{}) error {
	for {
		if payload, compressed, ok, err := c.decoder.Next(); err != nil {
			c.fail(status.FromCode(err), err.Error())
			return err
		} else if ok {
			if compressed {
				msg := "grpc-encoding: compressed messages are not supported"
				c.fail(status.Unimplemented, msg)
				return status.Error(status.Unimplemented, msg)
			}
			if err := c.codec.Unmarshal(payload, v); err != nil {
				return status.Errorf(status.Internal, "unmarshal: %v", err)
			}
			return nil
		}

		ev, err := c.ts.Recv(ctx)
		if err != nil {
			return c.translateCtxErr(err)
		}
		switch ev.Kind {
		case transport.EventHeaders:
			if err := c.handleHeaders(ev); err != nil {
				return err
			}
			if ev.EndStream {
				return c.endOfStreamResult()
			}
		case transport.EventData:
			c.decoder.Feed(ev.Data)
			if ev.EndStream {
				if c.decoder.Pending() {
					return status.Errorf(status.Internal, "truncated message at end of stream")
				}
				c.markRemoteEnded()
				return c.endOfStreamResult()
			}
		case transport.EventReset:
			c.fail(status.Canceled, "stream reset by peer")
			return status.Error(status.Canceled, "stream reset by peer")
		case transport.EventClosed:
			c.fail(status.Unavailable, "connection closed")
			return status.Error(status.Unavailable, "connection closed")
		}
	}
}

// endOfStreamResult returns ErrEndOfStream if no message is pending, else
// lets the caller's next decoder.Next() pick up a message that arrived in
// the same frame as END_STREAM.
func (c *Call) endOfStreamResult() error {
	if c.decoder.Pending() {
		if _, _, ok, err := c.decoder.Next(); err == nil && ok {
			return nil
		}
	}
	c.markRemoteEnded()
	return ErrEndOfStream
}

func (c *Call) markRemoteEnded() {
	c.mu.Lock()
	switch c.state {
	case Open:
		c.state = HalfClosedRemote
	case HalfClosedLocal:
		c.state = Closed
	}
	closed := c.state == Closed
	c.mu.Unlock()
	if closed {
		c.releaseDeadline()
	}
}

// releaseDeadline stops the deadline timer armed by ArmDeadline, if any.
// Safe to call more than once and on a Call that was never armed.
func (c *Call) releaseDeadline() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// handleHeaders processes one inbound HEADERS event and returns the
// terminal error, if any, that RecvMessage should surface immediately: a
// non-200 :status (whether on a trailers-only response or a regular
// response-headers frame with no grpc-status of its own) carries no
// gRPC status of its own, so it is mapped via status.FromHTTPStatus per
// the HTTP-level terminal-status derivation rule rather than left to
// report bare UNKNOWN.
func (c *Call) handleHeaders(ev transport.Event) error {
	c.mu.Lock()
	already := c.initialMDRecv
	c.mu.Unlock()

	if ev.EndStream {
		t := framing.ParseTrailers(ev.Headers)
		if !t.HadStatus {
			if rh, err := framing.ParseResponseHeaders(ev.Headers); err == nil && rh.HTTPStatus != 200 {
				t.Code = status.FromHTTPStatus(rh.HTTPStatus)
				t.Message = fmt.Sprintf("http status %d", rh.HTTPStatus)
				t.HadStatus = true
			}
		}
		c.mu.Lock()
		c.trailer = t
		c.trailerSet = true
		if !already {
			c.initialMDRecv = true
		}
		c.mu.Unlock()
		if !already {
			close(c.initialMDCh)
		}
		return nil
	}

	rh, err := framing.ParseResponseHeaders(ev.Headers)
	if err == nil && rh.HTTPStatus != 200 {
		code := status.FromHTTPStatus(rh.HTTPStatus)
		msg := fmt.Sprintf("http status %d", rh.HTTPStatus)
		c.fail(code, msg)
		if !already {
			c.mu.Lock()
			c.initialMDRecv = true
			c.mu.Unlock()
			close(c.initialMDCh)
		}
		return status.Error(code, msg)
	}

	if !already {
		c.mu.Lock()
		if err == nil {
			c.initialMD = rh.Custom
		}
		c.initialMDRecv = true
		c.mu.Unlock()
		close(c.initialMDCh)
	}
	return nil
}

// Trailer returns the Call's terminal status, valid once RecvMessage has
// observed END_STREAM.
func (c *Call) Trailer() framing.Trailers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trailer
}

// Status derives the terminal status per the client-side derivation
// rules: missing grpc-status on stream close is itself UNKNOWN.
func (c *Call) Status() *status.Status {
	c.mu.Lock()
	t := c.trailer
	set := c.trailerSet
	c.mu.Unlock()
	if !set || !t.HadStatus {
		return status.New(status.Unknown, "stream closed without grpc-status")
	}
	return status.New(t.Code, t.Message).WithTrailer(t.Custom)
}

// Cancel aborts the Call locally with RST_STREAM(CANCEL); any pending
// local sends are dropped.
func (c *Call) Cancel(reason string) error {
	return c.cancelLocked(http2.ErrCodeCancel, status.Canceled, reason)
}

func (c *Call) cancelLocked(code http2.ErrCode, st status.Code, msg string) error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.state = Closed
	c.trailer = framing.Trailers{Code: st, Message: msg, HadStatus: true}
	c.trailerSet = true
	c.mu.Unlock()
	c.releaseDeadline()
	return c.ts.Reset(code)
}

func (c *Call) fail(code status.Code, msg string) {
	c.mu.Lock()
	if !c.trailerSet {
		c.trailer = framing.Trailers{Code: code, Message: msg, HadStatus: true}
		c.trailerSet = true
	}
	c.state = Closed
	c.mu.Unlock()
	c.releaseDeadline()
}

// EncodeDeadline renders d as a grpc-timeout header value.
func EncodeDeadline(d time.Duration) string { return grpcutil.EncodeTimeout(d) }
