package transport

import (
	"context"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/grpclite/grpclite/internal/framing"
)

// Stream is the transport-level handle for one HTTP/2 stream: the
// plumbing a gRPC Call (package stream) is built on top of. It knows
// about frame-level flow control and header blocks, but nothing about
// gRPC message framing or status semantics.
type Stream struct {
	id   uint32
	conn *Conn

	sendWindow *flowWindow

	inbound chan Event

	mu         sync.Mutex
	localEnded bool
	closeOnce  sync.Once
}

func newStream(id uint32, c *Conn) *Stream {
	return &Stream{
		id:         id,
		conn:       c,
		sendWindow: newFlowWindow(c.peer.InitialWindowSize),
		inbound:    make(chan Event, 16),
	}
}

// ID is the HTTP/2 stream id this handle addresses.
func (s *Stream) ID() uint32 { return s.id }

func (s *Stream) deliver(ev Event) {
	select {
	case s.inbound <- ev:
	default:
		// Inbound queue is a generous buffer for a single stream's events;
		// if it is ever full the peer is badly misbehaving. Block instead
		// of dropping, preserving transport-order delivery.
		s.inbound <- ev
	}
}

func (s *Stream) deliverClosed() {
	s.closeOnce.Do(func() {
		s.sendWindow.closeWithError(ErrConnClosed)
		select {
		case s.inbound <- Event{Kind: EventClosed, Err: ErrConnClosed}:
		default:
		}
	})
}

// Recv waits for and returns the next inbound event.
func (s *Stream) Recv(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.inbound:
		if !ok {
			return Event{}, ErrConnClosed
		}
		return ev, nil
	case <-s.conn.closeCh:
		return Event{Kind: EventClosed, Err: ErrConnClosed}, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// WriteHeaders sends fields as a HEADERS (+CONTINUATION) frame sequence.
func (s *Stream) WriteHeaders(fields []hpack.HeaderField, endStream bool) error {
	s.mu.Lock()
	s.localEnded = s.localEnded || endStream
	s.mu.Unlock()

	return s.conn.writeHeaderBlock(s.id, fields, endStream)
}

// WriteData sends p as one or more DATA frames, respecting both the
// stream's and the connection's send-flow-control windows, never sending
// DATA exceeding the smaller of the two, and the peer's MAX_FRAME_SIZE.
func (s *Stream) WriteData(ctx context.Context, p []byte, endStream bool) error {
	maxFrame := s.conn.peer.MaxFrameSize
	if maxFrame == 0 {
		maxFrame = DefaultSettings().MaxFrameSize
	}

	for len(p) > 0 || (endStream && len(p) == 0) {
		chunkWant := int64(len(p))
		if chunkWant == 0 {
			// send a final empty DATA frame carrying END_STREAM
			s.mu.Lock()
			s.localEnded = true
			s.mu.Unlock()
			return s.conn.enqueueWrite(func(f *http2.Framer) error {
				return f.WriteData(s.id, true, nil)
			})
		}
		// framing.SplitFrames bounds each DATA frame by the peer's
		// MAX_FRAME_SIZE; only its first chunk's length is needed here,
		// since flow control may shrink what is actually sent further.
		chunkWant = int64(len(framing.SplitFrames(p, maxFrame)[0]))

		streamGranted, err := s.sendWindow.reserve(ctx, chunkWant)
		if err != nil {
			return err
		}
		granted, err := s.conn.connSendWindow.reserve(ctx, streamGranted)
		if err != nil {
			// give back the stream-level credit we already took but can't spend
			s.sendWindow.release(streamGranted)
			return err
		}
		if granted < streamGranted {
			// the connection window granted less than the stream window
			// already debited; return the unspent difference or the
			// stream's credit leaks until it stalls.
			s.sendWindow.release(streamGranted - granted)
		}

		chunk := p[:granted]
		p = p[granted:]
		last := len(p) == 0
		end := endStream && last

		if err := s.conn.enqueueWrite(func(f *http2.Framer) error {
			return f.WriteData(s.id, end, chunk)
		}); err != nil {
			return err
		}
		if end {
			s.mu.Lock()
			s.localEnded = true
			s.mu.Unlock()
			return nil
		}
	}
	return nil
}

// Reset aborts the stream locally with RST_STREAM.
func (s *Stream) Reset(code http2.ErrCode) error {
	s.conn.forgetStream(s.id)
	return s.conn.enqueueWrite(func(f *http2.Framer) error {
		return f.WriteRSTStream(s.id, code)
	})
}
