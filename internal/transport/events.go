package transport

import (
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// EventKind discriminates the Stream inbound event union.
type EventKind int

const (
	// EventHeaders carries one decoded logical header block: either the
	// peer's initial metadata, or (when EndStream is set) its trailers /
	// a trailers-only response.
	EventHeaders EventKind = iota
	// EventData carries one DATA frame's payload.
	EventData
	// EventReset reports the peer reset the stream (RST_STREAM).
	EventReset
	// EventClosed reports the Connection tore down while this stream was open.
	EventClosed
)

// Event is one inbound occurrence on a Stream, queued by the Conn's
// reader goroutine and drained by the stream package's Call; frames on
// one stream are delivered in transport order.
type Event struct {
	Kind      EventKind
	Headers   []hpack.HeaderField
	Data      []byte
	EndStream bool
	ErrCode   http2.ErrCode
	Err       error
}
