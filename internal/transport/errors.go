package transport

import "errors"

// ErrConnClosed is returned from operations attempted after the Conn has
// torn down: a Call never outlives its Connection.
var ErrConnClosed = errors.New("transport: connection closed")

// ErrGoAway is returned from OpenStream once a peer GOAWAY has been
// received; such calls are retryable against a fresh Conn.
var ErrGoAway = errors.New("transport: connection is going away")
