// Package testutil holds small test-only helpers shared across package
// tests, kept out of the public surface.
package testutil

import (
	"context"
	"errors"
	"net"
)

// PipeListener is an in-process net.Listener backed by net.Pipe, the
// same role bufconn.Listener plays in keploy's server tests but without
// pulling in the grpc module just for a test double.
type PipeListener struct {
	conns  chan net.Conn
	closed chan struct{}
}

// NewPipeListener returns a PipeListener ready to accept Dial calls.
func NewPipeListener() *PipeListener {
	return &PipeListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// Dial returns one side of a new net.Pipe, handing the other side to the
// next Accept call.
func (l *PipeListener) Dial(context.Context, string) (net.Conn, error) {
	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closed:
		return nil, errors.New("testutil: listener closed")
	}
}

// Accept implements net.Listener.
func (l *PipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, errors.New("testutil: listener closed")
	}
}

// Close implements net.Listener.
func (l *PipeListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

// Addr implements net.Listener.
func (l *PipeListener) Addr() net.Addr { return pipeAddr{} }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
