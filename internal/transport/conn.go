package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Role distinguishes which side of the HTTP/2 connection this Conn plays,
// which governs stream-id parity: client ids are odd, server
// ids are even.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

const clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// writeRequest is one closure queued onto the connection's single writer
// goroutine, the only goroutine allowed to touch the Framer, the HPACK
// encoder, or the stream-id counter.
type writeRequest struct {
	do   func(*http2.Framer) error
	done chan error
}

// Conn is one HTTP/2 connection carrying any number of gRPC Calls: it
// owns the Framer, the HPACK codec, stream-id allocation, flow-control
// windows, and GOAWAY/SETTINGS handling for one byte-stream peer.
type Conn struct {
	role   Role
	nc     net.Conn
	framer *http2.Framer
	hc     *headerCodec
	logger *zap.Logger

	local Settings
	peer  Settings

	mu           sync.Mutex
	streams      map[uint32]*Stream
	nextID       uint32
	lastPeerID   uint32
	goAwaySent   bool
	goAwayRecv   bool
	closed       bool
	closeErr     error
	headerBlocks map[uint32][]byte // in-progress HEADERS+CONTINUATION reassembly
	continuationEndStream map[uint32]bool

	connSendWindow *flowWindow

	writeCh  chan writeRequest
	acceptCh chan *Stream
	closeCh  chan struct{}
}

// NewConn wraps nc (an already-connected, already-secured duplex byte
// stream; TLS/socket setup is an out-of-scope collaborator)
// in an HTTP/2 connection for role.
func NewConn(nc net.Conn, role Role, logger *zap.Logger, local Settings) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Conn{
		role:           role,
		nc:             nc,
		framer:         http2.NewFramer(nc, nc),
		hc:             newHeaderCodec(local.HeaderTableSize),
		logger:         logger,
		local:          local,
		peer:           DefaultSettings(),
		streams:        make(map[uint32]*Stream),
		headerBlocks:   make(map[uint32][]byte),
		continuationEndStream: make(map[uint32]bool),
		connSendWindow: newFlowWindow(DefaultSettings().InitialWindowSize),
		writeCh:        make(chan writeRequest, 64),
		acceptCh:       make(chan *Stream, 16),
		closeCh:        make(chan struct{}),
	}
	// c.framer.ReadMetaHeaders is left nil: HEADERS/CONTINUATION are
	// reassembled by hand below so the shared HPACK decoder's dynamic
	// table stays under this Conn's control rather than the Framer's.
	if role == RoleClient {
		c.nextID = 1
	} else {
		c.nextID = 2
	}
	return c
}

// Start launches the reader and writer goroutines, then performs the
// preface/SETTINGS handshake through the writer goroutine like any other
// outbound frame. Start returns once the handshake has been written; on a
// synchronous transport such as net.Pipe that write completes only while
// the peer's read loop is running, so the two ends must be started
// concurrently. Start does not block for the peer's SETTINGS ACK, matching
// practical HTTP/2 implementations that pipeline optimistically. ctx bounds
// the read loop: once it is done, the read loop stops before reading its
// next frame and the connection is torn down.
func (c *Conn) Start(ctx context.Context) error {
	go c.writeLoop()
	go c.readLoop(ctx)

	if c.role == RoleClient {
		if err := c.enqueueWrite(func(*http2.Framer) error {
			_, err := io.WriteString(c.nc, clientPreface)
			return err
		}); err != nil {
			return fmt.Errorf("transport: writing client preface: %w", err)
		}
	}

	settings := []http2.Setting{
		{ID: http2.SettingMaxConcurrentStreams, Val: c.local.MaxConcurrentStreams},
		{ID: http2.SettingInitialWindowSize, Val: c.local.InitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: c.local.MaxFrameSize},
		{ID: http2.SettingHeaderTableSize, Val: c.local.HeaderTableSize},
	}
	if err := c.enqueueWrite(func(f *http2.Framer) error { return f.WriteSettings(settings...) }); err != nil {
		return fmt.Errorf("transport: writing initial settings: %w", err)
	}
	return nil
}

// OpenStream allocates the next locally-initiated stream id, sends
// headerFields as the initial HEADERS frame, and returns the Stream
// handle, the entry point client dials use to start a new RPC.
func (c *Conn) OpenStream(ctx context.Context, headerFields []hpack.HeaderField) (*Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	if c.goAwaySent || c.goAwayRecv {
		c.mu.Unlock()
		return nil, ErrGoAway
	}
	id := c.nextID
	c.nextID += 2
	s := newStream(id, c)
	c.streams[id] = s
	c.mu.Unlock()

	if err := c.writeHeaderBlock(id, headerFields, false); err != nil {
		return nil, err
	}
	return s, nil
}

// AcceptStream blocks until a new peer-initiated stream's initial HEADERS
// have arrived, or the connection closes, the entry point server dispatch uses to pick up new RPCs.
func (c *Conn) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case s, ok := <-c.acceptCh:
		if !ok {
			return nil, ErrConnClosed
		}
		return s, nil
	case <-c.closeCh:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// decodeHeaders decodes one reassembled header block with the
// connection's shared HPACK decoder; the read loop calls it from
// deliverHeaderBlock.
func (c *Conn) decodeHeaders(block []byte) ([]hpack.HeaderField, error) {
	return c.hc.decode(block)
}

// GoAway sends a GOAWAY advertising lastPeerID as the highest stream this
// side will process.
func (c *Conn) GoAway(code http2.ErrCode, debug []byte) error {
	c.mu.Lock()
	if c.goAwaySent {
		c.mu.Unlock()
		return nil
	}
	c.goAwaySent = true
	lastID := c.lastPeerID
	c.mu.Unlock()

	return c.enqueueWrite(func(f *http2.Framer) error {
		return f.WriteGoAway(lastID, code, debug)
	})
}

// Close tears down the connection: it fails every open stream with
// UNAVAILABLE (if the peer never responded) or simply stops delivering
// further events, then closes the underlying byte stream.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.closeErr = ErrConnClosed
	c.mu.Unlock()

	close(c.closeCh)
	for _, s := range streams {
		s.deliverClosed()
	}
	c.connSendWindow.closeWithError(ErrConnClosed)
	return c.nc.Close()
}

func (c *Conn) enqueueWrite(do func(*http2.Framer) error) error {
	req := writeRequest{do: do, done: make(chan error, 1)}
	select {
	case c.writeCh <- req:
	case <-c.closeCh:
		return ErrConnClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-c.closeCh:
		return ErrConnClosed
	}
}

// writeHeaderBlock encodes fields and writes the resulting HEADERS(+
// CONTINUATION) frames on the writer goroutine. Encoding happens inside
// the enqueueWrite closure, not the caller's goroutine, since the HPACK
// encoder and its dynamic table are connection-scoped state that only the
// writer goroutine may touch; two callers (e.g. concurrent OpenStream
// calls, or a server handler racing a trailer send) must never encode
// into the shared encBuf at once.
func (c *Conn) writeHeaderBlock(streamID uint32, fields []hpack.HeaderField, endStream bool) error {
	maxFrame := c.local.MaxFrameSize
	if maxFrame == 0 {
		maxFrame = DefaultSettings().MaxFrameSize
	}
	return c.enqueueWrite(func(f *http2.Framer) error {
		block, err := c.hc.encode(fields)
		if err != nil {
			return err
		}
		chunks := splitBlock(block, maxFrame)
		first := chunks[0]
		if err := f.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      streamID,
			BlockFragment: first,
			EndHeaders:    len(chunks) == 1,
			EndStream:     endStream,
		}); err != nil {
			return err
		}
		for i := 1; i < len(chunks); i++ {
			if err := f.WriteContinuation(streamID, i == len(chunks)-1, chunks[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func splitBlock(block []byte, maxFrame uint32) [][]byte {
	if maxFrame == 0 || uint32(len(block)) <= maxFrame {
		return [][]byte{block}
	}
	var chunks [][]byte
	for len(block) > 0 {
		n := uint32(len(block))
		if n > maxFrame {
			n = maxFrame
		}
		chunks = append(chunks, block[:n])
		block = block[n:]
	}
	return chunks
}

func (c *Conn) writeLoop() {
	for {
		select {
		case req := <-c.writeCh:
			err := req.do(c.framer)
			req.done <- err
			if err != nil {
				c.logger.Error("transport: write failed, closing connection", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.teardownOnReadError()
	if c.role == RoleServer {
		if err := c.readClientPreface(); err != nil {
			c.logger.Error("transport: rejecting connection", zap.Error(err))
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		default:
		}

		frame, err := c.framer.ReadFrame()
		if err != nil {
			c.logger.Debug("transport: read loop ending", zap.Error(err))
			return
		}

		if err := c.dispatchFrame(frame); err != nil {
			c.logger.Error("transport: protocol error, closing connection", zap.Error(err))
			return
		}
	}
}

// readClientPreface consumes and validates the fixed connection preface
// a client sends ahead of its first SETTINGS frame. The Framer has no
// notion of the preface itself, so the server side must strip it off the
// byte stream before handing reads over to ReadFrame.
func (c *Conn) readClientPreface() error {
	buf := make([]byte, len(clientPreface))
	if _, err := io.ReadFull(c.nc, buf); err != nil {
		return fmt.Errorf("transport: reading client preface: %w", err)
	}
	if string(buf) != clientPreface {
		return fmt.Errorf("transport: invalid client preface %q", buf)
	}
	return nil
}

func (c *Conn) teardownOnReadError() {
	_ = c.Close()
}

func (c *Conn) dispatchFrame(frame http2.Frame) error {
	switch f := frame.(type) {
	case *http2.SettingsFrame:
		return c.handleSettings(f)
	case *http2.HeadersFrame:
		return c.handleHeaders(f)
	case *http2.ContinuationFrame:
		return c.handleContinuation(f)
	case *http2.DataFrame:
		return c.handleData(f)
	case *http2.WindowUpdateFrame:
		return c.handleWindowUpdate(f)
	case *http2.PingFrame:
		return c.handlePing(f)
	case *http2.RSTStreamFrame:
		return c.handleRSTStream(f)
	case *http2.GoAwayFrame:
		return c.handleGoAway(f)
	default:
		return nil
	}
}

func (c *Conn) handleSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return c.enqueueWrite(func(fr *http2.Framer) error { return nil })
	}
	err := f.ForeachSetting(func(s http2.Setting) error {
		c.mu.Lock()
		switch s.ID {
		case http2.SettingMaxConcurrentStreams:
			c.peer.MaxConcurrentStreams = s.Val
		case http2.SettingInitialWindowSize:
			c.peer.InitialWindowSize = s.Val
		case http2.SettingMaxFrameSize:
			c.peer.MaxFrameSize = s.Val
		case http2.SettingHeaderTableSize:
			c.peer.HeaderTableSize = s.Val
		}
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("transport: bad settings frame: %w", err)
	}
	return c.enqueueWrite(func(fr *http2.Framer) error { return fr.WriteSettingsAck() })
}

func (c *Conn) headerStream(id uint32) (*Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[id]
	return s, ok
}

func (c *Conn) handleHeaders(f *http2.HeadersFrame) error {
	id := f.StreamID
	c.mu.Lock()
	c.headerBlocks[id] = append(c.headerBlocks[id], f.HeaderBlockFragment()...)
	endHeaders := f.HeadersEnded()
	endStream := f.StreamEnded()
	if !endHeaders {
		c.continuationEndStream[id] = endStream
	}
	c.mu.Unlock()

	if !endHeaders {
		return nil
	}
	return c.deliverHeaderBlock(id, endStream)
}

func (c *Conn) handleContinuation(f *http2.ContinuationFrame) error {
	id := f.StreamID
	c.mu.Lock()
	c.headerBlocks[id] = append(c.headerBlocks[id], f.HeaderBlockFragment()...)
	endHeaders := f.HeadersEnded()
	c.mu.Unlock()
	if !endHeaders {
		return nil
	}
	// CONTINUATION inherits END_STREAM from its HEADERS frame, which we
	// don't have direct access to here; track it alongside the block.
	c.mu.Lock()
	endStream := c.continuationEndStream[id]
	c.mu.Unlock()
	return c.deliverHeaderBlock(id, endStream)
}

func (c *Conn) deliverHeaderBlock(id uint32, endStream bool) error {
	c.mu.Lock()
	block := c.headerBlocks[id]
	delete(c.headerBlocks, id)
	delete(c.continuationEndStream, id)
	c.mu.Unlock()

	fields, err := c.decodeHeaders(block)
	if err != nil {
		return err
	}

	c.mu.Lock()
	stream, known := c.streams[id]
	if !known && c.role == RoleServer {
		if id > c.lastPeerID {
			c.lastPeerID = id
		}
		stream = newStream(id, c)
		c.streams[id] = stream
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	if stream == nil {
		// Unknown stream on the client side (e.g. late frame after reset); ignore.
		return nil
	}

	stream.deliver(Event{Kind: EventHeaders, Headers: fields, EndStream: endStream})
	if !known && c.role == RoleServer {
		select {
		case c.acceptCh <- stream:
		case <-c.closeCh:
		}
	}
	if endStream {
		c.forgetStream(id)
	}
	return nil
}

func (c *Conn) handleData(f *http2.DataFrame) error {
	id := f.StreamID
	data := f.Data()
	stream, ok := c.headerStream(id)
	if ok {
		stream.deliver(Event{Kind: EventData, Data: append([]byte(nil), data...), EndStream: f.StreamEnded()})
	}
	// Eagerly replenish both stream and connection receive windows back to
	// their initial size on every DATA frame (hysteresis = 0), trading a
	// few extra WINDOW_UPDATE frames for a simpler credit model.
	if len(data) > 0 {
		return c.enqueueWrite(func(fr *http2.Framer) error {
			if err := fr.WriteWindowUpdate(id, uint32(len(data))); err != nil {
				return err
			}
			return fr.WriteWindowUpdate(0, uint32(len(data)))
		})
	}
	if f.StreamEnded() {
		c.forgetStream(id)
	}
	return nil
}

func (c *Conn) handleWindowUpdate(f *http2.WindowUpdateFrame) error {
	if f.StreamID == 0 {
		c.connSendWindow.release(int64(f.Increment))
		return nil
	}
	if s, ok := c.headerStream(f.StreamID); ok {
		s.sendWindow.release(int64(f.Increment))
	}
	return nil
}

func (c *Conn) handlePing(f *http2.PingFrame) error {
	if f.IsAck() {
		return nil
	}
	return c.enqueueWrite(func(fr *http2.Framer) error { return fr.WritePing(true, f.Data) })
}

func (c *Conn) handleRSTStream(f *http2.RSTStreamFrame) error {
	id := f.StreamID
	if s, ok := c.headerStream(id); ok {
		s.deliver(Event{Kind: EventReset, ErrCode: f.ErrCode})
	}
	c.forgetStream(id)
	return nil
}

func (c *Conn) handleGoAway(f *http2.GoAwayFrame) error {
	c.mu.Lock()
	c.goAwayRecv = true
	lastID := f.LastStreamID
	var toFail []*Stream
	for id, s := range c.streams {
		if id > lastID {
			toFail = append(toFail, s)
		}
	}
	c.mu.Unlock()
	for _, s := range toFail {
		s.deliver(Event{Kind: EventReset, Err: ErrGoAway})
	}
	return nil
}

func (c *Conn) forgetStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}
