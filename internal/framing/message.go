// Package framing implements the gRPC-over-HTTP/2 framing layer: the
// 5-byte length-prefixed message envelope, and the mapping between
// HTTP/2 header/trailer blocks and gRPC's initial
// metadata / trailers / grpc-status model. It knows nothing about HTTP/2
// frame types or stream ids; it operates on raw header fields and byte
// payloads handed to it by internal/transport.
package framing

import (
	"encoding/binary"

	"github.com/grpclite/grpclite/status"
)

const prefixLen = 5

// MessageDecoder reassembles whole gRPC messages out of a stream of DATA
// frame payloads, which may split a message across frames or pack several
// messages into one length-prefixed frame.
type MessageDecoder struct {
	buf     []byte
	maxSize uint32
}

// NewMessageDecoder builds a decoder that rejects any message whose
// declared length exceeds maxSize with RESOURCE_EXHAUSTED.
func NewMessageDecoder(maxSize uint32) *MessageDecoder {
	return &MessageDecoder{maxSize: maxSize}
}

// Feed appends newly received bytes to the decoder's internal buffer.
func (d *MessageDecoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next extracts one whole decoded message if enough bytes have been fed.
// ok is false (with a nil error) when more bytes are needed; a non-nil
// error is a framing violation (e.g. the message exceeds maxSize) that
// should fail the Call with the returned status.
func (d *MessageDecoder) Next() (payload []byte, compressed bool, ok bool, err error) {
	if len(d.buf) < prefixLen {
		return nil, false, false, nil
	}
	compressed = d.buf[0] != 0
	length := binary.BigEndian.Uint32(d.buf[1:5])
	if d.maxSize > 0 && length > d.maxSize {
		return nil, false, false, status.Errorf(status.ResourceExhausted,
			"framing: received message of %d bytes exceeds max %d", length, d.maxSize)
	}
	if uint32(len(d.buf)-prefixLen) < length {
		return nil, false, false, nil
	}
	payload = make([]byte, length)
	copy(payload, d.buf[prefixLen:prefixLen+length])
	d.buf = d.buf[prefixLen+length:]
	return payload, compressed, true, nil
}

// Pending reports whether any undecoded bytes remain buffered (used to
// detect a truncated trailing message when the stream half-closes).
func (d *MessageDecoder) Pending() bool {
	return len(d.buf) > 0
}

// EncodeMessage wraps payload in the 5-byte gRPC message prefix.
// Compression is always "identity"; the flag byte exists for wire
// compatibility but this engine never sets it.
func EncodeMessage(payload []byte) []byte {
	out := make([]byte, prefixLen+len(payload))
	out[0] = 0
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[prefixLen:], payload)
	return out
}

// SplitFrames splits a length-prefixed message encoding into chunks no
// larger than maxFrameSize, for a transport that must obey HTTP/2's
// MAX_FRAME_SIZE on each individual DATA frame.
func SplitFrames(encoded []byte, maxFrameSize uint32) [][]byte {
	if maxFrameSize == 0 {
		return [][]byte{encoded}
	}
	var chunks [][]byte
	for len(encoded) > 0 {
		n := uint32(len(encoded))
		if n > maxFrameSize {
			n = maxFrameSize
		}
		chunks = append(chunks, encoded[:n])
		encoded = encoded[n:]
	}
	if len(chunks) == 0 {
		chunks = append(chunks, encoded)
	}
	return chunks
}
