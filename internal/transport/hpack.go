package transport

import (
	"bytes"
	"fmt"

	"golang.org/x/net/http2/hpack"
)

// headerCodec owns one connection's HPACK encoder and decoder. HPACK is
// inherently connection-scoped (the dynamic table is shared across every
// stream), so one codec lives on the Conn and every stream funnels
// through it: encoding runs on the writer goroutine, decoding on the
// reader goroutine.
type headerCodec struct {
	enc    *hpack.Encoder
	encBuf bytes.Buffer
	dec    *hpack.Decoder
}

func newHeaderCodec(maxDynamicTableSize uint32) *headerCodec {
	hc := &headerCodec{}
	hc.enc = hpack.NewEncoder(&hc.encBuf)
	hc.dec = hpack.NewDecoder(maxDynamicTableSize, nil)
	return hc
}

// encode renders fields as one HPACK block. The caller is responsible for
// splitting the result across HEADERS+CONTINUATION frames if it exceeds
// MaxFrameSize.
func (hc *headerCodec) encode(fields []hpack.HeaderField) ([]byte, error) {
	hc.encBuf.Reset()
	for _, f := range fields {
		if err := hc.enc.WriteField(f); err != nil {
			return nil, fmt.Errorf("transport: hpack encode: %w", err)
		}
	}
	out := make([]byte, hc.encBuf.Len())
	copy(out, hc.encBuf.Bytes())
	return out, nil
}

// decode reassembles one logical header block (already concatenated
// across any HEADERS+CONTINUATION fragments by the caller) into fields.
func (hc *headerCodec) decode(block []byte) ([]hpack.HeaderField, error) {
	fields, err := hc.dec.DecodeFull(block)
	if err != nil {
		return nil, fmt.Errorf("transport: hpack decode: %w", err)
	}
	return fields, nil
}
