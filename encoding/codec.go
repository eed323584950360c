// Package encoding holds the message codec contract the protocol engine
// treats as opaque: encode(msg) -> bytes, decode(type, bytes) -> msg, no
// partial decoding.
package encoding

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Codec marshals and unmarshals message payloads carried inside gRPC
// length-prefixed frames. The default Codec below is the real
// google.golang.org/protobuf codec; RawCodec exists for callers (proxies,
// tests) that never have the generated .proto type and only need to
// forward or inspect opaque bytes, grounded on the same pass-through
// pattern keploy's grpc proxy integration uses to forward messages it
// cannot decode.
type Codec interface {
	Name() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// ProtoCodec is the default "application/grpc+proto" codec.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("encoding: Marshal: %T does not implement proto.Message", v)
	}
	return proto.Marshal(m)
}

func (ProtoCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("encoding: Unmarshal: %T does not implement proto.Message", v)
	}
	return proto.Unmarshal(data, m)
}

// RawMessage is a byte-slice wrapper that satisfies the minimal shape
// RawCodec needs; it lets a caller that has no generated proto type (a
// transparent proxy, a wire-level test) still flow through a Call.
type RawMessage struct {
	Data []byte
}

// RawCodec passes byte slices through without any (de)serialization.
type RawCodec struct{}

func (RawCodec) Name() string { return "raw" }

func (RawCodec) Marshal(v interface{}) ([]byte, error) {
	rm, ok := v.(*RawMessage)
	if !ok {
		return nil, fmt.Errorf("encoding: RawCodec.Marshal: %T is not *RawMessage", v)
	}
	return rm.Data, nil
}

func (RawCodec) Unmarshal(data []byte, v interface{}) error {
	rm, ok := v.(*RawMessage)
	if !ok {
		return fmt.Errorf("encoding: RawCodec.Unmarshal: %T is not *RawMessage", v)
	}
	rm.Data = append([]byte(nil), data...)
	return nil
}
