// Package metadata implements the ordered, case-insensitive header/trailer
// container gRPC calls use for custom metadata: it is deliberately not
// a plain map, since duplicate names and their relative order must
// survive a round trip.
package metadata

import (
	"encoding/base64"
	"strings"
)

// Pair is one (name, value) metadata entry as it appears on the wire,
// after HPACK decoding and any -bin base64 decoding.
type Pair struct {
	Name  string
	Value string
}

// MD is an ordered sequence of metadata pairs. New and Append store names
// lower-cased, and Get matches names case-insensitively.
type MD []Pair

// New builds an MD from a flat "name1", "value1", "name2", "value2", ...
// list, the same helper shape grpc.metadata.New/Pairs use.
func New(kv ...string) MD {
	if len(kv)%2 != 0 {
		panic("metadata: New requires an even number of arguments")
	}
	md := make(MD, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		md = append(md, Pair{Name: strings.ToLower(kv[i]), Value: kv[i+1]})
	}
	return md
}

// IsBinary reports whether name is a binary-valued header (ends in "-bin"),
// which carries base64-encoded raw bytes on the wire per the gRPC HTTP/2 mapping.
func IsBinary(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), "-bin")
}

// Append adds one metadata pair, preserving existing entries of the same name.
func (md MD) Append(name, value string) MD {
	return append(md, Pair{Name: strings.ToLower(name), Value: value})
}

// Get returns all values recorded under name, in insertion order.
func (md MD) Get(name string) []string {
	name = strings.ToLower(name)
	var values []string
	for _, p := range md {
		if p.Name == name {
			values = append(values, p.Value)
		}
	}
	return values
}

// Copy returns an independent copy of md.
func (md MD) Copy() MD {
	cp := make(MD, len(md))
	copy(cp, md)
	return cp
}

// Merge appends every pair of other to a copy of md, preserving order of
// both: md's pairs first, then other's.
func (md MD) Merge(other MD) MD {
	merged := make(MD, 0, len(md)+len(other))
	merged = append(merged, md...)
	merged = append(merged, other...)
	return merged
}

// EncodeBinValue base64-encodes raw bytes for a "-bin" metadata value.
func EncodeBinValue(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBinValue decodes a "-bin" metadata value back into raw bytes.
func DecodeBinValue(v string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(v)
}
