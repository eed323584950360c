package framing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2/hpack"

	"github.com/grpclite/grpclite/internal/grpcutil"
	"github.com/grpclite/grpclite/metadata"
	"github.com/grpclite/grpclite/status"
)

// ContentType is the only content-type this engine speaks; JSON
// transcoding and gRPC-Web are out of scope.
const ContentType = "application/grpc+proto"

// RequestHeaders is the parsed form of a request HEADERS block.
type RequestHeaders struct {
	Method      string // always POST
	Scheme      string
	Path        string // "/service/method"
	Authority   string
	ContentType string
	UserAgent   string
	Timeout     *time.Duration
	Custom      metadata.MD
}

// BuildRequestHeaders renders h as an ordered HPACK field list: pseudo
// headers first in a fixed order (:method :scheme :path :authority),
// then content-type/te/user-agent/grpc-timeout, then custom metadata in
// the order it was set.
func BuildRequestHeaders(h RequestHeaders) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: h.Scheme},
		{Name: ":path", Value: h.Path},
		{Name: ":authority", Value: h.Authority},
		{Name: "content-type", Value: h.ContentType},
		{Name: "te", Value: "trailers"},
	}
	if h.UserAgent != "" {
		fields = append(fields, hpack.HeaderField{Name: "user-agent", Value: h.UserAgent})
	}
	if h.Timeout != nil {
		fields = append(fields, hpack.HeaderField{Name: "grpc-timeout", Value: grpcutil.EncodeTimeout(*h.Timeout)})
	}
	fields = append(fields, customToFields(h.Custom)...)
	return fields
}

// ParseRequestHeaders is the inverse of BuildRequestHeaders.
func ParseRequestHeaders(fields []hpack.HeaderField) (RequestHeaders, error) {
	h := RequestHeaders{}
	for _, f := range fields {
		name := strings.ToLower(f.Name)
		switch {
		case name == ":method":
			h.Method = f.Value
		case name == ":scheme":
			h.Scheme = f.Value
		case name == ":path":
			h.Path = f.Value
		case name == ":authority":
			h.Authority = f.Value
		case name == "content-type":
			h.ContentType = f.Value
		case name == "user-agent":
			h.UserAgent = f.Value
		case name == "te":
			// required to be "trailers"; nothing to store.
		case name == "grpc-timeout":
			d, err := grpcutil.DecodeTimeout(f.Value)
			if err != nil {
				return h, err
			}
			h.Timeout = &d
		case strings.HasPrefix(name, ":"):
			// unknown pseudo-header, ignore
		default:
			h.Custom = appendCustom(h.Custom, f)
		}
	}
	if h.Path == "" {
		return h, fmt.Errorf("framing: request headers missing :path")
	}
	return h, nil
}

// ResponseHeaders is the parsed form of a non-trailers-only response
// HEADERS block (the one preceding any DATA).
type ResponseHeaders struct {
	HTTPStatus  int
	ContentType string
	Custom      metadata.MD
}

// BuildResponseHeaders renders h with :status first, followed by
// content-type and any custom metadata.
func BuildResponseHeaders(h ResponseHeaders) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":status", Value: strconv.Itoa(h.HTTPStatus)},
		{Name: "content-type", Value: h.ContentType},
	}
	fields = append(fields, customToFields(h.Custom)...)
	return fields
}

// ParseResponseHeaders is the inverse of BuildResponseHeaders.
func ParseResponseHeaders(fields []hpack.HeaderField) (ResponseHeaders, error) {
	h := ResponseHeaders{HTTPStatus: 200}
	for _, f := range fields {
		name := strings.ToLower(f.Name)
		switch {
		case name == ":status":
			v, err := strconv.Atoi(f.Value)
			if err != nil {
				return h, fmt.Errorf("framing: invalid :status %q: %w", f.Value, err)
			}
			h.HTTPStatus = v
		case name == "content-type":
			h.ContentType = f.Value
		case strings.HasPrefix(name, ":"):
		default:
			h.Custom = appendCustom(h.Custom, f)
		}
	}
	return h, nil
}

// Trailers is the parsed form of the terminating HEADERS frame, carrying
// the gRPC terminal status for the stream.
type Trailers struct {
	Code    status.Code
	Message string
	Custom  metadata.MD
	// HadStatus records whether grpc-status was present at all; its
	// absence on stream close is itself UNKNOWN.
	HadStatus bool
}

// BuildTrailers renders the terminating HEADERS frame's fields. When
// trailersOnly is true, :status/content-type are included too,
// producing a trailers-only response.
func BuildTrailers(t Trailers, trailersOnly bool) []hpack.HeaderField {
	var fields []hpack.HeaderField
	if trailersOnly {
		fields = append(fields,
			hpack.HeaderField{Name: ":status", Value: "200"},
			hpack.HeaderField{Name: "content-type", Value: ContentType},
		)
	}
	fields = append(fields,
		hpack.HeaderField{Name: "grpc-status", Value: strconv.FormatUint(uint64(t.Code), 10)},
	)
	if t.Message != "" {
		fields = append(fields, hpack.HeaderField{Name: "grpc-message", Value: percentEncode(t.Message)})
	}
	fields = append(fields, customToFields(t.Custom)...)
	return fields
}

// ParseTrailers parses either a dedicated trailers HEADERS block or a
// trailers-only response HEADERS block (the caller does not need to
// distinguish the two; any grpc-status present is the terminal status).
func ParseTrailers(fields []hpack.HeaderField) Trailers {
	t := Trailers{Code: status.Unknown}
	for _, f := range fields {
		name := strings.ToLower(f.Name)
		switch {
		case name == "grpc-status":
			if v, err := strconv.ParseUint(f.Value, 10, 32); err == nil {
				t.Code = status.Code(v)
				t.HadStatus = true
			}
		case name == "grpc-message":
			t.Message = percentDecode(f.Value)
		case name == ":status" || name == "content-type":
			// trailers-only framing detail, not part of the terminal status itself.
		case strings.HasPrefix(name, ":"):
		default:
			t.Custom = appendCustom(t.Custom, f)
		}
	}
	return t
}

func customToFields(md metadata.MD) []hpack.HeaderField {
	fields := make([]hpack.HeaderField, 0, len(md))
	for _, p := range md {
		value := p.Value
		if metadata.IsBinary(p.Name) {
			value = metadata.EncodeBinValue([]byte(value))
		}
		fields = append(fields, hpack.HeaderField{Name: p.Name, Value: value})
	}
	return fields
}

func appendCustom(md metadata.MD, f hpack.HeaderField) metadata.MD {
	value := f.Value
	if metadata.IsBinary(f.Name) {
		if decoded, err := metadata.DecodeBinValue(value); err == nil {
			value = string(decoded)
		}
	}
	return md.Append(f.Name, value)
}

// percentEncode implements the minimal percent-encoding grpc-message
// requires for non-ASCII/control bytes in grpc-message.
func percentEncode(s string) string {
	needsEscape := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c > 0x7e || c == '%' {
			needsEscape = true
			break
		}
	}
	if !needsEscape {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c > 0x7e || c == '%' {
			fmt.Fprintf(&sb, "%%%02X", c)
		} else {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func percentDecode(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				sb.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
