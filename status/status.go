// Package status implements the canonical gRPC status codes and the
// error type used to carry them across the wire as trailers.
package status

import (
	"errors"
	"fmt"

	"github.com/grpclite/grpclite/metadata"
)

// Code is the canonical gRPC status code enumeration (grpc-status wire values).
type Code uint32

const (
	OK                 Code = 0
	Canceled           Code = 1
	Unknown            Code = 2
	InvalidArgument    Code = 3
	DeadlineExceeded   Code = 4
	NotFound           Code = 5
	AlreadyExists      Code = 6
	PermissionDenied   Code = 7
	ResourceExhausted  Code = 8
	FailedPrecondition Code = 9
	Aborted            Code = 10
	OutOfRange         Code = 11
	Unimplemented      Code = 12
	Internal           Code = 13
	Unavailable        Code = 14
	DataLoss           Code = 15
	Unauthenticated    Code = 16
)

var codeNames = map[Code]string{
	OK:                 "OK",
	Canceled:           "CANCELLED",
	Unknown:            "UNKNOWN",
	InvalidArgument:    "INVALID_ARGUMENT",
	DeadlineExceeded:   "DEADLINE_EXCEEDED",
	NotFound:           "NOT_FOUND",
	AlreadyExists:      "ALREADY_EXISTS",
	PermissionDenied:   "PERMISSION_DENIED",
	ResourceExhausted:  "RESOURCE_EXHAUSTED",
	FailedPrecondition: "FAILED_PRECONDITION",
	Aborted:            "ABORTED",
	OutOfRange:         "OUT_OF_RANGE",
	Unimplemented:      "UNIMPLEMENTED",
	Internal:           "INTERNAL",
	Unavailable:        "UNAVAILABLE",
	DataLoss:           "DATA_LOSS",
	Unauthenticated:    "UNAUTHENTICATED",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE(%d)", uint32(c))
}

// Status carries a gRPC terminal status: code, message, and trailing metadata.
// Once constructed it is immutable, matching the Call invariant that a
// terminal status is set at most once.
type Status struct {
	code    Code
	message string
	trailer metadata.MD
}

// New builds a Status. It does not itself transmit anything.
func New(code Code, message string) *Status {
	return &Status{code: code, message: message}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(code Code, format string, args ...interface{}) *Status {
	return New(code, fmt.Sprintf(format, args...))
}

// WithTrailer returns a copy of s carrying the given trailing metadata.
func (s *Status) WithTrailer(md metadata.MD) *Status {
	cp := *s
	cp.trailer = md
	return &cp
}

func (s *Status) Code() Code { return s.code }

func (s *Status) Message() string { return s.message }

func (s *Status) Trailer() metadata.MD { return s.trailer }

// Err returns s as an error, or nil if s is OK or nil.
func (s *Status) Err() error {
	if s == nil || s.code == OK {
		return nil
	}
	return (*statusError)(s)
}

// statusError adapts *Status to the error interface without exposing
// mutable Status methods on the error value handed to callers.
type statusError Status

func (e *statusError) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", Code(e.code), e.message)
}

func (e *statusError) GRPCStatus() *Status {
	return (*Status)(e)
}

// Error constructs an error carrying code and message in one call, the
// shape handlers raise to set an explicit status.
func Error(code Code, message string) error {
	return New(code, message).Err()
}

// Errorf is Error with fmt.Sprintf formatting.
func Errorf(code Code, format string, args ...interface{}) error {
	return Newf(code, format, args...).Err()
}

// FromError unwraps err into a *Status. Any error that does not carry a
// GRPCStatus() method (i.e. did not originate from this package) is
// reported as Unknown, carrying err's own message.
func FromError(err error) (*Status, bool) {
	if err == nil {
		return New(OK, ""), true
	}
	var withStatus interface{ GRPCStatus() *Status }
	if errors.As(err, &withStatus) {
		return withStatus.GRPCStatus(), true
	}
	return New(Unknown, err.Error()), false
}

// FromCode returns the gRPC code carried by err, or Unknown/OK per FromError's rules.
func FromCode(err error) Code {
	s, _ := FromError(err)
	return s.Code()
}

// FromHTTPStatus maps a non-200 HTTP :status on the response HEADERS to
// the gRPC code a client should report when a stream fails before the
// server ever produces grpc-status.
func FromHTTPStatus(httpStatus int) Code {
	switch httpStatus {
	case 401:
		return Unauthenticated
	case 403:
		return PermissionDenied
	case 404:
		return Unimplemented
	case 429, 502, 503, 504:
		return Unavailable
	default:
		return Unknown
	}
}
