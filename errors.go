package rpcurl

import (
	"errors"
	"fmt"
)

// Kind classifies the errors that can flow out of this package, per the
// error taxonomy: every component surfaces failures through one of these.
type Kind int

const (
	// KindOther is the fallback bucket for errors that don't fit any of
	// the other, more specific kinds.
	KindOther Kind = iota
	// KindNotFound means a symbol, method, or file could not be resolved.
	KindNotFound
	// KindReflectionNotSupported means a ServerSource's remote does not
	// implement the reflection API at all (as opposed to returning
	// NotFound for a particular symbol).
	KindReflectionNotSupported
	// KindInvalidArgument means the caller supplied something that is
	// not a usage error at the flag-parsing layer, but is invalid given
	// the state of the descriptor source or invocation (e.g. a method
	// path missing a separator, an undefined environment variable
	// referenced by -expand-headers).
	KindInvalidArgument
	// KindIO covers file read/write failures.
	KindIO
	// KindProtoEncoding covers descriptor decode/compile failures and
	// request/response (de)serialization failures.
	KindProtoEncoding
	// KindGrpcStatus wraps a non-OK status returned by the server. It is
	// only ever attached to an InvokeResult; it is not meant to be
	// returned as a plain error from the invocation engine.
	KindGrpcStatus
)

// Error is the concrete error type returned by this package's operations.
// Every error predates a Kind, so callers (principally cmd/rpcurl) can
// decide how to print it and what process exit code to use, without
// needing type-switches over dozens of concrete error types.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func newError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// NotFound builds a KindNotFound error describing what could not be found
// and under what name, e.g. NotFound("Symbol", "my.pkg.Service").
func NotFound(kind, name string) error {
	return &Error{Kind: KindNotFound, msg: fmt.Sprintf("%s not found: %s", kind, name)}
}

// ErrReflectionNotSupported is returned by DescriptorSource operations that
// rely on interacting with the reflection service when the source does not
// actually expose the reflection service. When this occurs, an alternate
// source (like file descriptor sets) must be used.
var ErrReflectionNotSupported = &Error{Kind: KindReflectionNotSupported, msg: "server does not support the reflection API"}

// InvalidArgument builds a KindInvalidArgument error.
func InvalidArgument(format string, args ...interface{}) error {
	return newError(KindInvalidArgument, nil, format, args...)
}

// IOError wraps an I/O failure (file read/write).
func IOError(err error, format string, args ...interface{}) error {
	return newError(KindIO, err, format, args...)
}

// ProtoEncodingError wraps a descriptor/message (de)serialization failure.
func ProtoEncodingError(err error, format string, args ...interface{}) error {
	return newError(KindProtoEncoding, err, format, args...)
}

// KindOf reports the Kind of err, defaulting to KindOther for errors that
// don't originate from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

func isNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
