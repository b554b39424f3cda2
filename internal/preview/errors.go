package preview

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies every terminal failure the pipeline can report.
// Callers use the kind to decide between retrying and surfacing the failure.
type ErrorKind string

const (
	// KindUnrecognizedFormat means the identifier could not classify the
	// file's container or codec family from its prefix.
	KindUnrecognizedFormat ErrorKind = "unrecognized_format"
	// KindFetchTimeout means a byte-range read timed out. Transient.
	KindFetchTimeout ErrorKind = "fetch_timeout"
	// KindHostUnreachable means the remote host could not be reached.
	KindHostUnreachable ErrorKind = "host_unreachable"
	// KindTruncated means the source delivered fewer bytes than promised.
	KindTruncated ErrorKind = "truncated"
	// KindCorruptMedia means decoding failed partway through. Any partial
	// output has been discarded.
	KindCorruptMedia ErrorKind = "corrupt_media"
	// KindUnsupportedCodec means no decoder/encoder path exists for the
	// container and codec combination.
	KindUnsupportedCodec ErrorKind = "unsupported_codec"
	// KindResourceExhausted means native decode resources were unavailable
	// under current load. Transient; retry after backoff.
	KindResourceExhausted ErrorKind = "resource_exhausted"
	// KindOverloaded means the scheduler's queue depth limit was exceeded.
	// Transient.
	KindOverloaded ErrorKind = "overloaded"
	// KindTimeout means the per-job wall-clock timeout expired.
	KindTimeout ErrorKind = "timeout"
	// KindCancelled means the request was cancelled by its originator.
	KindCancelled ErrorKind = "cancelled"
	// KindInternal covers failures outside the defined taxonomy.
	KindInternal ErrorKind = "internal"
)

// Transient reports whether a failure of this kind is safe for the caller
// to retry with backoff. The pipeline itself never retries.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindFetchTimeout, KindResourceExhausted, KindOverloaded:
		return true
	}
	return false
}

// Error is the typed error every terminal pipeline state reports. The Kind
// is always set; Op names the failing operation and Err carries the cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind through sentinel errors built with E.
func (e *Error) Is(target error) bool {
	var pe *Error
	if errors.As(target, &pe) {
		return pe.Kind == e.Kind && (pe.Op == "" || pe.Op == e.Op)
	}
	return false
}

// E builds an Error with the given kind, operation and cause.
func E(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error with a formatted cause.
func Errorf(kind ErrorKind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from err. Context cancellation and deadline
// errors map to their pipeline kinds; anything else unclassified reports
// KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsTransient reports whether err classifies as retryable.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}
