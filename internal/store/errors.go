package store

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Kind classifies a store operation failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindTransient failures are worth retrying: timeouts, resets, 5xx-equivalents.
	KindTransient
	// KindFatal failures cannot succeed on retry: bad credentials, malformed
	// requests, permission denied.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: KindTransient, err: err}
}

// Fatal marks err as not retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: KindFatal, err: err}
}

// KindOf resolves the failure kind of err. Explicit marks win; otherwise
// network timeouts and connection resets count as transient, context
// cancellation and everything else as fatal.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindFatal
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return KindTransient
	}

	return KindFatal
}
