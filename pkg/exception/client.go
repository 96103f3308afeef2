package exception

import "errors"

// Client-facing errors
var (
	ErrEmptyPath        = errors.New("statesync: empty document path")
	ErrInvalidPath      = errors.New("statesync: invalid document path")
	ErrInvalidPayload   = errors.New("statesync: payload is not serializable")
	ErrEmptyPayload     = errors.New("statesync: empty payload")
	ErrNilHandler       = errors.New("statesync: nil subscription handler")
	ErrShutdown         = errors.New("statesync: client is shutting down")
	ErrRetriesExhausted = errors.New("statesync: retries exhausted")
)
