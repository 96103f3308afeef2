package deadletter

import (
	"context"
	"time"

	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/statedoc"
)

// Record is one write task that exhausted its retries. Records are
// persisted append-only; replay order equals write order.
type Record struct {
	Path          statedoc.Path    `json:"path"`
	Payload       statedoc.Payload `json:"payload"`
	PayloadDigest string           `json:"payloadDigest"`
	Attempts      int              `json:"attempts"`
	LastErrorKind string           `json:"lastErrorKind"`
	LastError     string           `json:"lastError"`
	Timestamp     time.Time        `json:"timestamp"`
}

// Sink persists dead-lettered write tasks for later manual replay.
type Sink interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}

func timeFromNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
