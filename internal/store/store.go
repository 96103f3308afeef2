package store

import (
	"context"
	"time"

	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/statedoc"
)

// ChangeEvent is one document update delivered on a watch stream.
type ChangeEvent struct {
	Path      statedoc.Path
	Payload   statedoc.Payload
	Timestamp time.Time
}

// Stream delivers change events for a single watched path.
// Recv returns an error when the stream disconnects; the caller is
// responsible for re-establishing the watch.
type Stream interface {
	Recv(ctx context.Context) (ChangeEvent, error)
	Close() error
}

// Session is one authenticated connection to the remote document store.
// A session is borrowed exclusively; it is never used concurrently.
type Session interface {
	Put(ctx context.Context, path statedoc.Path, payload statedoc.Payload) error
	Get(ctx context.Context, path statedoc.Path) (statedoc.Payload, bool, error)
	Watch(ctx context.Context, path statedoc.Path) (Stream, error)
	Ping(ctx context.Context) error
	Close() error
}

// Store establishes sessions to the remote document store.
type Store interface {
	Connect(ctx context.Context) (Session, error)
}
