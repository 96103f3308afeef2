package statesync

import (
	"fmt"

	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/deadletter"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/pool"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/queue"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/retry"
)

// Config is the full configuration surface of the state-sync client.
// It is fixed at construction and never mutated afterwards.
type Config struct {
	// Endpoint is the remote document store address, used by the
	// composition root to build the store transport.
	Endpoint string
	// Credentials is the opaque secret blob handed to the transport.
	Credentials string

	Pool  pool.Config
	Retry retry.Policy
	Queue queue.Config

	// SubscriptionBuffer is the per-subscription event channel size.
	// Default 256.
	SubscriptionBuffer int

	// DeadLetterSink receives write tasks that exhausted their retries.
	// Optional; when nil, dead letters are only logged. The client owns
	// the sink and closes it on Close.
	DeadLetterSink deadletter.Sink
}

// Validate checks every nested section.
func (c Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if c.SubscriptionBuffer < 0 {
		return fmt.Errorf("invalid client config: SubscriptionBuffer must be >= 0")
	}
	return nil
}
