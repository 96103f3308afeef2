package statesync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/obs"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/pool"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/queue"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/retry"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/statedoc"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/store"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/subscription"
	"github.com/thom899g/autonomous-self-supervised-trading-network/pkg/exception"
)

// WriteMode selects how Write behaves.
type WriteMode uint8

const (
	// ModeAsync enqueues the write and returns a handle immediately.
	ModeAsync WriteMode = iota
	// ModeSync performs the write inline and blocks until success or
	// fatal failure.
	ModeSync
)

// Client is the single entry point for durable trading-state movement:
// writes are queued and drained by background workers over pooled
// connections, reads run inline with the retry policy, and
// subscriptions maintain their own reconnecting watch streams.
//
// Exactly one Client is constructed per process, at the composition
// root, and passed by reference to every consumer. The instance owns
// its pool, queue and listeners; Close tears all of them down exactly
// once.
type Client struct {
	cfg     Config
	store   store.Store
	pool    *pool.Pool
	queue   *queue.Queue
	subs    *subscription.Manager
	policy  retry.Policy
	metrics *obs.Metrics

	cancel context.CancelFunc
	closed uint32
}

// New constructs and starts a client over the given store transport.
func New(cfg Config, st store.Store) (*Client, error) {
	if st == nil {
		return nil, exception.ErrConnection
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		store:   st,
		policy:  cfg.Retry.Normalized(),
		metrics: obs.NewMetrics(),
	}

	p, err := pool.New(st, cfg.Pool)
	if err != nil {
		return nil, err
	}
	c.pool = p

	q, err := queue.New(cfg.Queue, c.policy, c.putOnce, cfg.DeadLetterSink, c.metrics)
	if err != nil {
		c.pool.Close()
		return nil, err
	}
	c.queue = q

	c.subs = subscription.NewManager(st, c.policy, c.metrics, cfg.SubscriptionBuffer)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	_ = c.pool.Start(ctx)
	_ = c.queue.Start(ctx)
	c.subs.Start(ctx)
	return c, nil
}

// Write persists payload under path. Validation failures surface
// synchronously before any network attempt. ModeAsync returns a handle
// that resolves when the task succeeds or is dead-lettered; ModeSync
// returns a nil handle and blocks until the write settles.
func (c *Client) Write(ctx context.Context, path statedoc.Path, payload statedoc.Payload, mode WriteMode) (*queue.Handle, error) {
	if c.isClosed() {
		return nil, exception.ErrShutdown
	}
	if err := path.Validate(); err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	if mode == ModeSync {
		start := time.Now()
		err := c.policy.Do(ctx, func(ctx context.Context) error {
			return c.putOnce(ctx, path, payload)
		})
		if err == nil {
			c.metrics.IncWritesCompleted()
			c.metrics.ObserveWrite(time.Since(start))
		}
		return nil, err
	}

	handle, err := c.queue.Enqueue(ctx, path, payload)
	if errors.Is(err, exception.ErrQueueClosed) {
		return nil, exception.ErrShutdown
	}
	return handle, err
}

// Read fetches the current payload for path. A never-written path
// returns found=false with a nil error and performs no retries.
func (c *Client) Read(ctx context.Context, path statedoc.Path) (statedoc.Payload, bool, error) {
	if c.isClosed() {
		return nil, false, exception.ErrShutdown
	}
	if err := path.Validate(); err != nil {
		return nil, false, err
	}

	var (
		payload statedoc.Payload
		found   bool
	)
	start := time.Now()
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		payload, found, err = c.getOnce(ctx, path)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	c.metrics.ObserveRead(time.Since(start))
	return payload, found, nil
}

// Subscribe registers handler for change events on path.
func (c *Client) Subscribe(path statedoc.Path, handler subscription.Handler) (*subscription.Subscription, error) {
	if c.isClosed() {
		return nil, exception.ErrShutdown
	}
	return c.subs.Subscribe(path, handler)
}

// Unsubscribe stops delivery for a subscription; idempotent.
func (c *Client) Unsubscribe(sub *subscription.Subscription) {
	c.subs.Unsubscribe(sub)
}

// Metrics returns a snapshot of client counters.
func (c *Client) Metrics() obs.Snapshot {
	return c.metrics.Snapshot()
}

// Close shuts the client down: intake stops immediately, the write
// queue drains for up to grace, then remaining tasks are dead-lettered,
// listeners are canceled and pooled connections closed. Safe to call
// concurrently with in-flight operations; tears down exactly once.
func (c *Client) Close(grace time.Duration) {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return
	}
	logs.Infof("statesync: closing, grace=%s queued=%d", grace, c.queue.Depth())

	c.queue.Close(grace)
	c.subs.Close()
	c.pool.Close()
	c.cancel()

	if c.cfg.DeadLetterSink != nil {
		if err := c.cfg.DeadLetterSink.Close(); err != nil {
			logs.Errorf("statesync: dead-letter sink close failed, err: %v", err)
		}
	}
	logs.Info("statesync: closed")
}

func (c *Client) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

// putOnce is one write attempt over a pooled connection. The borrowed
// connection is always released before returning.
func (c *Client) putOnce(ctx context.Context, path statedoc.Path, payload statedoc.Payload) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return c.classifyAcquire(err)
	}
	err = conn.Session().Put(ctx, path, payload)
	c.pool.Release(conn, store.KindOf(err) == store.KindTransient)
	return err
}

// getOnce is one read attempt over a pooled connection.
func (c *Client) getOnce(ctx context.Context, path statedoc.Path) (statedoc.Payload, bool, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, false, c.classifyAcquire(err)
	}
	payload, found, err := conn.Session().Get(ctx, path)
	c.pool.Release(conn, store.KindOf(err) == store.KindTransient)
	return payload, found, err
}

// classifyAcquire marks pool exhaustion as transient so the retry
// policy waits for a connection to free up instead of failing the call.
func (c *Client) classifyAcquire(err error) error {
	if errors.Is(err, exception.ErrPoolExhausted) {
		c.metrics.IncPoolExhausted()
		return store.Transient(err)
	}
	return err
}
