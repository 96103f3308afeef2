package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/obs"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/retry"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/statedoc"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/store"
	"github.com/thom899g/autonomous-self-supervised-trading-network/pkg/exception"
)

const defaultEventBuffer = 256

// Status is the lifecycle state of a subscription.
type Status uint32

const (
	StatusActive Status = iota
	StatusReconnecting
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler receives one change event per invocation. Delivery is
// at-least-once: handlers must tolerate duplicate events.
type Handler func(event store.ChangeEvent)

// Subscription is a live change-stream registration for one path.
type Subscription struct {
	id      uint64
	path    statedoc.Path
	handler Handler
	events  chan store.ChangeEvent

	status uint32
	cancel context.CancelFunc
	once   sync.Once
}

// Path returns the watched document path.
func (s *Subscription) Path() statedoc.Path { return s.path }

// Status returns the current subscription status.
func (s *Subscription) Status() Status {
	return Status(atomic.LoadUint32(&s.status))
}

func (s *Subscription) setStatus(st Status) {
	atomic.StoreUint32(&s.status, uint32(st))
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		s.setStatus(StatusClosed)
		s.cancel()
	})
}

// Manager owns one listener goroutine per subscription. Listeners watch
// the remote store over dedicated sessions so long-lived streams never
// starve the write pool, and re-establish themselves with backoff on
// disconnect.
type Manager struct {
	store   store.Store
	policy  retry.Policy
	metrics *obs.Metrics
	buffer  int

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	ctx    context.Context
	closed bool
	wg     sync.WaitGroup
}

// NewManager creates a subscription manager.
func NewManager(st store.Store, policy retry.Policy, metrics *obs.Metrics, buffer int) *Manager {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Manager{
		store:   st,
		policy:  policy.Normalized(),
		metrics: metrics,
		buffer:  buffer,
		subs:    make(map[uint64]*Subscription),
	}
}

// Start fixes the root context for listener goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		m.ctx = ctx
	}
}

// Subscribe registers a handler for change events on path and starts its
// listener.
func (m *Manager) Subscribe(path statedoc.Path, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, exception.ErrNilHandler
	}
	if err := path.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed || m.ctx == nil {
		m.mu.Unlock()
		return nil, exception.ErrShutdown
	}
	m.nextID++
	ctx, cancel := context.WithCancel(m.ctx)
	sub := &Subscription{
		id:      m.nextID,
		path:    path,
		handler: handler,
		events:  make(chan store.ChangeEvent, m.buffer),
		cancel:  cancel,
	}
	sub.setStatus(StatusReconnecting)
	m.subs[sub.id] = sub
	m.wg.Add(2)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.listen(ctx, sub)
	}()
	go func() {
		defer m.wg.Done()
		m.dispatch(ctx, sub)
	}()
	return sub, nil
}

// Unsubscribe stops delivery for a subscription. Safe to call more than
// once.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	delete(m.subs, sub.id)
	m.mu.Unlock()
	sub.stop()
}

// Count returns the number of registered subscriptions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close cancels every listener and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[uint64]*Subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	m.wg.Wait()
}

// listen owns the watch stream for one subscription and pushes events
// into its bounded channel. On disconnect it reconnects with the same
// backoff policy writes use.
func (m *Manager) listen(ctx context.Context, sub *Subscription) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		sess, err := m.store.Connect(ctx)
		if err != nil {
			sub.setStatus(StatusReconnecting)
			attempt++
			if !sleep(ctx, m.policy.Delay(attempt-1)) {
				return
			}
			continue
		}

		stream, err := sess.Watch(ctx, sub.path)
		if err != nil {
			_ = sess.Close()
			sub.setStatus(StatusReconnecting)
			attempt++
			if !sleep(ctx, m.policy.Delay(attempt-1)) {
				return
			}
			continue
		}

		if attempt > 0 {
			m.metrics.IncReconnects()
			logs.Infof("subscription: re-established watch, path=%s attempts=%d", sub.path, attempt)
		}
		attempt = 0
		sub.setStatus(StatusActive)

		m.pump(ctx, sub, stream)
		_ = stream.Close()
		_ = sess.Close()

		if ctx.Err() != nil {
			return
		}
		sub.setStatus(StatusReconnecting)
		attempt++
		if !sleep(ctx, m.policy.Delay(attempt-1)) {
			return
		}
	}
}

// pump forwards stream events into the subscription channel until the
// stream disconnects or the subscription is canceled.
func (m *Manager) pump(ctx context.Context, sub *Subscription, stream store.Stream) {
	for {
		event, err := stream.Recv(ctx)
		if err != nil {
			return
		}
		select {
		case sub.events <- event:
		case <-ctx.Done():
			return
		}
	}
}

// dispatch invokes the handler once per event, in delivery order. A
// panicking handler invocation is logged and skipped; delivery continues
// with the next event.
func (m *Manager) dispatch(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sub.events:
			m.deliver(sub, event)
		}
	}
}

func (m *Manager) deliver(sub *Subscription, event store.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.IncHandlerPanics()
			logs.Errorf("subscription: handler panicked, path=%s err=%v", sub.path, r)
		}
	}()
	sub.handler(event)
	m.metrics.IncEventsDelivered()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
