package queue

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/deadletter"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/obs"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/retry"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/statedoc"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/store"
	"github.com/thom899g/autonomous-self-supervised-trading-network/pkg/exception"
)

const (
	defaultMaxSize        = 1024
	defaultWorkers        = 4
	defaultEnqueueTimeout = 5 * time.Second

	sinkAppendTimeout = 5 * time.Second
)

// BackpressurePolicy decides what Enqueue does when the queue is full.
type BackpressurePolicy uint8

const (
	// Block waits up to EnqueueTimeout for space, then fails with ErrQueueFull.
	Block BackpressurePolicy = iota
	// FailFast returns ErrQueueFull immediately.
	FailFast
)

// WorkerState tracks what a drain worker is currently doing.
type WorkerState uint32

const (
	StateIdle WorkerState = iota
	StateInFlight
	StateBackoffWait
)

// Config controls queue sizing and backpressure.
type Config struct {
	// MaxSize bounds queued plus in-flight tasks. Default 1024.
	MaxSize int
	// Workers is the number of drain goroutines. A path always maps to
	// the same worker, so same-path tasks are never reordered. Default 4.
	Workers int
	// Backpressure selects Block or FailFast when the queue is full.
	Backpressure BackpressurePolicy
	// EnqueueTimeout bounds Block-mode waits. Default 5s.
	EnqueueTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = defaultMaxSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = defaultEnqueueTimeout
	}
	return c
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.MaxSize < 0 {
		return fmt.Errorf("invalid queue config: MaxSize must be >= 0")
	}
	if c.Workers < 0 {
		return fmt.Errorf("invalid queue config: Workers must be >= 0")
	}
	if c.EnqueueTimeout < 0 {
		return fmt.Errorf("invalid queue config: EnqueueTimeout must be >= 0")
	}
	if c.Backpressure != Block && c.Backpressure != FailFast {
		return fmt.Errorf("invalid queue config: unknown backpressure policy %d", c.Backpressure)
	}
	return nil
}

// Executor performs one write attempt against the remote store.
type Executor func(ctx context.Context, path statedoc.Path, payload statedoc.Payload) error

// Handle lets an async caller await the outcome of a queued write.
type Handle struct {
	done chan struct{}
	err  error
}

// Done is closed when the task succeeds or is dead-lettered.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the terminal error; valid only after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) resolve(err error) {
	h.err = err
	close(h.done)
}

// Task is one queued write.
type Task struct {
	Path        statedoc.Path
	Payload     statedoc.Payload
	EnqueueTime time.Time
	Attempts    int

	handle *Handle
}

// Queue serializes asynchronous writes per document path and drains them
// with retrying workers. Tasks for the same path are processed strictly
// in submission order; tasks for different paths run concurrently.
type Queue struct {
	cfg     Config
	policy  retry.Policy
	exec    Executor
	sink    deadletter.Sink
	metrics *obs.Metrics

	slots  chan struct{}
	shards []chan *Task
	states []uint32

	mu     sync.RWMutex
	closed bool

	taskWg sync.WaitGroup
	wg     sync.WaitGroup
	done   chan struct{}
	cancel context.CancelFunc

	started uint32
}

// New creates a queue. The sink may be nil; dead letters are then only
// logged.
func New(cfg Config, policy retry.Policy, exec Executor, sink deadletter.Sink, metrics *obs.Metrics) (*Queue, error) {
	if exec == nil {
		return nil, fmt.Errorf("queue: nil executor")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	q := &Queue{
		cfg:     cfg,
		policy:  policy.Normalized(),
		exec:    exec,
		sink:    sink,
		metrics: metrics,
		slots:   make(chan struct{}, cfg.MaxSize),
		shards:  make([]chan *Task, cfg.Workers),
		states:  make([]uint32, cfg.Workers),
		done:    make(chan struct{}),
	}
	for i := 0; i < cfg.MaxSize; i++ {
		q.slots <- struct{}{}
	}
	for i := range q.shards {
		q.shards[i] = make(chan *Task, cfg.MaxSize)
	}
	return q, nil
}

// Start launches the drain workers.
func (q *Queue) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&q.started, 0, 1) {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := range q.shards {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			q.run(runCtx, worker)
		}(i)
	}
	return nil
}

// Enqueue submits an async write. In FailFast mode a full queue returns
// ErrQueueFull immediately; in Block mode the caller waits up to
// EnqueueTimeout first.
func (q *Queue) Enqueue(ctx context.Context, path statedoc.Path, payload statedoc.Payload) (*Handle, error) {
	if q.isClosed() {
		return nil, exception.ErrQueueClosed
	}

	if q.cfg.Backpressure == FailFast {
		select {
		case <-q.slots:
		default:
			q.metrics.IncQueueFull()
			return nil, exception.ErrQueueFull
		}
	} else {
		timer := time.NewTimer(q.cfg.EnqueueTimeout)
		defer timer.Stop()
		select {
		case <-q.slots:
		case <-timer.C:
			q.metrics.IncQueueFull()
			return nil, exception.ErrQueueFull
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, exception.ErrQueueClosed
		}
	}

	task := &Task{
		Path:        path,
		Payload:     payload.Clone(),
		EnqueueTime: time.Now(),
		handle:      &Handle{done: make(chan struct{})},
	}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		q.slots <- struct{}{}
		return nil, exception.ErrQueueClosed
	}
	q.taskWg.Add(1)
	// The slot guarantees shard capacity: total queued tasks never
	// exceed MaxSize and every shard holds MaxSize.
	q.shards[q.workerFor(path)] <- task
	q.mu.RUnlock()

	q.metrics.IncWritesEnqueued()
	return task.handle, nil
}

// Depth returns the number of queued plus in-flight tasks.
func (q *Queue) Depth() int {
	return q.cfg.MaxSize - len(q.slots)
}

// State returns the current state of a worker.
func (q *Queue) State(worker int) WorkerState {
	if worker < 0 || worker >= len(q.states) {
		return StateIdle
	}
	return WorkerState(atomic.LoadUint32(&q.states[worker]))
}

// Close stops intake and lets workers drain for up to grace. Tasks still
// queued past the grace period are dead-lettered exactly once.
func (q *Queue) Close(grace time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.taskWg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		undrained := q.Depth()
		logs.Warnf("queue: grace period expired with %d undrained tasks, dead-lettering", undrained)
		if q.cancel != nil {
			q.cancel()
		}
		<-drained
	}

	close(q.done)
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

func (q *Queue) workerFor(path statedoc.Path) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return int(h.Sum32() % uint32(len(q.shards)))
}

func (q *Queue) run(ctx context.Context, worker int) {
	ch := q.shards[worker]
	for {
		select {
		case task := <-ch:
			q.process(ctx, worker, task)
		case <-q.done:
			for {
				select {
				case task := <-ch:
					q.process(ctx, worker, task)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) setState(worker int, s WorkerState) {
	atomic.StoreUint32(&q.states[worker], uint32(s))
}

// process drives one task through the worker state machine:
// IN_FLIGHT -> IDLE on success, IN_FLIGHT -> BACKOFF_WAIT -> IN_FLIGHT on
// transient failure with attempts remaining, and dead-letter on fatal
// failure or exhaustion.
func (q *Queue) process(ctx context.Context, worker int, task *Task) {
	q.setState(worker, StateInFlight)
	defer func() {
		q.setState(worker, StateIdle)
		q.slots <- struct{}{}
		q.taskWg.Done()
	}()

	for {
		if ctx.Err() != nil {
			q.deadLetter(task, exception.ErrShutdown)
			return
		}

		task.Attempts++
		err := q.exec(ctx, task.Path, task.Payload)
		if err == nil {
			q.metrics.IncWritesCompleted()
			q.metrics.ObserveWrite(time.Since(task.EnqueueTime))
			task.handle.resolve(nil)
			return
		}

		if store.KindOf(err) != store.KindTransient {
			q.deadLetter(task, err)
			return
		}

		q.metrics.IncWritesRetried()
		if task.Attempts >= q.policy.MaxAttempts {
			q.deadLetter(task, &retry.ExhaustedError{Attempts: task.Attempts, Last: err})
			return
		}

		q.setState(worker, StateBackoffWait)
		if !sleep(ctx, q.policy.Delay(task.Attempts-1)) {
			q.deadLetter(task, exception.ErrShutdown)
			return
		}
		q.setState(worker, StateInFlight)
	}
}

// deadLetter records a failed task with full context. Write loss is
// visible, never silent: the record is always logged, and persisted when
// a sink is configured.
func (q *Queue) deadLetter(task *Task, cause error) {
	rec := deadletter.Record{
		Path:          task.Path,
		Payload:       task.Payload,
		PayloadDigest: task.Payload.Digest(),
		Attempts:      task.Attempts,
		LastErrorKind: store.KindOf(cause).String(),
		LastError:     cause.Error(),
		Timestamp:     time.Now().UTC(),
	}
	logs.Errorf("queue: dead-lettered write, path=%s digest=%s attempts=%d err=%v",
		rec.Path, rec.PayloadDigest, rec.Attempts, cause)
	q.metrics.IncDeadLetters()

	if q.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sinkAppendTimeout)
		if err := q.sink.Append(ctx, rec); err != nil {
			logs.Errorf("queue: dead-letter sink append failed, path=%s err=%v", rec.Path, err)
		}
		cancel()
	}

	task.handle.resolve(cause)
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
