package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/store"
	"github.com/thom899g/autonomous-self-supervised-trading-network/pkg/exception"
)

const (
	defaultMaxSize        = 4
	defaultAcquireTimeout = 5 * time.Second
	defaultIdleTimeout    = time.Minute

	probeStrikes = 2
)

// Config controls pool sizing and health policy.
type Config struct {
	// MaxSize caps concurrently borrowed connections. Default 4.
	MaxSize int
	// AcquireTimeout bounds how long Acquire blocks when the pool is
	// exhausted. Ignored in FailFast mode. Default 5s.
	AcquireTimeout time.Duration
	// FailFast makes Acquire return ErrPoolExhausted immediately instead
	// of waiting for a free connection.
	FailFast bool
	// IdleTimeout is the idle threshold after which a connection is
	// probed before being handed out. Default 1m.
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = defaultMaxSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaultAcquireTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	return c
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.MaxSize < 0 {
		return fmt.Errorf("invalid pool config: MaxSize must be >= 0")
	}
	if c.AcquireTimeout < 0 {
		return fmt.Errorf("invalid pool config: AcquireTimeout must be >= 0")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("invalid pool config: IdleTimeout must be >= 0")
	}
	return nil
}

// Conn is a pooled session borrowed exclusively by one caller.
type Conn struct {
	sess       store.Session
	lastUsed   time.Time
	probeFails int
}

// Session exposes the underlying store session.
func (c *Conn) Session() store.Session { return c.sess }

// Pool manages a bounded set of live sessions. Connections are created
// lazily on acquire and healed lazily: a retired connection is not
// replaced until the next acquire needs one.
type Pool struct {
	cfg   Config
	store store.Store

	permits chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	idle     []*Conn
	borrowed int

	started uint32
	closed  uint32
	wg      sync.WaitGroup
}

// New creates a pool over the given store.
func New(st store.Store, cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	p := &Pool{
		cfg:     cfg,
		store:   st,
		permits: make(chan struct{}, cfg.MaxSize),
		done:    make(chan struct{}),
	}
	for i := 0; i < cfg.MaxSize; i++ {
		p.permits <- struct{}{}
	}
	return p, nil
}

// Start runs the background maintenance loop that probes idle connections.
func (p *Pool) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&p.started, 0, 1) {
		return nil
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.maintain(ctx)
	}()
	return nil
}

// Acquire returns a healthy connection, blocking up to AcquireTimeout
// (or failing immediately in FailFast mode) when all connections are
// borrowed.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if atomic.LoadUint32(&p.closed) != 0 {
		return nil, exception.ErrPoolClosed
	}

	if p.cfg.FailFast {
		select {
		case <-p.permits:
		default:
			return nil, exception.ErrPoolExhausted
		}
	} else {
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		select {
		case <-p.permits:
		case <-timer.C:
			return nil, exception.ErrPoolExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, exception.ErrPoolClosed
		}
	}

	conn, err := p.checkout(ctx)
	if err != nil {
		p.returnPermit()
		return nil, err
	}
	p.mu.Lock()
	p.borrowed++
	p.mu.Unlock()
	return conn, nil
}

// Release returns a connection to the pool. A connection reported broken
// is discarded; its replacement is created lazily on a later acquire.
func (p *Pool) Release(conn *Conn, broken bool) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	p.borrowed--
	closed := atomic.LoadUint32(&p.closed) != 0
	if broken || closed {
		p.mu.Unlock()
		_ = conn.sess.Close()
		if broken && !closed {
			logs.Warnf("pool: discarded broken connection, idle=%d", p.IdleCount())
		}
		p.returnPermit()
		return
	}
	conn.lastUsed = time.Now()
	conn.probeFails = 0
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
	p.returnPermit()
}

// Borrowed returns the number of currently borrowed connections.
func (p *Pool) Borrowed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.borrowed
}

// IdleCount returns the number of idle pooled connections.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close retires every idle connection and unblocks pending acquires.
// Borrowed connections are closed as they are released.
func (p *Pool) Close() {
	if !atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		return
	}
	close(p.done)

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, conn := range idle {
		_ = conn.sess.Close()
	}
	p.wg.Wait()
}

func (p *Pool) returnPermit() {
	select {
	case p.permits <- struct{}{}:
	default:
	}
}

// checkout pops an idle connection, probing stale ones, or dials a new
// session when none is usable.
func (p *Pool) checkout(ctx context.Context) (*Conn, error) {
	for {
		p.mu.Lock()
		if len(p.idle) == 0 {
			p.mu.Unlock()
			break
		}
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		if time.Since(conn.lastUsed) < p.cfg.IdleTimeout {
			return conn, nil
		}
		if err := conn.sess.Ping(ctx); err == nil {
			conn.probeFails = 0
			return conn, nil
		}
		conn.probeFails++
		if conn.probeFails >= probeStrikes {
			_ = conn.sess.Close()
			logs.Warnf("pool: retired connection after %d failed probes", conn.probeFails)
			continue
		}
		// One strike: keep it at the back of the idle list and try another.
		p.mu.Lock()
		if atomic.LoadUint32(&p.closed) != 0 {
			p.mu.Unlock()
			_ = conn.sess.Close()
			return nil, exception.ErrPoolClosed
		}
		p.idle = append([]*Conn{conn}, p.idle...)
		p.mu.Unlock()
		break
	}

	sess, err := p.store.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{sess: sess, lastUsed: time.Now()}, nil
}

func (p *Pool) maintain(ctx context.Context) {
	interval := p.cfg.IdleTimeout / 2
	if interval <= 0 {
		interval = defaultIdleTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.probeIdle(ctx)
		}
	}
}

func (p *Pool) probeIdle(ctx context.Context) {
	p.mu.Lock()
	stale := make([]*Conn, 0, len(p.idle))
	kept := p.idle[:0]
	for _, conn := range p.idle {
		if time.Since(conn.lastUsed) >= p.cfg.IdleTimeout {
			stale = append(stale, conn)
		} else {
			kept = append(kept, conn)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, conn := range stale {
		if err := conn.sess.Ping(ctx); err != nil {
			conn.probeFails++
			if conn.probeFails >= probeStrikes {
				_ = conn.sess.Close()
				logs.Warnf("pool: retired idle connection after %d failed probes", conn.probeFails)
				continue
			}
		} else {
			conn.probeFails = 0
			conn.lastUsed = time.Now()
		}
		p.returnIdle(conn)
	}
}

// returnIdle re-adds a probed connection. The pool may have closed while
// the probe's Ping was in flight; the connection is then closed instead
// of re-added, so Close never strands a session.
func (p *Pool) returnIdle(conn *Conn) {
	p.mu.Lock()
	if atomic.LoadUint32(&p.closed) != 0 {
		p.mu.Unlock()
		_ = conn.sess.Close()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}
