package obs

import (
	"sync/atomic"
	"time"
)

// Metrics collects lightweight counters and latency stats for the
// state-sync client. All methods are safe for concurrent use and
// cheap enough to call on the hot path.
type Metrics struct {
	writesEnqueued  uint64
	writesCompleted uint64
	writesRetried   uint64
	deadLetters     uint64
	queueFull       uint64
	poolExhausted   uint64
	reconnects      uint64
	eventsDelivered uint64
	handlerPanics   uint64

	writeLatency LatencyStats
	readLatency  LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	WritesEnqueued  uint64
	WritesCompleted uint64
	WritesRetried   uint64
	DeadLetters     uint64
	QueueFull       uint64
	PoolExhausted   uint64
	Reconnects      uint64
	EventsDelivered uint64
	HandlerPanics   uint64
	WriteLatency    LatencySnapshot
	ReadLatency     LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncWritesEnqueued() {
	if m != nil {
		atomic.AddUint64(&m.writesEnqueued, 1)
	}
}

func (m *Metrics) IncWritesCompleted() {
	if m != nil {
		atomic.AddUint64(&m.writesCompleted, 1)
	}
}

func (m *Metrics) IncWritesRetried() {
	if m != nil {
		atomic.AddUint64(&m.writesRetried, 1)
	}
}

func (m *Metrics) IncDeadLetters() {
	if m != nil {
		atomic.AddUint64(&m.deadLetters, 1)
	}
}

func (m *Metrics) IncQueueFull() {
	if m != nil {
		atomic.AddUint64(&m.queueFull, 1)
	}
}

func (m *Metrics) IncPoolExhausted() {
	if m != nil {
		atomic.AddUint64(&m.poolExhausted, 1)
	}
}

func (m *Metrics) IncReconnects() {
	if m != nil {
		atomic.AddUint64(&m.reconnects, 1)
	}
}

func (m *Metrics) IncEventsDelivered() {
	if m != nil {
		atomic.AddUint64(&m.eventsDelivered, 1)
	}
}

func (m *Metrics) IncHandlerPanics() {
	if m != nil {
		atomic.AddUint64(&m.handlerPanics, 1)
	}
}

// ObserveWrite records the latency of one completed write attempt chain.
func (m *Metrics) ObserveWrite(d time.Duration) {
	if m != nil {
		m.writeLatency.observe(d)
	}
}

// ObserveRead records the latency of one completed read.
func (m *Metrics) ObserveRead(d time.Duration) {
	if m != nil {
		m.readLatency.observe(d)
	}
}

func (s *LatencyStats) observe(d time.Duration) {
	if d < 0 {
		return
	}
	n := uint64(d)
	atomic.AddUint64(&s.count, 1)
	atomic.AddUint64(&s.sum, n)
	for {
		max := atomic.LoadUint64(&s.max)
		if n <= max || atomic.CompareAndSwapUint64(&s.max, max, n) {
			return
		}
	}
}

func (s *LatencyStats) snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&s.count)
	sum := atomic.LoadUint64(&s.sum)
	out := LatencySnapshot{
		Count: count,
		Max:   time.Duration(atomic.LoadUint64(&s.max)),
	}
	if count > 0 {
		out.Avg = time.Duration(sum / count)
	}
	return out
}

// Snapshot captures the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		WritesEnqueued:  atomic.LoadUint64(&m.writesEnqueued),
		WritesCompleted: atomic.LoadUint64(&m.writesCompleted),
		WritesRetried:   atomic.LoadUint64(&m.writesRetried),
		DeadLetters:     atomic.LoadUint64(&m.deadLetters),
		QueueFull:       atomic.LoadUint64(&m.queueFull),
		PoolExhausted:   atomic.LoadUint64(&m.poolExhausted),
		Reconnects:      atomic.LoadUint64(&m.reconnects),
		EventsDelivered: atomic.LoadUint64(&m.eventsDelivered),
		HandlerPanics:   atomic.LoadUint64(&m.handlerPanics),
		WriteLatency:    m.writeLatency.snapshot(),
		ReadLatency:     m.readLatency.snapshot(),
	}
}
