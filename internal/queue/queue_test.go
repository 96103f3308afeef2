package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/deadletter"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/obs"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/retry"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/statedoc"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/store"
	"github.com/thom899g/autonomous-self-supervised-trading-network/pkg/exception"
)

type memorySink struct {
	mu      sync.Mutex
	records []deadletter.Record
}

func (s *memorySink) Append(_ context.Context, rec deadletter.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) list() []deadletter.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]deadletter.Record(nil), s.records...)
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:      time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
		MaxAttempts:    6,
		JitterFraction: 0,
	}
}

func storeExecutor(mem *store.MemoryStore) Executor {
	return func(ctx context.Context, path statedoc.Path, payload statedoc.Payload) error {
		sess, err := mem.Connect(ctx)
		if err != nil {
			return err
		}
		defer sess.Close()
		return sess.Put(ctx, path, payload)
	}
}

func TestSamePathFIFOUnderTransientFailures(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	path := statedoc.Path("positions/BTCUSDT")

	// Every write fails transiently on its first attempt.
	var mu sync.Mutex
	attempts := make(map[string]int)
	exec := func(ctx context.Context, p statedoc.Path, payload statedoc.Payload) error {
		mu.Lock()
		attempts[payload.Digest()]++
		first := attempts[payload.Digest()] == 1
		mu.Unlock()
		if first {
			return store.Transient(errors.New("store: write timed out"))
		}
		return storeExecutor(mem)(ctx, p, payload)
	}

	q, err := New(Config{MaxSize: 32, Workers: 4}, fastPolicy(), exec, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	var handles []*Handle
	for i := 1; i <= 5; i++ {
		h, err := q.Enqueue(ctx, path, statedoc.Payload{"v": fmt.Sprintf("v%d", i)})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		handles = append(handles, h)
	}
	for i, h := range handles {
		select {
		case <-h.Done():
			if err := h.Err(); err != nil {
				t.Fatalf("write %d failed: %v", i+1, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("write %d not drained", i+1)
		}
	}

	history := mem.History(path)
	if len(history) != 5 {
		t.Fatalf("applied %d writes, want 5", len(history))
	}
	for i, payload := range history {
		if want := fmt.Sprintf("v%d", i+1); payload["v"] != want {
			t.Fatalf("order broken at %d: got %v want %s", i, payload["v"], want)
		}
	}
	q.Close(time.Second)
}

func TestFailFastQueueFull(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	path := statedoc.Path("positions/BTCUSDT")

	q, err := New(Config{MaxSize: 1, Workers: 1, Backpressure: FailFast},
		retry.Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 6},
		storeExecutor(mem), nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Close(2 * time.Second)

	// Park the first task in backoff so it keeps its queue slot.
	mem.FailNextPuts(path, 2)

	if _, err := q.Enqueue(ctx, path, statedoc.Payload{"v": "first"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, path, statedoc.Payload{"v": "second"}); !errors.Is(err, exception.ErrQueueFull) {
		t.Fatalf("want ErrQueueFull, got %v", err)
	}
}

func TestBlockBackpressureTimesOut(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	path := statedoc.Path("risk/counters")

	q, err := New(Config{MaxSize: 1, Workers: 1, Backpressure: Block, EnqueueTimeout: 30 * time.Millisecond},
		retry.Policy{BaseDelay: time.Second, MaxDelay: time.Second, MaxAttempts: 6},
		storeExecutor(mem), nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Close(2 * time.Second)

	mem.FailNextPuts(path, 2)
	if _, err := q.Enqueue(ctx, path, statedoc.Payload{"v": "first"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	start := time.Now()
	_, err = q.Enqueue(ctx, path, statedoc.Payload{"v": "second"})
	if !errors.Is(err, exception.ErrQueueFull) {
		t.Fatalf("want ErrQueueFull, got %v", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("block mode returned before the configured timeout")
	}
}

func TestFatalFailureDeadLettersWithContext(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	path := statedoc.Path("positions/ETHUSDT")
	sink := &memorySink{}
	metrics := obs.NewMetrics()

	q, err := New(Config{MaxSize: 8, Workers: 2}, fastPolicy(), storeExecutor(mem), sink, metrics)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	mem.FailPutsFatally(path, true)
	h, err := q.Enqueue(ctx, path, statedoc.Payload{"qty": "2"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-h.Done()
	if h.Err() == nil {
		t.Fatal("fatal write should resolve the handle with an error")
	}
	q.Close(time.Second)

	records := sink.list()
	if len(records) != 1 {
		t.Fatalf("dead-letter records: %d", len(records))
	}
	rec := records[0]
	if rec.Path != path || rec.Attempts != 1 || rec.LastErrorKind != "fatal" {
		t.Fatalf("record detail: %+v", rec)
	}
	if rec.PayloadDigest == "" || rec.LastError == "" {
		t.Fatalf("record missing context: %+v", rec)
	}
	if metrics.Snapshot().DeadLetters != 1 {
		t.Fatalf("metrics dead letters: %d", metrics.Snapshot().DeadLetters)
	}
}

func TestExhaustionDeadLetters(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	path := statedoc.Path("positions/SOLUSDT")
	sink := &memorySink{}

	policy := retry.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3}
	q, err := New(Config{MaxSize: 8, Workers: 1}, policy, storeExecutor(mem), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	mem.FailNextPuts(path, 100)
	h, _ := q.Enqueue(ctx, path, statedoc.Payload{"qty": "1"})
	<-h.Done()
	if !errors.Is(h.Err(), exception.ErrRetriesExhausted) {
		t.Fatalf("want exhaustion, got %v", h.Err())
	}
	q.Close(time.Second)

	records := sink.list()
	if len(records) != 1 || records[0].Attempts != 3 || records[0].LastErrorKind != "transient" {
		t.Fatalf("records: %+v", records)
	}
}

func TestCloseDeadLettersUndrainedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	path := statedoc.Path("positions/BTCUSDT")
	sink := &memorySink{}

	policy := retry.Policy{BaseDelay: time.Second, MaxDelay: time.Second, MaxAttempts: 6}
	q, err := New(Config{MaxSize: 8, Workers: 1}, policy, storeExecutor(mem), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Every put fails transiently, so tasks sit in long backoffs.
	mem.FailNextPuts(path, 1000)
	const n = 4
	for i := 0; i < n; i++ {
		if _, err := q.Enqueue(ctx, path, statedoc.Payload{"v": fmt.Sprintf("%d", i)}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	q.Close(50 * time.Millisecond)

	records := sink.list()
	if len(records) != n {
		t.Fatalf("dead-lettered %d tasks, want %d", len(records), n)
	}
	seen := make(map[string]int)
	for _, rec := range records {
		seen[rec.Payload["v"].(string)]++
	}
	for v, count := range seen {
		if count != 1 {
			t.Fatalf("task %s dead-lettered %d times", v, count)
		}
	}
	if q.Depth() != 0 {
		t.Fatalf("depth after close: %d", q.Depth())
	}
}

func TestDifferentPathsDrainConcurrently(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()

	q, err := New(Config{MaxSize: 64, Workers: 4}, fastPolicy(), storeExecutor(mem), nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	paths := []statedoc.Path{"positions/A", "positions/B", "positions/C", "risk/counters"}
	var handles []*Handle
	for round := 0; round < 5; round++ {
		for _, p := range paths {
			h, err := q.Enqueue(ctx, p, statedoc.Payload{"round": float64(round)})
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			handles = append(handles, h)
		}
	}
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("writes not drained")
		}
	}
	q.Close(time.Second)

	for _, p := range paths {
		history := mem.History(p)
		if len(history) != 5 {
			t.Fatalf("path %s applied %d writes", p, len(history))
		}
		for i, payload := range history {
			if payload["round"] != float64(i) {
				t.Fatalf("path %s order broken at %d: %v", p, i, payload["round"])
			}
		}
	}
}
