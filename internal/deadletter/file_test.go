package deadletter

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/statedoc"
)

func TestFileSinkAppendAndReadBack(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dead", "letters.jsonl")

	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	var want []Record
	for i := 0; i < 5; i++ {
		payload := statedoc.Payload{"qty": fmt.Sprintf("%d", i)}
		rec := Record{
			Path:          statedoc.Path("positions/BTCUSDT"),
			Payload:       payload,
			PayloadDigest: payload.Digest(),
			Attempts:      6,
			LastErrorKind: "transient",
			LastError:     "store: write timed out",
			Timestamp:     time.Unix(1700000000+int64(i), 0).UTC(),
		}
		if err := sink.Append(ctx, rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		want = append(want, rec)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("record count: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Payload["qty"] != want[i].Payload["qty"] {
			t.Fatalf("record %d out of order: got %v want %v", i, got[i].Payload, want[i].Payload)
		}
		if got[i].Attempts != want[i].Attempts || got[i].LastErrorKind != want[i].LastErrorKind {
			t.Fatalf("record %d detail mismatch: %+v", i, got[i])
		}
	}
}

func TestFileSinkAppendAcrossReopens(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "letters.jsonl")

	for i := 0; i < 2; i++ {
		sink, err := NewFileSink(path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		rec := Record{
			Path:      statedoc.Path("risk/counters"),
			Payload:   statedoc.Payload{"round": float64(i)},
			Attempts:  1,
			Timestamp: time.Now().UTC(),
		}
		if err := sink.Append(ctx, rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if err := sink.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("reopen should append, got %d records", len(got))
	}
	if got[0].Payload["round"] != float64(0) || got[1].Payload["round"] != float64(1) {
		t.Fatalf("replay order broken: %v, %v", got[0].Payload, got[1].Payload)
	}
}

func TestSQLiteSinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	sink, err := NewSQLiteSink(":memory:")
	if err != nil {
		t.Fatalf("new sqlite sink: %v", err)
	}
	defer sink.Close()

	for i := 0; i < 3; i++ {
		rec := Record{
			Path:          statedoc.Path("checkpoints/alpha"),
			Payload:       statedoc.Payload{"revision": float64(i)},
			Attempts:      6,
			LastErrorKind: "transient",
			LastError:     "store: write timed out",
			Timestamp:     time.Unix(1700000000+int64(i), 0).UTC(),
		}
		if err := sink.Append(ctx, rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := sink.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("record count: %d", len(got))
	}
	for i, rec := range got {
		if rec.Payload["revision"] != float64(i) {
			t.Fatalf("write order broken at %d: %v", i, rec.Payload)
		}
	}
}
