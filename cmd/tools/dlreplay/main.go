package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/deadletter"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/ops"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/statesync"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/store/wsstore"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	file := flag.String("file", "", "Dead-letter JSONL file to replay")
	dryRun := flag.Bool("dry-run", false, "Print records without writing")
	grace := flag.Duration("grace", 10*time.Second, "Queue drain budget on shutdown")
	flag.Parse()

	if *file == "" {
		log.Fatal("missing dead-letter file; use -file")
	}

	records, err := deadletter.ReadFile(*file)
	if err != nil {
		log.Fatalf("read dead-letter file failed: %v", err)
	}
	if len(records) == 0 {
		fmt.Println("no records to replay")
		return
	}

	for i, rec := range records {
		fmt.Printf("%06d path=%s digest=%s attempts=%d kind=%s at=%s\n",
			i+1, rec.Path, rec.PayloadDigest, rec.Attempts, rec.LastErrorKind,
			rec.Timestamp.Format(time.RFC3339))
	}
	if *dryRun {
		return
	}

	if *configPath == "" {
		log.Fatal("missing config; use -config (or -dry-run)")
	}
	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	// Replay never dead-letters back into a sink; failures stop the run
	// so the remaining records stay in the file.
	loaded.Client.DeadLetterSink = nil

	st, err := wsstore.New(loaded.Store)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	client, err := statesync.New(loaded.Client, st)
	if err != nil {
		log.Fatalf("client init failed: %v", err)
	}
	defer client.Close(*grace)

	ctx := context.Background()
	for i, rec := range records {
		if _, err := client.Write(ctx, rec.Path, rec.Payload, statesync.ModeSync); err != nil {
			log.Fatalf("replay stopped at record %d (path=%s): %v", i+1, rec.Path, err)
		}
	}
	fmt.Printf("replayed %d records\n", len(records))
}
