package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/ops"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/statesync"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/store/wsstore"
)

const defaultMetricsInterval = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Printf("syncd: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to JSON config")
	grace := flag.Duration("grace", 10*time.Second, "Queue drain budget on shutdown")
	metricsInterval := flag.Duration("metrics-interval", defaultMetricsInterval, "Metrics log interval (0=disable)")
	flag.Parse()

	if *configPath == "" {
		return errors.New("missing config; use -config")
	}

	loaded, err := ops.Load(*configPath)
	if err != nil {
		return err
	}

	if loaded.Profile.Enable {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "statesync/syncd",
			ServerAddress:   loaded.Profile.ServerAddress,
			Tags: map[string]string{
				"component": "syncd",
			},
			Logger: emptyLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return err
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	sink, err := loaded.BuildSink()
	if err != nil {
		return err
	}
	loaded.Client.DeadLetterSink = sink

	st, err := wsstore.New(loaded.Store)
	if err != nil {
		return err
	}

	// The one client instance for this process. Everything that talks
	// to the document store goes through it.
	client, err := statesync.New(loaded.Client, st)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *metricsInterval > 0 {
		go reportMetrics(ctx, client, *metricsInterval)
	}

	logs.Infof("syncd up, endpoint: %s", loaded.Client.Endpoint)
	<-sys.Shutdown()

	logs.Info("shutdown signal received")
	cancel()
	client.Close(*grace)

	snap := client.Metrics()
	logs.Infof("final counters, completed: %d, deadLetters: %d, reconnects: %d",
		snap.WritesCompleted, snap.DeadLetters, snap.Reconnects)
	return nil
}

func reportMetrics(ctx context.Context, client *statesync.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := client.Metrics()
			logs.Infof("writes enqueued: %d, completed: %d, retried: %d, deadLetters: %d, queueFull: %d, poolExhausted: %d, reconnects: %d, events: %d, writeAvg: %s",
				snap.WritesEnqueued, snap.WritesCompleted, snap.WritesRetried,
				snap.DeadLetters, snap.QueueFull, snap.PoolExhausted,
				snap.Reconnects, snap.EventsDelivered, snap.WriteLatency.Avg)
		}
	}
}

type emptyLogger struct{}

func (emptyLogger) Infof(_ string, _ ...interface{})  {}
func (emptyLogger) Debugf(_ string, _ ...interface{}) {}
func (emptyLogger) Errorf(_ string, _ ...interface{}) {}
