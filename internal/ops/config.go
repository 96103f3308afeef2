package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/deadletter"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/pool"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/queue"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/retry"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/statesync"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/store/wsstore"
	"github.com/thom899g/autonomous-self-supervised-trading-network/pkg/conn"
)

// FileConfig mirrors the JSON config layout. Durations are
// milliseconds.
type FileConfig struct {
	Store        StoreConfig        `json:"store"`
	Pool         PoolConfig         `json:"pool"`
	Retry        RetryConfig        `json:"retry"`
	Queue        QueueConfig        `json:"queue"`
	Subscription SubscriptionConfig `json:"subscription"`
	DeadLetter   DeadLetterConfig   `json:"deadLetter"`
	Profile      ProfileConfig      `json:"profile"`
}

// StoreConfig points at the remote document store.
type StoreConfig struct {
	Endpoint         string `json:"endpoint"`
	Credentials      string `json:"credentials"`
	RequestTimeoutMS int64  `json:"requestTimeoutMs"`
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxSize          int   `json:"maxSize"`
	AcquireTimeoutMS int64 `json:"acquireTimeoutMs"`
	FailFast         bool  `json:"failFast"`
	IdleTimeoutMS    int64 `json:"idleTimeoutMs"`
}

// RetryConfig tunes the shared retry policy.
type RetryConfig struct {
	BaseDelayMS    int64   `json:"baseDelayMs"`
	MaxDelayMS     int64   `json:"maxDelayMs"`
	MaxAttempts    int     `json:"maxAttempts"`
	JitterFraction float64 `json:"jitterFraction"`
}

// QueueConfig sizes the write queue and its workers.
type QueueConfig struct {
	MaxSize          int    `json:"maxSize"`
	Workers          int    `json:"workers"`
	Backpressure     string `json:"backpressure"` // "block" or "failFast"
	EnqueueTimeoutMS int64  `json:"enqueueTimeoutMs"`
}

// SubscriptionConfig tunes change-event delivery.
type SubscriptionConfig struct {
	Buffer int `json:"buffer"`
}

// DeadLetterConfig selects where exhausted writes land.
type DeadLetterConfig struct {
	// Kind is "file", "sqlite", "postgres" or empty for log-only.
	Kind     string         `json:"kind"`
	Path     string         `json:"path"`
	Postgres PostgresConfig `json:"postgres"`
}

// PostgresConfig describes the dead-letter database.
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslMode"`
	DSN      string `json:"dsn"`
}

// ProfileConfig enables continuous profiling.
type ProfileConfig struct {
	Enable        bool   `json:"enable"`
	ServerAddress string `json:"serverAddress"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Client  statesync.Config
	Store   wsstore.Config
	Profile ProfileConfig

	deadLetter DeadLetterConfig
}

// Load reads a JSON config file and resolves every section. The
// dead-letter sink is built separately with BuildSink so callers that
// only inspect config never touch the filesystem or a database.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}

	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}

	backpressure, err := resolveBackpressure(cfg.Queue.Backpressure)
	if err != nil {
		return Loaded{}, err
	}

	loaded := Loaded{
		Client: statesync.Config{
			Endpoint:    cfg.Store.Endpoint,
			Credentials: cfg.Store.Credentials,
			Pool: pool.Config{
				MaxSize:        cfg.Pool.MaxSize,
				AcquireTimeout: millis(cfg.Pool.AcquireTimeoutMS),
				FailFast:       cfg.Pool.FailFast,
				IdleTimeout:    millis(cfg.Pool.IdleTimeoutMS),
			},
			Retry: retry.Policy{
				BaseDelay:      millis(cfg.Retry.BaseDelayMS),
				MaxDelay:       millis(cfg.Retry.MaxDelayMS),
				MaxAttempts:    cfg.Retry.MaxAttempts,
				JitterFraction: cfg.Retry.JitterFraction,
			},
			Queue: queue.Config{
				MaxSize:        cfg.Queue.MaxSize,
				Workers:        cfg.Queue.Workers,
				Backpressure:   backpressure,
				EnqueueTimeout: millis(cfg.Queue.EnqueueTimeoutMS),
			},
			SubscriptionBuffer: cfg.Subscription.Buffer,
		},
		Store: wsstore.Config{
			Endpoint:       cfg.Store.Endpoint,
			Credentials:    cfg.Store.Credentials,
			RequestTimeout: millis(cfg.Store.RequestTimeoutMS),
		},
		Profile:    cfg.Profile,
		deadLetter: cfg.DeadLetter,
	}

	if err := loaded.Client.Validate(); err != nil {
		return Loaded{}, err
	}

	return loaded, nil
}

// BuildSink constructs the configured dead-letter sink, or nil for
// log-only operation. The caller hands ownership to the client.
func (l Loaded) BuildSink() (deadletter.Sink, error) {
	dl := l.deadLetter
	switch dl.Kind {
	case "":
		return nil, nil
	case "file":
		if dl.Path == "" {
			return nil, fmt.Errorf("dead-letter file sink needs a path")
		}
		return deadletter.NewFileSink(dl.Path)
	case "sqlite":
		if dl.Path == "" {
			return nil, fmt.Errorf("dead-letter sqlite sink needs a path")
		}
		return deadletter.NewSQLiteSink(dl.Path)
	case "postgres":
		return deadletter.NewPostgresSink(conn.Config{
			Host:     dl.Postgres.Host,
			Port:     dl.Postgres.Port,
			User:     dl.Postgres.User,
			Password: dl.Postgres.Password,
			Database: dl.Postgres.Database,
			SSLMode:  dl.Postgres.SSLMode,
			DSN:      dl.Postgres.DSN,
		})
	default:
		return nil, fmt.Errorf("unknown dead-letter sink kind %q", dl.Kind)
	}
}

func resolveBackpressure(name string) (queue.BackpressurePolicy, error) {
	switch name {
	case "", "block":
		return queue.Block, nil
	case "failFast":
		return queue.FailFast, nil
	default:
		return queue.Block, fmt.Errorf("unknown backpressure policy %q", name)
	}
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
