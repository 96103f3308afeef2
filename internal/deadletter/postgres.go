package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/statedoc"
	"github.com/thom899g/autonomous-self-supervised-trading-network/pkg/conn"
)

// deadLetterRow is the gorm model backing the Postgres sink.
type deadLetterRow struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	Path          string `gorm:"index;not null"`
	Payload       []byte `gorm:"not null"`
	Attempts      int    `gorm:"not null"`
	LastErrorKind string `gorm:"not null"`
	LastError     string `gorm:"not null"`
	TimestampNano int64  `gorm:"not null"`
}

func (deadLetterRow) TableName() string { return "dead_letters" }

// PostgresSink persists dead-letter records in a shared PostgreSQL
// database, letting an operator replay them from any host.
type PostgresSink struct {
	db *gorm.DB
}

// NewPostgresSink connects and migrates the dead_letters table.
func NewPostgresSink(cfg conn.Config) (*PostgresSink, error) {
	db, err := conn.OpenPostgres(cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&deadLetterRow{}); err != nil {
		_ = conn.ClosePostgres(db)
		return nil, fmt.Errorf("migrate dead_letters: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

// Append inserts one record; autoincrement ids preserve write order.
func (s *PostgresSink) Append(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	row := deadLetterRow{
		Path:          rec.Path.String(),
		Payload:       payload,
		Attempts:      rec.Attempts,
		LastErrorKind: rec.LastErrorKind,
		LastError:     rec.LastError,
		TimestampNano: rec.Timestamp.UnixNano(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// List returns every record in write order.
func (s *PostgresSink) List(ctx context.Context) ([]Record, error) {
	var rows []deadLetterRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := Record{
			Path:          statedoc.Path(row.Path),
			Attempts:      row.Attempts,
			LastErrorKind: row.LastErrorKind,
			LastError:     row.LastError,
			Timestamp:     time.Unix(0, row.TimestampNano).UTC(),
		}
		if err := json.Unmarshal(row.Payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		rec.PayloadDigest = rec.Payload.Digest()
		records = append(records, rec)
	}
	return records, nil
}

// Close closes the connection pool.
func (s *PostgresSink) Close() error {
	return conn.ClosePostgres(s.db)
}
