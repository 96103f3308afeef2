package conn

import (
	"fmt"
	"sort"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// Config defines connection settings for PostgreSQL.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	Params   map[string]string

	// DSN overrides every other field when set.
	DSN string

	Gorm *gorm.Config
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = defaultPostgresHost
	}
	if c.Port == 0 {
		c.Port = defaultPostgresPort
	}
	if c.SSLMode == "" {
		c.SSLMode = defaultPostgresSSLMode
	}
	return c
}

func (c Config) dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	c = c.withDefaults()

	parts := []string{
		fmt.Sprintf("host=%s", c.Host),
		fmt.Sprintf("port=%d", c.Port),
		fmt.Sprintf("sslmode=%s", c.SSLMode),
	}
	if c.User != "" {
		parts = append(parts, fmt.Sprintf("user=%s", c.User))
	}
	if c.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", c.Password))
	}
	if c.Database != "" {
		parts = append(parts, fmt.Sprintf("dbname=%s", c.Database))
	}

	keys := make([]string, 0, len(c.Params))
	for key := range c.Params {
		if key != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", key, c.Params[key]))
	}
	return strings.Join(parts, " ")
}

// OpenPostgres opens a gorm handle over a pgx connection pool.
func OpenPostgres(cfg Config) (*gorm.DB, error) {
	gormCfg := cfg.Gorm
	if gormCfg == nil {
		gormCfg = &gorm.Config{}
	}
	db, err := gorm.Open(postgres.Open(cfg.dsn()), gormCfg)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// ClosePostgres closes the connection pool behind a gorm handle.
func ClosePostgres(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
