// Package storage persists access-log entries in PostgreSQL and answers the
// ingestion engine's watermark and dedup queries.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/hvollmer/accesstrack/pkg/retry"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultPingTimeout     = 5 * time.Second
)

// Config holds database connection settings.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// Postgres is the durable store.
type Postgres struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Connect opens a pooled connection, retrying with backoff so the service
// survives the database coming up after it.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Postgres, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	var db *sqlx.DB
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		var connErr error
		db, connErr = sqlx.ConnectContext(ctx, "postgres", dsn)
		if connErr != nil {
			logger.Warn("Database not reachable yet", zap.Error(connErr))
		}
		return connErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database",
		zap.String("host", cfg.Host), zap.String("dbname", cfg.DBName))
	return &Postgres{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sqlx.DB, logger *zap.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

// InitSchema creates the log_entries table and its indexes if absent.
func (p *Postgres) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS log_entries (
			id BIGSERIAL PRIMARY KEY,
			ip_address TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			status_code INTEGER,
			country TEXT,
			request_path TEXT,
			domain TEXT,
			raw_log TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_entries_timestamp ON log_entries (timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_log_entries_ip_address ON log_entries (ip_address)`,
		`CREATE INDEX IF NOT EXISTS idx_log_entries_country ON log_entries (country)`,
		`CREATE INDEX IF NOT EXISTS idx_log_entries_domain ON log_entries (domain)`,
		`CREATE INDEX IF NOT EXISTS idx_log_entries_status_code ON log_entries (status_code)`,
	}

	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
