package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "agentsched/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures history persistence.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver string
	Path   string

	// KeepRecords bounds how many records survive pruning. 0 means the
	// default (10000).
	KeepRecords int

	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one terminal task outcome. Keep it compact and schema-stable.
type Record struct {
	At         time.Time `json:"at"`
	TaskID     string    `json:"task_id"`
	Role       string    `json:"role"`
	Worker     string    `json:"worker,omitempty"`
	Priority   int       `json:"priority"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Store is the minimal persistence API used by the app layer.
type Store interface {
	AppendRecord(ctx context.Context, r Record) error
	RecentRecords(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.KeepRecords <= 0 {
		cfg.KeepRecords = 10000
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
