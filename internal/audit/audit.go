// Package audit records every query the human approved or rejected.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Outcome is how a proposed query ended.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeEmpty     Outcome = "empty"
	OutcomeToolError Outcome = "tool_error"
	OutcomeFailed    Outcome = "failed"
	OutcomeRejected  Outcome = "rejected"
)

// Entry is one audited query.
type Entry struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	SessionID  string    `gorm:"index;size:64" json:"session_id"`
	TurnID     string    `gorm:"size:36" json:"turn_id"`
	UserQuery  string    `json:"user_query"`
	SQL        string    `json:"sql"`
	Approved   bool      `json:"approved"`
	Outcome    Outcome   `gorm:"size:16" json:"outcome"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// TableName overrides the gorm table name.
func (Entry) TableName() string {
	return "query_audits"
}

// Sink persists audit entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
	Close() error
}

// Lister is implemented by sinks that can read entries back.
type Lister interface {
	List(ctx context.Context, sessionID string, limit int) ([]Entry, error)
}

// NopSink discards entries.
type NopSink struct{}

func (NopSink) Record(context.Context, Entry) error { return nil }
func (NopSink) Close() error                        { return nil }

// Config selects and configures a sink.
type Config struct {
	Driver string        // none, sqlite, postgres or redis
	DSN    string        // file path, postgres DSN or redis URL
	TTL    time.Duration // redis only
}

// Open creates the sink named by cfg.Driver.
func Open(cfg Config) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return NopSink{}, nil
	case "sqlite", "postgres":
		return NewGormSink(cfg.Driver, cfg.DSN)
	case "redis":
		rc, err := LoadRedisConfig(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewRedisSink(rc, cfg.TTL)
	default:
		return nil, fmt.Errorf("unsupported audit driver: %s", cfg.Driver)
	}
}
