package audit

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormSink stores entries in the query_audits table of a sqlite or postgres database.
type GormSink struct {
	db *gorm.DB
}

// NewGormSink connects and migrates the schema.
func NewGormSink(driver, dsn string) (*GormSink, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		if dsn == "" {
			dsn = "sqlchat_audit.sqlite"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres audit sink requires a DSN")
		}
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("invalid driver for gorm audit sink: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s audit database: %w", driver, err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate audit schema: %w", err)
	}
	return &GormSink{db: db}, nil
}

// Record inserts the entry.
func (s *GormSink) Record(ctx context.Context, e Entry) error {
	if err := s.db.WithContext(ctx).Create(&e).Error; err != nil {
		return fmt.Errorf("failed to save audit entry: %w", err)
	}
	return nil
}

// List returns the most recent entries of a session, oldest first.
func (s *GormSink) List(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	var entries []Entry
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load audit entries: %w", err)
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Close closes the database connection
func (s *GormSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
