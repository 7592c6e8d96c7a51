// Package journal keeps an append-only SQLite record of what the daemon
// observed and did: root and descendant transitions, focus corrections and
// tick failures. It is an audit trail for `bpfocus history` and is never
// read back to restore monitoring state.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultRetention is how long entries are kept by Prune callers.
const DefaultRetention = 30 * 24 * time.Hour

// Entry is one journal row.
type Entry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RunID     string    `gorm:"not null;index" json:"run_id"`
	Timestamp time.Time `gorm:"not null;index" json:"timestamp"`
	Kind      string    `gorm:"not null;index" json:"kind"`
	PID       int       `gorm:"not null;default:0" json:"pid,omitempty"`
	Name      string    `json:"name,omitempty"`
	Window    uint32    `gorm:"not null;default:0" json:"window,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// TableName pins the table name.
func (Entry) TableName() string {
	return "journal_entries"
}

// Store is the journal database.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the journal at path and migrates the
// schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open journal")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying sql.DB")
	}
	// One writer at a time; SQLite serializes anyway.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Entry{}); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to initialize journal schema")
	}

	return &Store{db: db}, nil
}

// Append inserts entries in one transaction.
func (s *Store) Append(entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if result := s.db.Create(&entries); result.Error != nil {
		return errors.Wrap(result.Error, "failed to insert journal entries")
	}
	return nil
}

// Recent returns up to limit entries, newest first. A non-positive limit
// returns everything.
func (s *Store) Recent(limit int) ([]Entry, error) {
	var entries []Entry
	q := s.db.Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if result := q.Find(&entries); result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query journal entries")
	}
	return entries, nil
}

// ByRun returns the entries of one daemon run, oldest first.
func (s *Store) ByRun(runID string) ([]Entry, error) {
	var entries []Entry
	result := s.db.Where("run_id = ?", runID).Order("id ASC").Find(&entries)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query journal run")
	}
	return entries, nil
}

// Prune deletes entries older than before and returns how many were removed.
func (s *Store) Prune(before time.Time) (int64, error) {
	result := s.db.Where("timestamp < ?", before).Delete(&Entry{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to prune journal")
	}
	return result.RowsAffected, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying sql.DB")
	}
	return sqlDB.Close()
}
