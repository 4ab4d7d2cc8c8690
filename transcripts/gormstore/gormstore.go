// Package gormstore persists transcripts through gorm. MySQL is the
// production dialect; SQLite serves development and tests.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/chatstream-go/transcripts"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Transcript is the table row for one transcripts.Record.
type Transcript struct {
	ID          int64      `gorm:"primaryKey;autoIncrement"`
	UserID      string     `gorm:"size:64;not null;index:idx_transcript_user_begin,priority:1"`
	ModelID     int        `gorm:"not null;default:0"`
	CharacterID int        `gorm:"not null;default:0"`
	Input       string     `gorm:"type:text"`
	Output      *string    `gorm:"type:text"`
	BeginAt     time.Time  `gorm:"not null;index:idx_transcript_user_begin,priority:2"`
	FinishAt    *time.Time `gorm:"index"`
}

// TableName pins the table name independent of gorm's pluralizer.
func (Transcript) TableName() string { return "chat_transcripts" }

func (t Transcript) record() transcripts.Record {
	rec := transcripts.Record{
		ID:          t.ID,
		UserID:      t.UserID,
		ModelID:     t.ModelID,
		CharacterID: t.CharacterID,
		Input:       t.Input,
		Begin:       t.BeginAt,
		Finish:      t.FinishAt,
	}
	if t.Output != nil {
		rec.Output = *t.Output
	}
	return rec
}

// Store implements transcripts.Store on a gorm connection.
type Store struct {
	db *gorm.DB
}

// Open connects using driver ("mysql" or "sqlite") and dsn, then migrates
// the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("gormstore: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("gormstore: open %s: %w", driver, err)
	}
	if driver != "mysql" {
		// SQLite serializes writers; one connection also keeps an in-memory
		// database alive and shared.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("gormstore: sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Transcript{}); err != nil {
		return nil, fmt.Errorf("gormstore: auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) InsertPending(ctx context.Context, p transcripts.Pending) (int64, error) {
	row := Transcript{
		UserID:      p.UserID,
		ModelID:     p.ModelID,
		CharacterID: p.CharacterID,
		Input:       p.Input,
		BeginAt:     p.Begin,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("gormstore: insert pending transcript: %w", err)
	}
	return row.ID, nil
}

func (s *Store) Finish(ctx context.Context, id int64, output string, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Transcript{}).
		Where("id = ? AND finish_at IS NULL", id).
		Updates(map[string]any{
			"output":    output,
			"finish_at": at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("gormstore: finish transcript %d: %w", id, result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}
	// Nothing updated: either already finished or missing.
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) Get(ctx context.Context, id int64) (transcripts.Record, error) {
	var row Transcript
	err := s.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return transcripts.Record{}, transcripts.ErrNotFound
	}
	if err != nil {
		return transcripts.Record{}, fmt.Errorf("gormstore: get transcript %d: %w", id, err)
	}
	return row.record(), nil
}

func (s *Store) ListFinished(ctx context.Context, userID string, limit int) ([]transcripts.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []Transcript
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND finish_at IS NOT NULL", userID).
		Order("begin_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("gormstore: list transcripts for %s: %w", userID, err)
	}
	out := make([]transcripts.Record, len(rows))
	for i, row := range rows {
		out[i] = row.record()
	}
	return out, nil
}

// Compile-time interface check
var _ transcripts.Store = (*Store)(nil)
