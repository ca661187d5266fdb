// Durable history of completed moderation runs.
//
// Records are written once per completed run and only ever read back for
// operator inspection; nothing here feeds back into the decision pipeline,
// and no partial-run state is persisted.
package runstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vigil-mod/vigil/engine"

	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type RunRecord struct {
	ID         uint64 `gorm:"primarykey"`
	CreatedAt  time.Time
	ItemID     uint64 `gorm:"index"`
	Outcome    string `gorm:"index"`
	Provider   string
	Reasons    string
	TxID       string
	DurationMS int64
}

type Store struct {
	db *gorm.DB
}

// Opens (and migrates) the run history database. Accepts sqlite:// and
// postgres:// URLs, eg "sqlite://data/vigil/runs.db".
func NewStore(dburl string) (*Store, error) {
	db, err := setupDatabase(dburl)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&RunRecord{}); err != nil {
		return nil, fmt.Errorf("migrating run history schema: %w", err)
	}
	return &Store{db: db}, nil
}

func setupDatabase(dburl string) (*gorm.DB, error) {
	var dial gorm.Dialector

	isSqlite := false
	if strings.HasPrefix(dburl, "sqlite://") {
		sqliteSuffix := dburl[len("sqlite://"):]
		// if this isn't ":memory:", ensure that directory exists (eg, if db
		// file is being initialized)
		if !strings.Contains(sqliteSuffix, ":?") {
			os.MkdirAll(filepath.Dir(sqliteSuffix), os.ModePerm)
		}
		dial = sqlite.Open(sqliteSuffix)
		isSqlite = true
	} else if strings.HasPrefix(dburl, "postgresql://") || strings.HasPrefix(dburl, "postgres://") {
		// can pass entire URL, with prefix, to gorm driver
		dial = postgres.Open(dburl)
	} else {
		return nil, fmt.Errorf("unsupported or unrecognized database URL scheme: %s", dburl)
	}

	db, err := gorm.Open(dial, &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 slogGorm.New(),
	})
	if err != nil {
		return nil, err
	}

	if isSqlite {
		if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			return nil, err
		}
	}
	return db, nil
}

func (s *Store) RecordRun(ctx context.Context, out *engine.Outcome, took time.Duration) error {
	rec := RunRecord{
		ItemID:     out.ItemID,
		Outcome:    string(out.Kind),
		DurationMS: took.Milliseconds(),
	}
	if out.Verdict != nil {
		rec.Provider = out.Verdict.Provider
		rec.Reasons = strings.Join(out.Verdict.Reasons, "; ")
	}
	if out.Receipt != nil {
		rec.TxID = out.Receipt.TxID
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// Most recent runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	var recs []RunRecord
	if err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

var _ engine.RunRecorder = (*Store)(nil)
