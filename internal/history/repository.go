// Package history persists finished scan runs and the vault ledger.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Brownie44l1/densfw/internal/scan"
	"github.com/Brownie44l1/densfw/internal/vault"
)

const DefaultRecentLimit = 20

var ErrNotFound = errors.New("history: record not found")

// Repository is a gorm-backed store of scan runs and vault entries.
type Repository struct {
	db *gorm.DB
}

var _ vault.Ledger = (*Repository)(nil)

// Open connects to the SQLite database at path and migrates the schema.
func Open(path string) (*Repository, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	return New(db)
}

// New migrates the schema on an existing connection.
func New(db *gorm.DB) (*Repository, error) {
	if err := db.AutoMigrate(&ScanRunModel{}, &VaultEntryModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history tables: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordScan inserts or replaces the run with the event's session ID.
func (r *Repository) RecordScan(ctx context.Context, e scan.Finished) error {
	if e.SessionID == "" {
		return fmt.Errorf("history: scan run without session id")
	}
	return r.db.WithContext(ctx).Save(scanRunFromEvent(e)).Error
}

func (r *Repository) FindScan(ctx context.Context, id string) (ScanRun, error) {
	var m ScanRunModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ScanRun{}, ErrNotFound
		}
		return ScanRun{}, err
	}
	return m.toRun(), nil
}

// RecentScans returns up to limit runs, newest first.
func (r *Repository) RecentScans(ctx context.Context, limit int) ([]ScanRun, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	var models []ScanRunModel
	if err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}

	runs := make([]ScanRun, len(models))
	for i := range models {
		runs[i] = models[i].toRun()
	}
	return runs, nil
}

func (r *Repository) RecordVaulted(ctx context.Context, entry vault.Entry) error {
	if entry.MovedAt.IsZero() {
		entry.MovedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(vaultEntryFromEntity(entry)).Error
}

// VaultEntries lists everything written to the vault, newest first.
func (r *Repository) VaultEntries(ctx context.Context) ([]vault.Entry, error) {
	var models []VaultEntryModel
	if err := r.db.WithContext(ctx).Order("moved_at DESC, id DESC").Find(&models).Error; err != nil {
		return nil, err
	}

	entries := make([]vault.Entry, len(models))
	for i := range models {
		entries[i] = models[i].toEntity()
	}
	return entries, nil
}

// Recorder persists every finished session. It runs on the scan worker, so
// writes are bounded by a short timeout.
type Recorder struct {
	scan.ObserverFuncs
}

const recordTimeout = 5 * time.Second

func NewRecorder(repo *Repository) *Recorder {
	return &Recorder{ObserverFuncs: scan.ObserverFuncs{
		Finished: func(e scan.Finished) {
			ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
			defer cancel()

			if err := repo.RecordScan(ctx, e); err != nil {
				slog.Error("history: failed to record scan", "session", e.SessionID, "error", err.Error())
			}
		},
	}}
}

var _ scan.Observer = (*Recorder)(nil)
