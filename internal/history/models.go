package history

import (
	"time"

	"github.com/Brownie44l1/densfw/internal/scan"
	"github.com/Brownie44l1/densfw/internal/vault"
)

// ScanRunModel is one finished scan session.
type ScanRunModel struct {
	ID         string    `gorm:"primaryKey;size:36"`
	State      string    `gorm:"size:16;not null"`
	Total      int       `gorm:"not null"`
	Processed  int       `gorm:"not null"`
	Matches    int       `gorm:"not null"`
	Warnings   int       `gorm:"not null"`
	Error      string    `gorm:"size:512"`
	StartedAt  time.Time `gorm:"index"`
	FinishedAt time.Time
}

func (ScanRunModel) TableName() string {
	return "scan_runs"
}

// ScanRun is the read model returned to callers.
type ScanRun struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Matches    int       `json:"matches"`
	Warnings   int       `json:"warnings"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func scanRunFromEvent(e scan.Finished) *ScanRunModel {
	return &ScanRunModel{
		ID:         e.SessionID,
		State:      string(e.State),
		Total:      e.Total,
		Processed:  e.Processed,
		Matches:    len(e.Matches),
		Warnings:   e.Warnings,
		Error:      e.Err,
		StartedAt:  e.StartedAt,
		FinishedAt: e.FinishedAt,
	}
}

func (m *ScanRunModel) toRun() ScanRun {
	return ScanRun{
		ID:         m.ID,
		State:      m.State,
		Total:      m.Total,
		Processed:  m.Processed,
		Matches:    m.Matches,
		Warnings:   m.Warnings,
		Error:      m.Error,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
	}
}

// VaultEntryModel is one file written to the secure location.
type VaultEntryModel struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	AssetID      string    `gorm:"size:255;index;not null"`
	OriginalName string    `gorm:"size:255"`
	StoredName   string    `gorm:"size:255;uniqueIndex;not null"`
	Size         int64     `gorm:"not null"`
	MovedAt      time.Time `gorm:"index"`
}

func (VaultEntryModel) TableName() string {
	return "vault_entries"
}

func vaultEntryFromEntity(e vault.Entry) *VaultEntryModel {
	return &VaultEntryModel{
		AssetID:      e.AssetID,
		OriginalName: e.OriginalName,
		StoredName:   e.StoredName,
		Size:         e.Size,
		MovedAt:      e.MovedAt,
	}
}

func (m *VaultEntryModel) toEntity() vault.Entry {
	return vault.Entry{
		AssetID:      m.AssetID,
		OriginalName: m.OriginalName,
		StoredName:   m.StoredName,
		Size:         m.Size,
		MovedAt:      m.MovedAt,
	}
}
