package scan

import (
	"image"
	"time"

	"github.com/corona10/goimagehash"
)

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// ScanItem is one flagged image. Thumbnail and Fingerprint are filled in
// after the item is recorded and stay nil if the preview cannot be loaded.
type ScanItem struct {
	Asset       AssetRef
	Confidence  float32
	Selected    bool
	Thumbnail   image.Image
	Fingerprint *goimagehash.ImageHash
}

// Snapshot is a consistent copy of a scan session.
type Snapshot struct {
	ID         string
	State      State
	Total      int
	Processed  int
	Matches    []ScanItem
	Warnings   int
	Err        string
	StartedAt  time.Time
	FinishedAt time.Time
}

func (s Snapshot) Progress() float64 {
	if s.Total == 0 {
		if s.State == StateCompleted {
			return 1
		}
		return 0
	}
	return float64(s.Processed) / float64(s.Total)
}

type session struct {
	id         string
	state      State
	total      int
	processed  int
	matches    []ScanItem
	warnings   int
	err        string
	startedAt  time.Time
	finishedAt time.Time
}

func (s *session) snapshot() Snapshot {
	matches := make([]ScanItem, len(s.matches))
	copy(matches, s.matches)
	return Snapshot{
		ID:         s.id,
		State:      s.state,
		Total:      s.total,
		Processed:  s.processed,
		Matches:    matches,
		Warnings:   s.warnings,
		Err:        s.err,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
	}
}
