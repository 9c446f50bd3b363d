package handlers

import (
	"time"

	"github.com/Brownie44l1/densfw/internal/scan"
)

type itemResponse struct {
	Index        int       `json:"index"`
	AssetID      string    `json:"asset_id"`
	Filename     string    `json:"filename"`
	CreatedAt    time.Time `json:"created_at"`
	Confidence   float32   `json:"confidence"`
	Selected     bool      `json:"selected"`
	HasThumbnail bool      `json:"has_thumbnail"`
}

func newItemResponse(index int, item scan.ScanItem) itemResponse {
	return itemResponse{
		Index:        index,
		AssetID:      item.Asset.ID,
		Filename:     item.Asset.Filename,
		CreatedAt:    item.Asset.CreatedAt,
		Confidence:   item.Confidence,
		Selected:     item.Selected,
		HasThumbnail: item.Thumbnail != nil,
	}
}

type snapshotResponse struct {
	ID         string         `json:"id,omitempty"`
	State      scan.State     `json:"state"`
	Total      int            `json:"total"`
	Processed  int            `json:"processed"`
	Progress   float64        `json:"progress"`
	Warnings   int            `json:"warnings"`
	Error      string         `json:"error,omitempty"`
	Matches    []itemResponse `json:"matches"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

func newSnapshotResponse(s scan.Snapshot) snapshotResponse {
	resp := snapshotResponse{
		ID:        s.ID,
		State:     s.State,
		Total:     s.Total,
		Processed: s.Processed,
		Progress:  s.Progress(),
		Warnings:  s.Warnings,
		Error:     s.Err,
		Matches:   make([]itemResponse, len(s.Matches)),
	}
	for i, item := range s.Matches {
		resp.Matches[i] = newItemResponse(i, item)
	}
	if !s.StartedAt.IsZero() {
		resp.StartedAt = &s.StartedAt
	}
	if !s.FinishedAt.IsZero() {
		resp.FinishedAt = &s.FinishedAt
	}
	return resp
}

type progressEvent struct {
	scan.Progress
	Match *itemResponse `json:"match,omitempty"`
}

type finishedEvent struct {
	scan.Finished
	Matches int `json:"matches"`
}

type idsRequest struct {
	IDs []string `json:"ids"`
}
