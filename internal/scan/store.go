package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultDuplicateDistance is the Hamming distance between difference hashes
// below which two matches are grouped as near-duplicates.
const DefaultDuplicateDistance = 10

// ResultStore holds the matches of the most recently completed session.
// External mutations always happen before the in-memory sequence changes.
type ResultStore struct {
	source PhotoSource
	vault  SecureLocation

	// opMu serializes Load, Delete and Move against each other.
	opMu sync.Mutex

	mu    sync.RWMutex
	items []ScanItem
}

func NewResultStore(source PhotoSource, vault SecureLocation) *ResultStore {
	return &ResultStore{source: source, vault: vault}
}

// Load replaces the stored matches.
func (s *ResultStore) Load(items []ScanItem) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cp := make([]ScanItem, len(items))
	copy(cp, items)

	s.mu.Lock()
	s.items = cp
	s.mu.Unlock()
}

func (s *ResultStore) Items() []ScanItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := make([]ScanItem, len(s.items))
	copy(cp, s.items)
	return cp
}

func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *ResultStore) Item(index int) (ScanItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 0 || index >= len(s.items) {
		return ScanItem{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	return s.items[index], nil
}

// Toggle flips the selection of one item and returns it as updated.
func (s *ResultStore) Toggle(index int) (ScanItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.items) {
		return ScanItem{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	s.items[index].Selected = !s.items[index].Selected
	return s.items[index], nil
}

func (s *ResultStore) SelectAll() {
	s.setAll(true)
}

func (s *ResultStore) DeselectAll() {
	s.setAll(false)
}

func (s *ResultStore) setAll(selected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.items {
		s.items[i].Selected = selected
	}
}

func (s *ResultStore) Selected() []ScanItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ScanItem
	for _, item := range s.items {
		if item.Selected {
			out = append(out, item)
		}
	}
	return out
}

// Lookup resolves asset IDs to stored items, in the order given.
func (s *ResultStore) Lookup(ids []string) ([]ScanItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[string]ScanItem, len(s.items))
	for _, item := range s.items {
		byID[item.Asset.ID] = item
	}

	out := make([]ScanItem, 0, len(ids))
	for _, id := range ids {
		item, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownItem, id)
		}
		out = append(out, item)
	}
	return out, nil
}

// Delete removes items from the photo source and then drops from the store
// exactly the items the source reports as gone.
func (s *ResultStore) Delete(ctx context.Context, items []ScanItem) error {
	if len(items) == 0 {
		return nil
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	refs := make([]AssetRef, len(items))
	for i, item := range items {
		refs[i] = item.Asset
	}

	err := s.source.DeleteAssets(ctx, refs)
	removed := deletedRefs(refs, err)
	s.remove(removed)

	if err != nil {
		slog.Error("results: delete failed", "requested", len(refs), "deleted", len(removed), "error", err.Error())
		return fmt.Errorf("%w: %w", ErrDeletionFailed, err)
	}
	slog.Info("results: deleted", "count", len(refs))
	return nil
}

// deletedRefs returns the refs a DeleteAssets call that returned err removed.
func deletedRefs(refs []AssetRef, err error) []AssetRef {
	if err == nil {
		return refs
	}
	var de *DeleteError
	if errors.As(err, &de) {
		return de.Deleted
	}
	return nil
}

// MovedItem is one asset written to the secure location.
type MovedItem struct {
	AssetID    string `json:"asset_id"`
	StoredName string `json:"stored_name"`
}

// FailedItem is one asset that could not be moved.
type FailedItem struct {
	AssetID string `json:"asset_id"`
	Error   string `json:"error"`
}

type MoveReport struct {
	Moved  []MovedItem  `json:"moved"`
	Failed []FailedItem `json:"failed"`
}

// MoveToSecureLocation copies each item's raw bytes into the secure location
// and then deletes only the copied subset from the photo source. Items that
// were written are not rolled back when others fail. An item counts as moved
// once its original is gone; a copy whose original survives is reported as
// failed and stays in the store.
func (s *ResultStore) MoveToSecureLocation(ctx context.Context, items []ScanItem) (MoveReport, error) {
	var report MoveReport
	if len(items) == 0 {
		return report, nil
	}
	if s.vault == nil {
		return report, fmt.Errorf("%w: no secure location configured", ErrMoveFailed)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	var (
		written  []AssetRef
		itemErrs []error
	)
	for _, item := range items {
		ref := item.Asset

		data, err := s.source.FetchRawBytes(ctx, ref)
		if err != nil {
			err = fmt.Errorf("read %s: %w", ref.ID, err)
			report.Failed = append(report.Failed, FailedItem{AssetID: ref.ID, Error: err.Error()})
			itemErrs = append(itemErrs, err)
			continue
		}

		name, err := s.vault.Save(ctx, ref.ID, ref.Filename, data)
		if err != nil {
			err = fmt.Errorf("write %s: %w", ref.ID, err)
			report.Failed = append(report.Failed, FailedItem{AssetID: ref.ID, Error: err.Error()})
			itemErrs = append(itemErrs, err)
			continue
		}

		written = append(written, ref)
		report.Moved = append(report.Moved, MovedItem{AssetID: ref.ID, StoredName: name})
	}

	var deleteErr error
	if len(written) > 0 {
		deleteErr = s.source.DeleteAssets(ctx, written)
		removed := deletedRefs(written, deleteErr)
		s.remove(removed)

		if deleteErr != nil {
			slog.Error("results: originals not deleted after move",
				"written", len(written), "deleted", len(removed), "error", deleteErr.Error())
			report = settleMoved(report, removed)
		}
	}

	slog.Info("results: moved to secure location", "moved", len(report.Moved), "failed", len(report.Failed))

	var errs []error
	if deleteErr != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrDeletionFailed, deleteErr))
	}
	if len(itemErrs) > 0 {
		errs = append(errs, fmt.Errorf("%w: %w", ErrMoveFailed, errors.Join(itemErrs...)))
	}
	return report, errors.Join(errs...)
}

// settleMoved keeps in Moved only the items whose originals were removed.
func settleMoved(report MoveReport, removed []AssetRef) MoveReport {
	gone := make(map[string]struct{}, len(removed))
	for _, ref := range removed {
		gone[ref.ID] = struct{}{}
	}

	var moved []MovedItem
	for _, m := range report.Moved {
		if _, ok := gone[m.AssetID]; ok {
			moved = append(moved, m)
			continue
		}
		report.Failed = append(report.Failed, FailedItem{
			AssetID: m.AssetID,
			Error:   fmt.Sprintf("saved as %s but original not deleted", m.StoredName),
		})
	}
	report.Moved = moved
	return report
}

func (s *ResultStore) remove(refs []AssetRef) {
	gone := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		gone[ref.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.items[:0]
	for _, item := range s.items {
		if _, ok := gone[item.Asset.ID]; !ok {
			kept = append(kept, item)
		}
	}
	// Clear the tail so dropped thumbnails can be collected.
	for i := len(kept); i < len(s.items); i++ {
		s.items[i] = ScanItem{}
	}
	s.items = kept
}

// Duplicates groups stored matches whose fingerprints are within maxDistance
// of each other. Items without a fingerprint are never grouped. Groups keep
// store order and only groups of two or more are returned.
func (s *ResultStore) Duplicates(maxDistance int) [][]ScanItem {
	items := s.Items()

	parent := make([]int, len(items))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}

	for i := range items {
		if items[i].Fingerprint == nil {
			continue
		}
		for j := i + 1; j < len(items); j++ {
			if items[j].Fingerprint == nil {
				continue
			}
			dist, err := items[i].Fingerprint.Distance(items[j].Fingerprint)
			if err != nil || dist >= maxDistance {
				continue
			}
			ri, rj := find(i), find(j)
			if ri != rj {
				if rj < ri {
					ri, rj = rj, ri
				}
				parent[rj] = ri
			}
		}
	}

	groups := make(map[int][]ScanItem)
	var roots []int
	for i, item := range items {
		r := find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], item)
	}

	var out [][]ScanItem
	for _, r := range roots {
		if len(groups[r]) > 1 {
			out = append(out, groups[r])
		}
	}
	return out
}
