package scan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/google/uuid"

	"github.com/Brownie44l1/densfw/internal/model"
)

const (
	DefaultPreviewSize   = 1024
	DefaultThumbnailSize = 300
)

type Config struct {
	PreviewSize   int
	ThumbnailSize int
}

func (c *Config) defaults() {
	if c.PreviewSize <= 0 {
		c.PreviewSize = DefaultPreviewSize
	}
	if c.ThumbnailSize <= 0 {
		c.ThumbnailSize = DefaultThumbnailSize
	}
}

// Orchestrator drives one scan at a time over the photo source. Assets are
// fetched and classified sequentially on a single worker goroutine.
type Orchestrator struct {
	source     PhotoSource
	classifier Classifier
	store      *ResultStore
	observers  []Observer
	cfg        Config

	mu      sync.Mutex
	current *session
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewOrchestrator wires the scan pipeline. store may be nil; when set it is
// loaded with the matches of every completed session.
func NewOrchestrator(source PhotoSource, classifier Classifier, store *ResultStore, cfg Config, observers ...Observer) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{
		source:     source,
		classifier: classifier,
		store:      store,
		observers:  observers,
		cfg:        cfg,
		current:    &session{state: StateIdle},
	}
}

// Start begins a new session and returns its initial snapshot. The scan keeps
// running after ctx is done; use Cancel to stop it. A cancelled session whose
// worker is still finishing its last asset also counts as running.
func (o *Orchestrator) Start(ctx context.Context) (Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current.state == StateRunning || o.workerActive() {
		return Snapshot{}, ErrAlreadyRunning
	}

	sess := &session{
		id:        uuid.New().String(),
		state:     StateRunning,
		matches:   []ScanItem{},
		startedAt: time.Now(),
	}
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	o.current = sess
	o.cancel = cancel
	o.done = make(chan struct{})

	go o.run(workerCtx, sess, o.done)

	slog.Info("scan: started", "session", sess.id)
	return sess.snapshot(), nil
}

// Cancel stops the running session at the next asset boundary. An asset whose
// classification is already in flight finishes and is discarded.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current.state != StateRunning {
		return ErrNotRunning
	}
	o.current.state = StateCancelled
	o.current.finishedAt = time.Now()
	o.cancel()

	slog.Info("scan: cancel requested", "session", o.current.id)
	return nil
}

// workerActive reports whether the last worker has yet to exit. o.mu must be
// held.
func (o *Orchestrator) workerActive() bool {
	if o.done == nil {
		return false
	}
	select {
	case <-o.done:
		return false
	default:
		return true
	}
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current.snapshot()
}

// Wait blocks until the current session's worker has exited or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, sess *session, done chan struct{}) {
	defer close(done)

	refs, err := o.enumerate(ctx)
	if err != nil {
		o.mu.Lock()
		failed := sess.state == StateRunning
		if failed {
			sess.state = StateCancelled
			sess.finishedAt = time.Now()
			sess.err = err.Error()
		}
		o.mu.Unlock()

		if failed {
			slog.Error("scan: enumeration failed", "session", sess.id, "error", err.Error())
		}
		o.finish(sess)
		return
	}

	o.mu.Lock()
	if sess.state == StateRunning {
		sess.total = len(refs)
	}
	o.mu.Unlock()

	for _, ref := range refs {
		if !o.scanAsset(ctx, sess, ref) {
			break
		}
	}

	o.mu.Lock()
	if sess.state == StateRunning {
		sess.state = StateCompleted
		sess.finishedAt = time.Now()
	}
	o.mu.Unlock()

	o.finish(sess)
}

func (o *Orchestrator) enumerate(ctx context.Context) ([]AssetRef, error) {
	n, err := o.source.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count assets: %w", err)
	}

	refs := make([]AssetRef, 0, n)
	for i := 0; i < n; i++ {
		ref, err := o.source.AssetAt(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("asset %d: %w", i, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// scanAsset processes one asset and reports whether the session is still
// running.
func (o *Orchestrator) scanAsset(ctx context.Context, sess *session, ref AssetRef) bool {
	if !o.isRunning(sess) {
		return false
	}

	res, err := o.classifyAsset(ctx, ref)

	var item *ScanItem
	if err == nil && res.Explicit {
		item = &ScanItem{Asset: ref, Confidence: res.Confidence}
	}
	return o.commit(ctx, sess, ref, item, err)
}

// classifyAsset fetches the preview and classifies it. Classification runs
// detached from ctx so a cancel never interrupts it.
func (o *Orchestrator) classifyAsset(ctx context.Context, ref AssetRef) (model.Result, error) {
	img, err := o.source.FetchPixels(ctx, ref, o.cfg.PreviewSize)
	if err != nil {
		return model.Result{}, fmt.Errorf("fetch pixels: %w", err)
	}
	return o.classifier.Classify(context.WithoutCancel(ctx), img)
}

// commit records the outcome of one asset. Nothing is recorded once the
// session has left the running state.
func (o *Orchestrator) commit(ctx context.Context, sess *session, ref AssetRef, item *ScanItem, assetErr error) bool {
	o.mu.Lock()
	if sess.state != StateRunning {
		o.mu.Unlock()
		return false
	}

	matchIndex := -1
	if item != nil {
		sess.matches = append(sess.matches, *item)
		matchIndex = len(sess.matches) - 1
	}
	if assetErr != nil {
		sess.warnings++
	}
	sess.processed++

	progress := Progress{
		SessionID: sess.id,
		Processed: sess.processed,
		Total:     sess.total,
		Matches:   len(sess.matches),
	}
	if item != nil {
		match := *item
		progress.Match = &match
	}
	o.mu.Unlock()

	if assetErr != nil {
		slog.Warn("scan: asset treated as safe", "session", sess.id, "asset", ref.ID, "error", assetErr.Error())
		w := Warning{SessionID: sess.id, AssetID: ref.ID, Message: assetErr.Error()}
		for _, obs := range o.observers {
			obs.OnWarning(w)
		}
	}
	if item != nil {
		slog.Debug("scan: match", "session", sess.id, "asset", ref.ID, "confidence", item.Confidence)
	}

	for _, obs := range o.observers {
		obs.OnProgress(progress)
	}

	if matchIndex >= 0 {
		o.populateThumbnail(ctx, sess, matchIndex, ref)
	}
	return true
}

// populateThumbnail loads the preview for a recorded match. Failure leaves
// the thumbnail empty.
func (o *Orchestrator) populateThumbnail(ctx context.Context, sess *session, index int, ref AssetRef) {
	o.mu.Lock()
	cancelled := sess.state != StateRunning
	o.mu.Unlock()
	if cancelled {
		return
	}

	thumb, err := o.source.FetchThumbnail(ctx, ref, o.cfg.ThumbnailSize)
	if err != nil {
		slog.Warn("scan: thumbnail unavailable", "asset", ref.ID, "error", err.Error())
		return
	}

	hash, err := goimagehash.DifferenceHash(thumb)
	if err != nil {
		slog.Debug("scan: fingerprint unavailable", "asset", ref.ID, "error", err.Error())
		hash = nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if sess.state != StateRunning || index >= len(sess.matches) {
		return
	}
	sess.matches[index].Thumbnail = thumb
	sess.matches[index].Fingerprint = hash
}

func (o *Orchestrator) isRunning(sess *session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return sess.state == StateRunning
}

func (o *Orchestrator) finish(sess *session) {
	o.mu.Lock()
	snap := sess.snapshot()
	o.mu.Unlock()

	if snap.State == StateCompleted && o.store != nil {
		o.store.Load(snap.Matches)
	}

	rate := float64(len(snap.Matches)) / float64(max(snap.Total, 1)) * 100
	slog.Info("scan: finished",
		"session", snap.ID,
		"state", string(snap.State),
		"total", snap.Total,
		"processed", snap.Processed,
		"matches", len(snap.Matches),
		"warnings", snap.Warnings,
		"detection_rate", fmt.Sprintf("%.1f%%", rate))

	ev := Finished{
		SessionID:  snap.ID,
		State:      snap.State,
		Total:      snap.Total,
		Processed:  snap.Processed,
		Matches:    snap.Matches,
		Warnings:   snap.Warnings,
		Err:        snap.Err,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
	}
	for _, obs := range o.observers {
		obs.OnFinished(ev)
	}
}
