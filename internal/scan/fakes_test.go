package scan

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/Brownie44l1/densfw/internal/model"
)

// taggedImage lets the fake classifier know which asset it was handed.
type taggedImage struct {
	image.Image
	id string
}

// fakeSource is an in-memory photo library. When countGate is set, Count
// signals countEntered and blocks until the gate is closed.
type fakeSource struct {
	mu           sync.Mutex
	assets       []AssetRef
	countErr     error
	countGate    chan struct{}
	countEntered chan struct{}
	pixelErr     map[string]error
	thumbErr     error
	raw          map[string][]byte
	rawErr       map[string]error
	deleteErr    error
	deleteFail   map[string]error
	deleted      []string
}

func newFakeSource(ids ...string) *fakeSource {
	src := &fakeSource{
		countEntered: make(chan struct{}, 1),
		pixelErr:     map[string]error{},
		raw:          map[string][]byte{},
		rawErr:       map[string]error{},
		deleteFail:   map[string]error{},
	}
	base := time.Date(2025, 9, 9, 12, 0, 0, 0, time.UTC)
	for i, id := range ids {
		src.assets = append(src.assets, AssetRef{
			ID:        id,
			Filename:  id + ".jpg",
			CreatedAt: base.Add(-time.Duration(i) * time.Minute),
		})
		src.raw[id] = []byte("bytes of " + id)
	}
	return src
}

func (f *fakeSource) Count(ctx context.Context) (int, error) {
	f.mu.Lock()
	gate := f.countGate
	f.mu.Unlock()
	if gate != nil {
		f.countEntered <- struct{}{}
		<-gate
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	return len(f.assets), nil
}

func (f *fakeSource) AssetAt(ctx context.Context, i int) (AssetRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.assets) {
		return AssetRef{}, fmt.Errorf("index %d out of range", i)
	}
	return f.assets[i], nil
}

func (f *fakeSource) FetchPixels(ctx context.Context, ref AssetRef, targetSize int) (image.Image, error) {
	f.mu.Lock()
	err := f.pixelErr[ref.ID]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return taggedImage{Image: image.NewRGBA(image.Rect(0, 0, 4, 4)), id: ref.ID}, nil
}

func (f *fakeSource) FetchThumbnail(ctx context.Context, ref AssetRef, size int) (image.Image, error) {
	f.mu.Lock()
	err := f.thumbErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, color.Gray{Y: uint8(x * 16)})
		}
	}
	return img, nil
}

func (f *fakeSource) FetchRawBytes(ctx context.Context, ref AssetRef) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.rawErr[ref.ID]; err != nil {
		return nil, err
	}
	data, ok := f.raw[ref.ID]
	if !ok {
		return nil, errors.New("asset not found")
	}
	return data, nil
}

func (f *fakeSource) DeleteAssets(ctx context.Context, refs []AssetRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}

	var (
		gone []AssetRef
		errs []error
	)
	for _, ref := range refs {
		if err := f.deleteFail[ref.ID]; err != nil {
			errs = append(errs, err)
			continue
		}
		f.deleted = append(f.deleted, ref.ID)
		gone = append(gone, ref)
	}
	if len(errs) > 0 {
		return &DeleteError{Deleted: gone, Err: errors.Join(errs...)}
	}
	return nil
}

func (f *fakeSource) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// fakeClassifier flags the IDs in explicit. An ID with a gate blocks until
// the gate is closed; entered is signalled first.
type fakeClassifier struct {
	mu       sync.Mutex
	explicit map[string]bool
	errs     map[string]error
	gates    map[string]chan struct{}
	entered  chan string
	calls    []string
}

func newFakeClassifier(explicit ...string) *fakeClassifier {
	c := &fakeClassifier{
		explicit: map[string]bool{},
		errs:     map[string]error{},
		gates:    map[string]chan struct{}{},
		entered:  make(chan string, 16),
	}
	for _, id := range explicit {
		c.explicit[id] = true
	}
	return c
}

func (c *fakeClassifier) Classify(ctx context.Context, img image.Image) (model.Result, error) {
	id := img.(taggedImage).id

	c.mu.Lock()
	c.calls = append(c.calls, id)
	gate := c.gates[id]
	err := c.errs[id]
	explicit := c.explicit[id]
	c.mu.Unlock()

	if gate != nil {
		c.entered <- id
		<-gate
	}
	if err != nil {
		return model.Result{}, err
	}
	if explicit {
		return model.Result{Explicit: true, Confidence: 0.9}, nil
	}
	return model.Result{Confidence: 0.05}, nil
}

type recorder struct {
	mu       sync.Mutex
	events   []Event
	finished chan Finished
}

func newRecorder() *recorder {
	return &recorder{finished: make(chan Finished, 4)}
}

func (r *recorder) OnProgress(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: EventProgress, Progress: &p})
}

func (r *recorder) OnWarning(w Warning) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: EventWarning, Warning: &w})
}

func (r *recorder) OnFinished(f Finished) {
	r.mu.Lock()
	r.events = append(r.events, Event{Type: EventFinished, Finished: &f})
	r.mu.Unlock()
	r.finished <- f
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) progress() []Progress {
	var out []Progress
	for _, ev := range r.snapshot() {
		if ev.Type == EventProgress {
			out = append(out, *ev.Progress)
		}
	}
	return out
}

type fakeVault struct {
	mu    sync.Mutex
	saved map[string][]byte
	fail  map[string]error
}

func newFakeVault() *fakeVault {
	return &fakeVault{saved: map[string][]byte{}, fail: map[string]error{}}
}

func (v *fakeVault) Save(ctx context.Context, assetID, filename string, data []byte) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.fail[assetID]; err != nil {
		return "", err
	}
	name := filename
	if _, exists := v.saved[name]; exists {
		name = "dup_" + filename
	}
	v.saved[name] = data
	return name, nil
}
