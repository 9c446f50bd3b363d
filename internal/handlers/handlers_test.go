package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/densfw/internal/history"
	"github.com/Brownie44l1/densfw/internal/model"
	"github.com/Brownie44l1/densfw/internal/photos"
	"github.com/Brownie44l1/densfw/internal/scan"
	"github.com/Brownie44l1/densfw/internal/vault"
)

var (
	explicitColor = color.RGBA{B: 255, A: 255}
	safeColor     = color.RGBA{R: 255, A: 255}
)

// blueInferer flags images whose blue plane is above its mean. The tensor
// starts with the blue plane.
type blueInferer struct {
	err error
}

func (b blueInferer) Infer(ctx context.Context, tensor model.Tensor) ([model.NumClasses]float32, error) {
	if b.err != nil {
		return [model.NumClasses]float32{}, b.err
	}
	if tensor[0] > 0 {
		return [model.NumClasses]float32{0.05, 0.05, 0.1, 0.8}, nil
	}
	return [model.NumClasses]float32{0.8, 0.1, 0.05, 0.05}, nil
}

type stubStatus struct {
	state model.State
	err   error
}

func (s stubStatus) State() model.State { return s.state }
func (s stubStatus) Loaded() bool       { return s.state == model.StateReady }
func (s stubStatus) Err() error         { return s.err }

func writeImage(t *testing.T, path string, c color.Color, modTime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))

	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

type testEnv struct {
	server  *httptest.Server
	scanner *scan.Orchestrator
	results *scan.ResultStore
	root    string
	vault   string
	history *history.Repository
}

func newTestEnv(t *testing.T, inferer model.Inferer) *testEnv {
	t.Helper()

	root := t.TempDir()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	writeImage(t, filepath.Join(root, "beach.png"), explicitColor, base)
	writeImage(t, filepath.Join(root, "cat.png"), safeColor, base.Add(-time.Hour))
	writeImage(t, filepath.Join(root, "trip", "pool.png"), explicitColor, base.Add(-2*time.Hour))

	lib, err := photos.NewLibrary(root)
	require.NoError(t, err)

	repo, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	vaultDir := filepath.Join(t.TempDir(), "SecureFolder")
	v, err := vault.New(vaultDir, repo)
	require.NoError(t, err)

	meta := model.DefaultMetadata()
	classifier := model.NewClassifier(meta, inferer)
	store := scan.NewResultStore(lib, v)
	events := scan.NewBroadcaster()
	scanner := scan.NewOrchestrator(lib, classifier, store, scan.Config{ThumbnailSize: 16}, events, history.NewRecorder(repo))

	h := NewHandler(Deps{
		Model:      stubStatus{state: model.StateReady},
		Metadata:   meta,
		Classifier: classifier,
		Scanner:    scanner,
		Results:    store,
		Events:     events,
		History:    repo,
		Vault:      v,
	})

	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, scanner: scanner, results: store, root: root, vault: vaultDir, history: repo}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// runScan starts a scan and waits for it to finish.
func (e *testEnv) runScan(t *testing.T) {
	t.Helper()

	resp := e.do(t, http.MethodPost, "/scan", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.scanner.Wait(ctx))
	require.Equal(t, scan.StateCompleted, e.scanner.Snapshot().State)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, blueInferer{})

	resp := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	body := decode[map[string]any](t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ready", body["model"])
	assert.Equal(t, true, body["ready"])
}

func TestPredict(t *testing.T) {
	env := newTestEnv(t, blueInferer{})

	tensor := make([]float32, model.TensorLen)
	tensor[0] = 1

	resp := env.do(t, http.MethodPost, "/predict", model.PredictionRequest{Image: tensor})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[model.PredictionResponse](t, resp)
	assert.True(t, body.Explicit)
	assert.Equal(t, "explicit", body.Class)
	assert.InDelta(t, 0.8, body.Confidence, 1e-6)
}

func TestPredict_Errors(t *testing.T) {
	tests := []struct {
		name    string
		inferer model.Inferer
		body    any
		status  int
	}{
		{"wrong length", blueInferer{}, model.PredictionRequest{Image: []float32{1, 2, 3}}, http.StatusBadRequest},
		{"not json", blueInferer{}, "nope", http.StatusBadRequest},
		{"backend loading", blueInferer{err: model.ErrBackendUnavailable}, model.PredictionRequest{Image: make([]float32, model.TensorLen)}, http.StatusServiceUnavailable},
		{"inference failed", blueInferer{err: model.ErrInferenceFailed}, model.PredictionRequest{Image: make([]float32, model.TensorLen)}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.inferer)
			resp := env.do(t, http.MethodPost, "/predict", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestPredictFromImage(t *testing.T) {
	env := newTestEnv(t, blueInferer{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "beach.png")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(env.root, "beach.png"))
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.server.URL+"/predict/image", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[model.PredictionResponse](t, resp).Explicit)
}

func TestPredictFromImage_MissingField(t *testing.T) {
	env := newTestEnv(t, blueInferer{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.server.URL+"/predict/image", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScan_ResultsAndSelection(t *testing.T) {
	env := newTestEnv(t, blueInferer{})
	env.runScan(t)

	status := decode[snapshotResponse](t, env.do(t, http.MethodGet, "/scan", nil))
	assert.Equal(t, scan.StateCompleted, status.State)
	assert.Equal(t, 3, status.Total)
	assert.InDelta(t, 1.0, status.Progress, 1e-9)

	items := decode[[]itemResponse](t, env.do(t, http.MethodGet, "/results", nil))
	require.Len(t, items, 2)
	assert.Equal(t, "beach.png", items[0].AssetID)
	assert.Equal(t, "trip/pool.png", items[1].AssetID)
	assert.True(t, items[0].HasThumbnail)

	resp := env.do(t, http.MethodPost, "/results/1/toggle", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[itemResponse](t, resp).Selected)

	selected := decode[[]itemResponse](t, env.do(t, http.MethodGet, "/results/selected", nil))
	require.Len(t, selected, 1)
	assert.Equal(t, 1, selected[0].Index)

	assert.Equal(t, 2, decode[map[string]int](t, env.do(t, http.MethodPost, "/results/select-all", nil))["selected"])
	env.do(t, http.MethodPost, "/results/deselect-all", nil)
	assert.Empty(t, env.results.Selected())

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/results/7/toggle", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/results/x/toggle", nil).StatusCode)
}

func TestScan_Thumbnail(t *testing.T) {
	env := newTestEnv(t, blueInferer{})
	env.runScan(t)

	resp := env.do(t, http.MethodGet, "/results/0/thumbnail", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))

	img, format, err := image.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, img.Bounds().Dx(), img.Bounds().Dy())
}

func TestScan_Duplicates(t *testing.T) {
	env := newTestEnv(t, blueInferer{})
	env.runScan(t)

	groups := decode[[][]itemResponse](t, env.do(t, http.MethodGet, "/results/duplicates", nil))
	require.Len(t, groups, 1)
	require.Len(t, groups[0], 2)
	assert.Equal(t, 0, groups[0][0].Index)
	assert.Equal(t, 1, groups[0][1].Index)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/results/duplicates?distance=-1", nil).StatusCode)
}

func TestScan_CancelWhenIdleConflicts(t *testing.T) {
	env := newTestEnv(t, blueInferer{})
	env.runScan(t)

	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodDelete, "/scan", nil).StatusCode)
}

func TestResults_DeleteSelection(t *testing.T) {
	env := newTestEnv(t, blueInferer{})
	env.runScan(t)

	_, err := env.results.Toggle(0)
	require.NoError(t, err)

	resp := env.do(t, http.MethodPost, "/results/delete", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]int](t, resp)
	assert.Equal(t, 1, body["deleted"])
	assert.Equal(t, 1, body["remaining"])

	_, err = os.Stat(filepath.Join(env.root, "beach.png"))
	assert.True(t, os.IsNotExist(err))
}

func TestResults_DeleteUnknownID(t *testing.T) {
	env := newTestEnv(t, blueInferer{})
	env.runScan(t)

	resp := env.do(t, http.MethodPost, "/results/delete", idsRequest{IDs: []string{"cat.png"}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 2, env.results.Len())
}

func TestResults_MoveByID(t *testing.T) {
	env := newTestEnv(t, blueInferer{})
	env.runScan(t)

	resp := env.do(t, http.MethodPost, "/results/move", idsRequest{IDs: []string{"trip/pool.png"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	report := decode[scan.MoveReport](t, resp)
	require.Len(t, report.Moved, 1)
	assert.Equal(t, "pool.png", report.Moved[0].StoredName)
	assert.Empty(t, report.Failed)

	_, err := os.Stat(filepath.Join(env.vault, "pool.png"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(env.root, "trip", "pool.png"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 1, env.results.Len())
}

func TestResults_MovePartialFailure(t *testing.T) {
	env := newTestEnv(t, blueInferer{})
	env.runScan(t)

	// The file vanishes behind the store's back, so reading it fails.
	require.NoError(t, os.Remove(filepath.Join(env.root, "beach.png")))

	resp := env.do(t, http.MethodPost, "/results/move", idsRequest{IDs: []string{"beach.png", "trip/pool.png"}})
	require.Equal(t, http.StatusMultiStatus, resp.StatusCode)

	var body struct {
		scan.MoveReport
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Moved, 1)
	require.Len(t, body.Failed, 1)
	assert.Equal(t, "beach.png", body.Failed[0].AssetID)
	assert.NotEmpty(t, body.Error)
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, blueInferer{})
	env.runScan(t)
	id := env.scanner.Snapshot().ID

	resp := env.do(t, http.MethodGet, "/history?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := decode[[]history.ScanRun](t, resp)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
	assert.Equal(t, 2, runs[0].Matches)

	resp = env.do(t, http.MethodGet, "/history/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decode[history.ScanRun](t, resp)
	assert.Equal(t, "completed", run.State)
	assert.Equal(t, 3, run.Total)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/history/unknown", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/history?limit=zero", nil).StatusCode)
}

func TestVault_ListAndServe(t *testing.T) {
	env := newTestEnv(t, blueInferer{})
	env.runScan(t)

	resp := env.do(t, http.MethodPost, "/results/move", idsRequest{IDs: []string{"beach.png"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entries := decode[[]vaultEntryResponse](t, env.do(t, http.MethodGet, "/vault", nil))
	require.Len(t, entries, 1)
	assert.Equal(t, "beach.png", entries[0].AssetID)
	assert.Equal(t, "beach.png", entries[0].StoredName)

	resp = env.do(t, http.MethodGet, "/vault/beach.png", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	img, format, err := image.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 32, img.Bounds().Dx())

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/vault/missing.png", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/vault/.hidden", nil).StatusCode)
}

func TestEventSession(t *testing.T) {
	assert.Equal(t, "p", eventSession(scan.Event{Type: scan.EventProgress, Progress: &scan.Progress{SessionID: "p"}}))
	assert.Equal(t, "w", eventSession(scan.Event{Type: scan.EventWarning, Warning: &scan.Warning{SessionID: "w"}}))
	assert.Equal(t, "f", eventSession(scan.Event{Type: scan.EventFinished, Finished: &scan.Finished{SessionID: "f"}}))
	assert.Empty(t, eventSession(scan.Event{}))
}

func TestScanEvents_IdleStreamsSnapshotOnly(t *testing.T) {
	env := newTestEnv(t, blueInferer{})

	resp := env.do(t, http.MethodGet, "/scan/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp)
	require.Len(t, events, 1)
	assert.Equal(t, "snapshot", events[0])
}

func TestScanEvents_StreamsUntilFinished(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnv(t, gatedInferer{gate: gate})

	resp := env.do(t, http.MethodPost, "/scan", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	stream := env.do(t, http.MethodGet, "/scan/events", nil)
	require.Equal(t, http.StatusOK, stream.StatusCode)
	close(gate)

	events := readEvents(t, stream)
	require.NotEmpty(t, events)
	assert.Equal(t, "snapshot", events[0])
	assert.Equal(t, "finished", events[len(events)-1])
	assert.Contains(t, events, "progress")
}

// gatedInferer blocks every call until gate is closed. entered, when set,
// is signalled as each call arrives.
type gatedInferer struct {
	gate    chan struct{}
	entered chan struct{}
}

func (g gatedInferer) Infer(ctx context.Context, tensor model.Tensor) ([model.NumClasses]float32, error) {
	if g.entered != nil {
		select {
		case g.entered <- struct{}{}:
		default:
		}
	}
	<-g.gate
	return blueInferer{}.Infer(ctx, tensor)
}

func readEvents(t *testing.T, resp *http.Response) []string {
	t.Helper()

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestScan_RestartAfterCancelWaitsForWorker(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	env := newTestEnv(t, gatedInferer{gate: gate, entered: entered})

	first := decode[snapshotResponse](t, env.do(t, http.MethodPost, "/scan", nil))
	<-entered
	require.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, "/scan", nil).StatusCode)

	// The cancelled worker is still blocked in inference.
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/scan", nil).StatusCode)

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.scanner.Wait(ctx))

	resp := env.do(t, http.MethodPost, "/scan", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	second := decode[snapshotResponse](t, resp)
	assert.NotEqual(t, first.ID, second.ID)
	require.NoError(t, env.scanner.Wait(ctx))
}
