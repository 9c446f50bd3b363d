package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// State is the lifecycle of the backend session.
type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

type Options struct {
	ModelPath   string
	LibraryPath string // onnxruntime shared library, empty = platform default
	Threads     int
}

// backend is one loaded inference session. Run is never called concurrently.
type backend interface {
	Run(tensor Tensor) ([NumClasses]float32, error)
	Close()
}

type loader func() (backend, error)

// Server owns the single inference session. Loading happens once in the
// background; Infer fails fast until it has finished.
type Server struct {
	Metadata Metadata

	mu      sync.RWMutex
	state   State
	loadErr error
	session backend
	ready   chan struct{}

	runMu sync.Mutex
}

// NewServer starts loading the model and returns immediately.
func NewServer(opts Options, meta Metadata) *Server {
	return newServer(meta, func() (backend, error) {
		return newOrtBackend(opts, meta)
	})
}

func newServer(meta Metadata, load loader) *Server {
	s := &Server{
		Metadata: meta,
		state:    StateLoading,
		ready:    make(chan struct{}),
	}
	go s.load(load)
	return s
}

func (s *Server) load(load loader) {
	session, err := load()

	s.mu.Lock()
	if err != nil {
		s.state = StateFailed
		s.loadErr = err
		slog.Error("model: failed to load", "error", err.Error())
	} else {
		s.state = StateReady
		s.session = session
		slog.Info("model: loaded")
	}
	s.mu.Unlock()

	close(s.ready)
}

// Ready is closed once loading has finished, successfully or not.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Loaded reports whether the session is ready for inference.
func (s *Server) Loaded() bool {
	return s.State() == StateReady
}

func (s *Server) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadErr
}

// Infer runs one forward pass. Only one call is in flight at a time.
func (s *Server) Infer(ctx context.Context, tensor Tensor) ([NumClasses]float32, error) {
	var out [NumClasses]float32

	s.mu.RLock()
	state, loadErr := s.state, s.loadErr
	s.mu.RUnlock()

	switch state {
	case StateLoading:
		return out, fmt.Errorf("%w: model is still loading", ErrBackendUnavailable)
	case StateFailed:
		return out, fmt.Errorf("%w: %v", ErrBackendUnavailable, loadErr)
	}

	if len(tensor) != TensorLen {
		return out, fmt.Errorf("%w: expected %d values, got %d", ErrInvalidInput, TensorLen, len(tensor))
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	// Close may have released the session while this call waited.
	s.mu.RLock()
	session := s.session
	s.mu.RUnlock()
	if session == nil {
		return out, fmt.Errorf("%w: server closed", ErrBackendUnavailable)
	}

	out, err := session.Run(tensor)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}
	return out, nil
}

// Close waits for loading to finish and releases the session.
func (s *Server) Close() {
	<-s.ready

	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.release()
}

// release destroys the session. runMu must be held.
func (s *Server) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Close()
		s.session = nil
	}
	if s.state == StateReady {
		s.state = StateFailed
		s.loadErr = fmt.Errorf("server closed")
	}
}

type ortBackend struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func newOrtBackend(opts Options, meta Metadata) (backend, error) {
	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	inputName, outputName, err := tensorNames(opts.ModelPath, meta)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	b := &ortBackend{inputTensor: inputTensor, outputTensor: outputTensor}

	options, err := ort.NewSessionOptions()
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if opts.Threads > 0 {
		if err := options.SetIntraOpNumThreads(opts.Threads); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}

	session, err := ort.NewAdvancedSession(opts.ModelPath,
		[]string{inputName}, []string{outputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	b.session = session

	slog.Info("model: session created",
		"path", opts.ModelPath,
		"input", inputName,
		"output", outputName,
		"threads", opts.Threads)

	return b, nil
}

// tensorNames prefers the names from metadata and falls back to the first
// input and output declared in the model file.
func tensorNames(modelPath string, meta Metadata) (string, string, error) {
	if meta.InputName != "" && meta.OutputName != "" {
		return meta.InputName, meta.OutputName, nil
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to read model inputs: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return "", "", fmt.Errorf("model declares no inputs or outputs")
	}

	inputName, outputName := meta.InputName, meta.OutputName
	if inputName == "" {
		inputName = inputs[0].Name
	}
	if outputName == "" {
		outputName = outputs[0].Name
	}
	return inputName, outputName, nil
}

func (b *ortBackend) Run(tensor Tensor) ([NumClasses]float32, error) {
	var out [NumClasses]float32

	copy(b.inputTensor.GetData(), tensor)

	if err := b.session.Run(); err != nil {
		return out, err
	}

	outputData := b.outputTensor.GetData()
	if len(outputData) < NumClasses {
		return out, fmt.Errorf("expected %d outputs, got %d", NumClasses, len(outputData))
	}
	copy(out[:], outputData[:NumClasses])
	return out, nil
}

func (b *ortBackend) Close() {
	if b.inputTensor != nil {
		b.inputTensor.Destroy()
	}
	if b.outputTensor != nil {
		b.outputTensor.Destroy()
	}
	if b.session != nil {
		b.session.Destroy()
	}
	ort.DestroyEnvironment()
}
