package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

const (
	TensorChannels = 3
	TensorHeight   = 224
	TensorWidth    = 224
	TensorLen      = TensorChannels * TensorHeight * TensorWidth

	NumClasses = 4
)

var (
	ErrInvalidInput       = errors.New("invalid input image")
	ErrBackendUnavailable = errors.New("inference backend unavailable")
	ErrInferenceFailed    = errors.New("inference failed")
)

// Tensor is a channel-major [3,224,224] float buffer in BGR order.
type Tensor []float32

// Metadata describes the contract between the preprocessing code and one
// trained model. Changing any value changes classification semantics.
type Metadata struct {
	InputShape     []int64    `json:"input_shape"`
	OutputShape    []int64    `json:"output_shape"`
	InputName      string     `json:"input_name"`
	OutputName     string     `json:"output_name"`
	Classes        []string   `json:"classes"`
	ImageSize      int        `json:"image_size"`
	ExplicitClass  int        `json:"explicit_class"`
	Means          [3]float32 `json:"means_bgr"`
	DominanceRatio float32    `json:"dominance_ratio"`
}

func DefaultMetadata() Metadata {
	return Metadata{
		InputShape:     []int64{1, TensorChannels, TensorHeight, TensorWidth},
		OutputShape:    []int64{1, NumClasses},
		Classes:        []string{"safe_0", "safe_1", "safe_2", "explicit"},
		ImageSize:      TensorWidth,
		ExplicitClass:  3,
		Means:          [3]float32{0.406, 0.456, 0.485},
		DominanceRatio: 0.5,
	}
}

// LoadMetadata reads the metadata JSON at path. An empty path or a missing
// file yields DefaultMetadata; fields absent from the file keep their defaults.
func LoadMetadata(path string) (Metadata, error) {
	meta := DefaultMetadata()
	if path == "" {
		return meta, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return meta, fmt.Errorf("failed to read metadata: %w", err)
	}

	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("failed to parse metadata: %w", err)
	}

	if err := meta.Validate(); err != nil {
		return meta, err
	}
	return meta, nil
}

func (m Metadata) Validate() error {
	if len(m.Classes) != NumClasses {
		return fmt.Errorf("metadata: expected %d classes, got %d", NumClasses, len(m.Classes))
	}
	if m.ExplicitClass < 0 || m.ExplicitClass >= NumClasses {
		return fmt.Errorf("metadata: explicit class %d out of range", m.ExplicitClass)
	}
	if m.ImageSize != TensorWidth {
		return fmt.Errorf("metadata: image size %d is not supported", m.ImageSize)
	}
	if m.DominanceRatio <= 0 || m.DominanceRatio > 1 {
		return fmt.Errorf("metadata: dominance ratio %v must be in (0,1]", m.DominanceRatio)
	}
	return nil
}

// Result is the verdict for one image. Confidence is always the explicit
// class probability, whatever the verdict.
type Result struct {
	Explicit   bool    `json:"explicit"`
	Confidence float32 `json:"confidence"`
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type PredictionResponse struct {
	Class       string             `json:"class"`
	Explicit    bool               `json:"explicit"`
	Confidence  float32            `json:"confidence"`
	Predictions map[string]float32 `json:"predictions"`
}

// Response labels a breakdown with the class names from meta.
func (b Breakdown) Response(meta Metadata) PredictionResponse {
	resp := PredictionResponse{
		Explicit:    b.Result.Explicit,
		Confidence:  b.Result.Confidence,
		Predictions: make(map[string]float32, NumClasses),
	}
	for i, p := range b.Probabilities {
		name := fmt.Sprintf("class_%d", i)
		if i < len(meta.Classes) {
			name = meta.Classes[i]
		}
		resp.Predictions[name] = p
		if i == b.MaxIndex {
			resp.Class = name
		}
	}
	return resp
}
