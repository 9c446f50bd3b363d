package model

import (
	"context"
	"image"
	"log/slog"
	"time"
)

// Inferer runs the model on one tensor. *Server implements it.
type Inferer interface {
	Infer(ctx context.Context, tensor Tensor) ([NumClasses]float32, error)
}

// Classifier runs preprocessing, inference and the decision policy in order.
// Failures never propagate: the image is reported as safe with zero
// confidence and the cause is returned alongside for diagnostics.
type Classifier struct {
	pre     *Preprocessor
	inferer Inferer
	policy  Policy
}

func NewClassifier(meta Metadata, inferer Inferer) *Classifier {
	return &Classifier{
		pre:     NewPreprocessor(meta),
		inferer: inferer,
		policy:  NewPolicy(meta),
	}
}

// Classify returns the verdict for img. A non-nil error means the result is
// the fail-soft (false, 0) default.
func (c *Classifier) Classify(ctx context.Context, img image.Image) (Result, error) {
	b, err := c.ExplainImage(ctx, img)
	if err != nil {
		return Result{}, err
	}
	return b.Result, nil
}

// ExplainImage is Classify with the per-class breakdown.
func (c *Classifier) ExplainImage(ctx context.Context, img image.Image) (Breakdown, error) {
	tensor, err := c.pre.Preprocess(img)
	if err != nil {
		slog.Warn("classifier: preprocessing failed", "error", err.Error())
		return Breakdown{}, err
	}
	return c.Explain(ctx, tensor)
}

func (c *Classifier) ClassifyTensor(ctx context.Context, tensor Tensor) (Result, error) {
	b, err := c.Explain(ctx, tensor)
	if err != nil {
		return Result{}, err
	}
	return b.Result, nil
}

// Explain is ClassifyTensor with the per-class breakdown.
func (c *Classifier) Explain(ctx context.Context, tensor Tensor) (Breakdown, error) {
	start := time.Now()
	raw, err := c.inferer.Infer(ctx, tensor)
	if err != nil {
		slog.Warn("classifier: inference failed", "error", err.Error())
		return Breakdown{}, err
	}

	b := c.policy.Explain(raw)
	slog.Debug("classifier: result",
		"class0", b.Probabilities[0],
		"class1", b.Probabilities[1],
		"class2", b.Probabilities[2],
		"class3", b.Probabilities[3],
		"top", b.MaxIndex,
		"second", b.SecondHighest,
		"explicit", b.Result.Explicit,
		"elapsed", time.Since(start))

	return b, nil
}
