package model

import (
	"math"
)

// normalizedTolerance is how far from 1.0 a vector may sum and still be
// treated as probabilities.
const normalizedTolerance = 1e-3

// Policy turns a raw 4-class output into a verdict. The explicit class has
// to be the top class and beat the runner-up by 1/DominanceRatio.
type Policy struct {
	ExplicitClass  int
	DominanceRatio float32
}

func NewPolicy(meta Metadata) Policy {
	return Policy{
		ExplicitClass:  meta.ExplicitClass,
		DominanceRatio: meta.DominanceRatio,
	}
}

// Breakdown carries the intermediate values of one decision for logging.
type Breakdown struct {
	Probabilities [NumClasses]float32
	MaxIndex      int
	MaxScore      float32
	SecondHighest float32
	Result        Result
}

func (p Policy) Decide(raw [NumClasses]float32) Result {
	return p.Explain(raw).Result
}

func (p Policy) Explain(raw [NumClasses]float32) Breakdown {
	probs := raw
	if !isNormalized(raw) {
		probs = Softmax(raw)
	}

	maxIndex := 0
	maxScore := probs[0]
	for i := 1; i < NumClasses; i++ {
		if probs[i] > maxScore {
			maxScore = probs[i]
			maxIndex = i
		}
	}

	var secondHighest float32
	first := true
	for i, score := range probs {
		if i == maxIndex {
			continue
		}
		if first || score > secondHighest {
			secondHighest = score
			first = false
		}
	}

	explicitScore := probs[p.ExplicitClass]
	verdict := maxIndex == p.ExplicitClass && secondHighest < explicitScore*p.DominanceRatio

	return Breakdown{
		Probabilities: probs,
		MaxIndex:      maxIndex,
		MaxScore:      maxScore,
		SecondHighest: secondHighest,
		Result: Result{
			Explicit:   verdict,
			Confidence: explicitScore,
		},
	}
}

// Softmax subtracts the maximum before exponentiating so large logits do not
// overflow.
func Softmax(in [NumClasses]float32) [NumClasses]float32 {
	maxVal := in[0]
	for _, v := range in[1:] {
		if v > maxVal {
			maxVal = v
		}
	}

	var exps [NumClasses]float64
	var sum float64
	for i, v := range in {
		exps[i] = math.Exp(float64(v - maxVal))
		sum += exps[i]
	}

	var out [NumClasses]float32
	for i := range exps {
		out[i] = float32(exps[i] / sum)
	}
	return out
}

// isNormalized reports whether raw already looks like a probability vector:
// every value in [0,1] and the total within tolerance of 1.
func isNormalized(raw [NumClasses]float32) bool {
	var sum float64
	for _, v := range raw {
		if v < 0 || v > 1 || math.IsNaN(float64(v)) {
			return false
		}
		sum += float64(v)
	}
	return math.Abs(sum-1) <= normalizedTolerance
}
