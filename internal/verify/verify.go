// Package verify decides whether a live image matches an enrolled gallery.
package verify

import (
	"context"
	"fmt"

	"github.com/montanaflynn/stats"

	"github.com/andresmejia3/faceverify/internal/event"
	"github.com/andresmejia3/faceverify/internal/types"
)

var log = event.Log

// Default thresholds.
const (
	DefaultDetection    = 0.7
	DefaultVerification = 0.7
)

// Loader preprocesses an image reference into a model input.
type Loader interface {
	Load(ref string) (types.Tensor, error)
}

// Comparator scores a live input against one validation image.
type Comparator interface {
	Score(input, validation types.Tensor) (float64, error)
}

// Result is the outcome of one verification.
type Result struct {
	Scores     []float64 // One per gallery image, in gallery order.
	Detections int       // Scores strictly above the detection threshold.
	Ratio      float64   // Detections / len(Scores).
	Verified   bool      // Ratio strictly above the verification threshold.
}

// Mean returns the average score, or zero for an empty result.
func (r Result) Mean() float64 {
	m, err := stats.Mean(r.Scores)
	if err != nil {
		return 0
	}
	return m
}

// Engine holds the single loaded model used for every comparison.
type Engine struct {
	loader Loader
	model  Comparator
}

// New returns an engine scoring with model.
func New(loader Loader, model Comparator) *Engine {
	return &Engine{loader: loader, model: model}
}

// ValidateThresholds checks both thresholds lie in (0,1).
func ValidateThresholds(detection, verification float64) error {
	for _, th := range []float64{detection, verification} {
		if !(th > 0 && th < 1) {
			return fmt.Errorf("%w: got %v", types.ErrInvalidThreshold, th)
		}
	}
	return nil
}

// Verify scores live against every gallery image. The live image is
// preprocessed once. Rejection is reported through Result.Verified, not as
// an error.
func (e *Engine) Verify(ctx context.Context, live string, gallery []string, detection, verification float64) (Result, error) {
	if err := ValidateThresholds(detection, verification); err != nil {
		return Result{}, err
	}
	if len(gallery) == 0 {
		return Result{}, &types.InvalidGalleryError{Reason: "gallery is empty"}
	}

	input, err := e.loader.Load(live)
	if err != nil {
		return Result{}, fmt.Errorf("live image: %w", err)
	}

	scores := make([]float64, len(gallery))
	for i, ref := range gallery {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		validation, err := e.loader.Load(ref)
		if err != nil {
			return Result{}, fmt.Errorf("gallery image: %w", err)
		}
		scores[i], err = e.model.Score(input, validation)
		if err != nil {
			return Result{}, fmt.Errorf("score %s: %w", ref, err)
		}
	}

	res := Decide(scores, detection, verification)
	log.Debugf("verify: %d/%d above %.2f, ratio %.3f, mean score %.3f, verified %t",
		res.Detections, len(scores), detection, res.Ratio, res.Mean(), res.Verified)
	return res, nil
}

// Decide applies both thresholds to a set of scores.
func Decide(scores []float64, detection, verification float64) Result {
	res := Result{Scores: scores}
	for _, s := range scores {
		if s > detection {
			res.Detections++
		}
	}
	if len(scores) > 0 {
		res.Ratio = float64(res.Detections) / float64(len(scores))
	}
	res.Verified = res.Ratio > verification
	return res
}
