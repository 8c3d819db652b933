// Package augment expands small enrolled image sets with randomly perturbed
// variants of each image.
package augment

import (
	"bytes"
	"fmt"
	"image"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/andresmejia3/faceverify/internal/event"
)

var log = event.Log

// Options bounds every perturbation of the chain.
type Options struct {
	Count           int     // Variants per source image.
	MaxBrightness   float64 // Brightness shift is drawn from [-MaxBrightness, MaxBrightness].
	ContrastLower   float64
	ContrastUpper   float64
	FlipProbability float64
	QualityLower    int // JPEG quality range, inclusive.
	QualityUpper    int
	SaturationLower float64
	SaturationUpper float64

	// Cumulative feeds each variant into the next instead of drawing every
	// variant from the untouched source image.
	Cumulative bool
}

// DefaultOptions returns the reference perturbation bounds.
func DefaultOptions() Options {
	return Options{
		Count:           9,
		MaxBrightness:   0.02,
		ContrastLower:   0.6,
		ContrastUpper:   1.0,
		FlipProbability: 0.5,
		QualityLower:    90,
		QualityUpper:    100,
		SaturationLower: 0.9,
		SaturationUpper: 1.0,
	}
}

// Validate checks that all ranges are well formed.
func (o Options) Validate() error {
	switch {
	case o.Count < 1:
		return fmt.Errorf("augment: count must be >= 1, got %d", o.Count)
	case o.MaxBrightness < 0 || o.MaxBrightness > 1:
		return fmt.Errorf("augment: brightness delta must be in [0,1], got %f", o.MaxBrightness)
	case o.ContrastLower < 0 || o.ContrastLower > o.ContrastUpper:
		return fmt.Errorf("augment: invalid contrast range [%f, %f]", o.ContrastLower, o.ContrastUpper)
	case o.FlipProbability < 0 || o.FlipProbability > 1:
		return fmt.Errorf("augment: flip probability must be in [0,1], got %f", o.FlipProbability)
	case o.QualityLower < 1 || o.QualityUpper > 100 || o.QualityLower > o.QualityUpper:
		return fmt.Errorf("augment: invalid jpeg quality range [%d, %d]", o.QualityLower, o.QualityUpper)
	case o.SaturationLower < 0 || o.SaturationLower > o.SaturationUpper:
		return fmt.Errorf("augment: invalid saturation range [%f, %f]", o.SaturationLower, o.SaturationUpper)
	}
	return nil
}

// Engine applies the perturbation chain. It is safe for concurrent use.
type Engine struct {
	opts Options

	mu  sync.Mutex
	rnd *rand.Rand
}

// New returns an engine drawing from rnd. A nil rnd is seeded from the clock.
func New(opts Options, rnd *rand.Rand) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{opts: opts, rnd: rnd}, nil
}

// Perturbation is one draw of the random chain parameters.
type Perturbation struct {
	Brightness float64
	Contrast   float64
	Flip       bool
	Quality    int
	Saturation float64
}

func (e *Engine) draw() Perturbation {
	e.mu.Lock()
	defer e.mu.Unlock()

	o := e.opts
	return Perturbation{
		Brightness: (e.rnd.Float64()*2 - 1) * o.MaxBrightness,
		Contrast:   o.ContrastLower + e.rnd.Float64()*(o.ContrastUpper-o.ContrastLower),
		Flip:       e.rnd.Float64() < o.FlipProbability,
		Quality:    o.QualityLower + e.rnd.Intn(o.QualityUpper-o.QualityLower+1),
		Saturation: o.SaturationLower + e.rnd.Float64()*(o.SaturationUpper-o.SaturationLower),
	}
}

// Apply runs the chain with fixed parameters. Bounds are preserved.
func Apply(src image.Image, p Perturbation) (image.Image, error) {
	img := imaging.AdjustBrightness(src, p.Brightness*100)
	img = imaging.AdjustContrast(img, (p.Contrast-1)*100)
	if p.Flip {
		img = imaging.FlipH(img)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.Quality)); err != nil {
		return nil, fmt.Errorf("augment: jpeg encode: %w", err)
	}
	decoded, err := imaging.Decode(&buf)
	if err != nil {
		return nil, fmt.Errorf("augment: jpeg decode: %w", err)
	}

	return imaging.AdjustSaturation(decoded, (p.Saturation-1)*100), nil
}

// Augment returns Count perturbed variants of src.
func (e *Engine) Augment(src image.Image) ([]image.Image, error) {
	if src == nil || src.Bounds().Empty() {
		return nil, fmt.Errorf("augment: empty source image")
	}

	variants := make([]image.Image, 0, e.opts.Count)
	base := src

	for i := 0; i < e.opts.Count; i++ {
		v, err := Apply(base, e.draw())
		if err != nil {
			return variants, err
		}
		variants = append(variants, v)

		if e.opts.Cumulative {
			base = v
		}
	}

	return variants, nil
}

// AugmentPool writes Count variants of every image in refs into dir as new
// uuid-named JPEG files and returns how many files were written.
func (e *Engine) AugmentPool(dir string, refs []string) (int, error) {
	written := 0

	for _, ref := range refs {
		src, err := imaging.Open(ref, imaging.AutoOrientation(true))
		if err != nil {
			return written, fmt.Errorf("augment: open %s: %w", filepath.Base(ref), err)
		}

		variants, err := e.Augment(src)
		if err != nil {
			return written, err
		}

		for _, v := range variants {
			name := filepath.Join(dir, fmt.Sprintf("%s.jpg", uuid.New()))
			if err := imaging.Save(v, name, imaging.JPEGQuality(95)); err != nil {
				return written, fmt.Errorf("augment: save %s: %w", filepath.Base(name), err)
			}
			written++
		}

		log.Debugf("augment: %d variants of %s", len(variants), filepath.Base(ref))
	}

	return written, nil
}
