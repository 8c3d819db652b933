package types

import "fmt"

const (
	// ImageSize is the width and height every tensor fed to the network has.
	ImageSize = 100
	// Channels is the number of colour channels of an image tensor (RGB).
	Channels = 3
)

// Tensor is an image tensor in HWC order with values scaled to [0,1].
type Tensor struct {
	Height   int
	Width    int
	Channels int
	Data     []float32
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(h, w, c int) Tensor {
	return Tensor{Height: h, Width: w, Channels: c, Data: make([]float32, h*w*c)}
}

// Shape returns the tensor dimensions as [height, width, channels].
func (t Tensor) Shape() [3]int {
	return [3]int{t.Height, t.Width, t.Channels}
}

// At returns the value at row y, column x, channel c.
func (t Tensor) At(y, x, c int) float32 {
	return t.Data[(y*t.Width+x)*t.Channels+c]
}

// Float64 returns a copy of the tensor data widened to float64.
func (t Tensor) Float64() []float64 {
	out := make([]float64, len(t.Data))
	for i, v := range t.Data {
		out[i] = float64(v)
	}
	return out
}

// Validate checks the canonical 100x100x3 shape and the [0,1] value range.
func (t Tensor) Validate() error {
	if t.Height != ImageSize || t.Width != ImageSize || t.Channels != Channels {
		return fmt.Errorf("tensor shape %v, want [%d %d %d]", t.Shape(), ImageSize, ImageSize, Channels)
	}
	if len(t.Data) != t.Height*t.Width*t.Channels {
		return fmt.Errorf("tensor holds %d values, want %d", len(t.Data), t.Height*t.Width*t.Channels)
	}
	for i, v := range t.Data {
		if v < 0 || v > 1 {
			return fmt.Errorf("tensor value %f at %d out of range [0,1]", v, i)
		}
	}
	return nil
}

// PoolName identifies one of the three sample pools.
type PoolName string

const (
	Anchor   PoolName = "anchor"
	Positive PoolName = "positive"
	Negative PoolName = "negative"
)

// Sample is one entry of a sample pool. Identity is optional; when set it is
// used to check that anchor and positive pools line up by position.
type Sample struct {
	Ref      string `json:"ref"`
	Identity string `json:"identity,omitempty"`
}

// Pool is an ordered, named collection of samples.
type Pool struct {
	Name    PoolName
	Samples []Sample
}

// Len returns the number of samples in the pool.
func (p Pool) Len() int {
	return len(p.Samples)
}

// Refs returns the file references of the pool in order.
func (p Pool) Refs() []string {
	refs := make([]string, len(p.Samples))
	for i, s := range p.Samples {
		refs[i] = s.Ref
	}
	return refs
}

// PoolFromRefs builds a pool without identity keys.
func PoolFromRefs(name PoolName, refs []string) Pool {
	p := Pool{Name: name, Samples: make([]Sample, len(refs))}
	for i, r := range refs {
		p.Samples[i] = Sample{Ref: r}
	}
	return p
}

// Label values of a pair.
const (
	Match    = 1.0
	NonMatch = 0.0
)

// Pair is a labelled (anchor, candidate) example.
type Pair struct {
	Anchor    string  `json:"anchor"`
	Candidate string  `json:"candidate"`
	Label     float64 `json:"label"`
}
