package nn

import (
	"math"
	"math/rand"
)

// Param is one trainable tensor and its accumulated gradient.
type Param struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
}

func newParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:  name,
		Shape: shape,
		Value: make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// Len returns the number of scalars in the parameter.
func (p *Param) Len() int {
	return len(p.Value)
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// glorotUniform fills p with values drawn from U(-limit, limit) where
// limit = sqrt(6 / (fanIn + fanOut)).
func (p *Param) glorotUniform(rnd *rand.Rand, fanIn, fanOut int) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range p.Value {
		p.Value[i] = (rnd.Float64()*2 - 1) * limit
	}
}

// Params is an ordered parameter set.
type Params []*Param

// Count returns the total number of scalars.
func (ps Params) Count() int {
	n := 0
	for _, p := range ps {
		n += p.Len()
	}
	return n
}

// ZeroGrad clears every gradient.
func (ps Params) ZeroGrad() {
	for _, p := range ps {
		p.ZeroGrad()
	}
}

// ByName indexes the set by parameter name.
func (ps Params) ByName() map[string]*Param {
	m := make(map[string]*Param, len(ps))
	for _, p := range ps {
		m[p.Name] = p
	}
	return m
}
