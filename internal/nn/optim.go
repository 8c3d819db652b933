package nn

import (
	"fmt"
	"math"
)

// BinaryCrossEntropy returns the mean binary cross-entropy of sigmoid(logits)
// against labels and its gradient with respect to each logit. It works on
// logits directly so saturated scores never produce log(0).
func BinaryCrossEntropy(logits, labels []float64) (float64, []float64, error) {
	if len(logits) != len(labels) {
		return 0, nil, fmt.Errorf("nn: %d logits but %d labels", len(logits), len(labels))
	}
	if len(logits) == 0 {
		return 0, nil, fmt.Errorf("nn: empty batch")
	}

	n := float64(len(logits))
	var loss float64
	grad := make([]float64, len(logits))

	for i, z := range logits {
		y := labels[i]
		loss += math.Max(z, 0) - z*y + math.Log1p(math.Exp(-math.Abs(z)))
		grad[i] = (Sigmoid(z) - y) / n
	}

	return loss / n, grad, nil
}

// Adam is the adaptive moment optimizer. Moments are keyed by parameter name
// so the state survives a save and reload.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	State AdamState
}

// AdamState is the part of the optimizer that changes during training.
type AdamState struct {
	Step int
	M    map[string][]float64
	V    map[string][]float64
}

// NewAdam returns an optimizer with the usual moment decay rates.
func NewAdam(lr float64) *Adam {
	return &Adam{
		LearningRate: lr,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		State: AdamState{
			M: map[string][]float64{},
			V: map[string][]float64{},
		},
	}
}

// Apply performs one update of every parameter from its accumulated gradient.
func (a *Adam) Apply(params Params) {
	if a.State.M == nil {
		a.State.M = map[string][]float64{}
	}
	if a.State.V == nil {
		a.State.V = map[string][]float64{}
	}

	a.State.Step++
	t := float64(a.State.Step)
	lr := a.LearningRate * math.Sqrt(1-math.Pow(a.Beta2, t)) / (1 - math.Pow(a.Beta1, t))

	for _, p := range params {
		m, ok := a.State.M[p.Name]
		if !ok || len(m) != p.Len() {
			m = make([]float64, p.Len())
			a.State.M[p.Name] = m
		}
		v, ok := a.State.V[p.Name]
		if !ok || len(v) != p.Len() {
			v = make([]float64, p.Len())
			a.State.V[p.Name] = v
		}

		for i, g := range p.Grad {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g*g
			p.Value[i] -= lr * m[i] / (math.Sqrt(v[i]) + a.Epsilon)
		}
	}
}
