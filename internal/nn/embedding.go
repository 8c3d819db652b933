package nn

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Embedding maps one input tensor to an EmbeddingDim vector in (0,1).
type Embedding struct {
	Arch   Architecture
	Convs  []*Conv2D
	Dense  *Dense
	stages []Stage
}

// NewEmbedding builds a freshly initialised embedding network.
func NewEmbedding(arch Architecture, rnd *rand.Rand) (*Embedding, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	stages, _ := arch.Stages()

	e := &Embedding{Arch: arch, stages: stages}
	for i, s := range stages {
		e.Convs = append(e.Convs, newConv2D(fmt.Sprintf("embedding/conv%d", i+1), arch.Blocks[i].Kernel, s.InC, s.OutC, rnd))
	}
	e.Dense = newDense("embedding/dense", arch.FlatDim(), arch.EmbeddingDim, rnd)

	return e, nil
}

// Params returns the trainable parameters in a stable order.
func (e *Embedding) Params() Params {
	var ps Params
	for _, c := range e.Convs {
		ps = append(ps, c.W, c.B)
	}
	return append(ps, e.Dense.W, e.Dense.B)
}

// sampleTrace keeps what the backward pass of one input needs. Conv inputs
// are kept instead of their im2col expansion, which is recomputed on the
// way back.
type sampleTrace struct {
	inputs [][]float64
	acts   [][]float64
	argmax [][]int
}

type batchTrace struct {
	samples []sampleTrace
	flat    *mat.Dense
	out     *mat.Dense
}

func (e *Embedding) features(x []float64, tr *sampleTrace) []float64 {
	h := e.Arch.InputSize
	for i, conv := range e.Convs {
		s := e.stages[i]
		act, oh, _ := conv.forward(x, h, h)
		if tr != nil {
			tr.inputs = append(tr.inputs, x)
			tr.acts = append(tr.acts, act)
		}

		x, h = act, oh
		if s.Pooled {
			var argmax []int
			x, h, _, argmax = maxPool(act, oh, oh, s.OutC)
			if tr != nil {
				tr.argmax = append(tr.argmax, argmax)
			}
		}
	}
	return x
}

// forward embeds a batch of flattened inputs. When train is set the returned
// trace can be passed to backward.
func (e *Embedding) forward(xs [][]float64, train bool) (*mat.Dense, *batchTrace, error) {
	if len(xs) == 0 {
		return nil, nil, fmt.Errorf("nn: empty batch")
	}

	flatDim := e.Dense.In
	flat := mat.NewDense(len(xs), flatDim, nil)
	var tr *batchTrace
	if train {
		tr = &batchTrace{samples: make([]sampleTrace, len(xs))}
	}

	for i, x := range xs {
		if err := checkLen("input", len(x), e.Arch.InputLen()); err != nil {
			return nil, nil, err
		}
		var st *sampleTrace
		if train {
			st = &tr.samples[i]
		}
		flat.SetRow(i, e.features(x, st))
	}

	out := e.Dense.forward(flat)
	raw := out.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j, v := range row {
			row[j] = Sigmoid(v)
		}
	}

	if train {
		tr.flat = flat
		tr.out = out
	}
	return out, tr, nil
}

// Embed returns the embedding vector of a single flattened input.
func (e *Embedding) Embed(x []float64) ([]float64, error) {
	out, _, err := e.forward([][]float64{x}, false)
	if err != nil {
		return nil, err
	}
	return mat.Row(nil, 0, out), nil
}

// backward accumulates gradients for the whole batch given dOut, the
// gradient of the loss with respect to the embedding outputs.
func (e *Embedding) backward(tr *batchTrace, dOut *mat.Dense) {
	n, d := dOut.Dims()

	dPre := mat.NewDense(n, d, nil)
	dPre.Apply(func(i, j int, v float64) float64 {
		s := tr.out.At(i, j)
		return v * s * (1 - s)
	}, dOut)

	dFlat := e.Dense.backward(tr.flat, dPre)

	for i := range tr.samples {
		e.backwardSample(&tr.samples[i], mat.Row(nil, i, dFlat))
	}
}

func (e *Embedding) backwardSample(tr *sampleTrace, grad []float64) {
	pool := len(tr.argmax) - 1

	for i := len(e.Convs) - 1; i >= 0; i-- {
		s := e.stages[i]
		act := tr.acts[i]

		if s.Pooled {
			grad = maxPoolBackward(grad, tr.argmax[pool], len(act))
			pool--
		}

		for j, a := range act {
			if a <= 0 {
				grad[j] = 0
			}
		}

		grad = e.Convs[i].backward(tr.inputs[i], s.In, s.In, grad, i > 0)
	}
}
