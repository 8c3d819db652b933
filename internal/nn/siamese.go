package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/andresmejia3/faceverify/internal/types"
)

// Siamese scores two images with one shared Embedding instance. The two
// embeddings are reduced to their element-wise absolute difference, which a
// single sigmoid unit turns into a match score.
type Siamese struct {
	Embedding *Embedding
	Head      *Dense
}

// NewSiamese builds a freshly initialised twin network.
func NewSiamese(arch Architecture, rnd *rand.Rand) (*Siamese, error) {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(1))
	}
	emb, err := NewEmbedding(arch, rnd)
	if err != nil {
		return nil, err
	}
	return &Siamese{
		Embedding: emb,
		Head:      newDense("classifier", arch.EmbeddingDim, 1, rnd),
	}, nil
}

// Architecture returns the descriptor the network was built from.
func (s *Siamese) Architecture() Architecture {
	return s.Embedding.Arch
}

// Params returns embedding parameters followed by the classifier head.
func (s *Siamese) Params() Params {
	return append(s.Embedding.Params(), s.Head.W, s.Head.B)
}

// Pass is the recorded forward pass of one batch of pairs.
type Pass struct {
	Logits []float64
	Scores []float64

	n     int
	trace *batchTrace
	emb   *mat.Dense // 2n x D, lefts first
	dist  *mat.Dense // n x D
}

func (s *Siamese) inputs(lefts, rights []types.Tensor) ([][]float64, error) {
	if len(lefts) != len(rights) {
		return nil, fmt.Errorf("nn: %d left inputs but %d right inputs", len(lefts), len(rights))
	}
	arch := s.Embedding.Arch
	xs := make([][]float64, 0, len(lefts)*2)
	for _, group := range [][]types.Tensor{lefts, rights} {
		for _, t := range group {
			if t.Height != arch.InputSize || t.Width != arch.InputSize || t.Channels != arch.Channels {
				return nil, fmt.Errorf("nn: input shape %v, want [%d %d %d]", t.Shape(), arch.InputSize, arch.InputSize, arch.Channels)
			}
			xs = append(xs, t.Float64())
		}
	}
	return xs, nil
}

func (s *Siamese) forward(lefts, rights []types.Tensor, train bool) (*Pass, error) {
	xs, err := s.inputs(lefts, rights)
	if err != nil {
		return nil, err
	}

	emb, trace, err := s.Embedding.forward(xs, train)
	if err != nil {
		return nil, err
	}

	n := len(lefts)
	d := s.Embedding.Arch.EmbeddingDim
	dist := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			dist.Set(i, j, math.Abs(emb.At(i, j)-emb.At(n+i, j)))
		}
	}

	logits := s.Head.forward(dist)
	p := &Pass{
		Logits: make([]float64, n),
		Scores: make([]float64, n),
		n:      n,
		trace:  trace,
		emb:    emb,
		dist:   dist,
	}
	for i := 0; i < n; i++ {
		p.Logits[i] = logits.At(i, 0)
		p.Scores[i] = Sigmoid(p.Logits[i])
	}

	return p, nil
}

// Forward runs a training-mode pass that can be followed by Backward.
func (s *Siamese) Forward(lefts, rights []types.Tensor) (*Pass, error) {
	return s.forward(lefts, rights, true)
}

// Backward accumulates gradients of all parameters given dLogits, the
// gradient of the loss with respect to each pair's logit. Both branches
// write into the same embedding parameters.
func (s *Siamese) Backward(p *Pass, dLogits []float64) error {
	if p.trace == nil {
		return fmt.Errorf("nn: pass was not recorded for training")
	}
	if err := checkLen("logit gradient", len(dLogits), p.n); err != nil {
		return err
	}

	n, d := p.n, s.Embedding.Arch.EmbeddingDim
	dDist := s.Head.backward(p.dist, mat.NewDense(n, 1, append([]float64(nil), dLogits...)))

	dEmb := mat.NewDense(2*n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			g := dDist.At(i, j)
			switch diff := p.emb.At(i, j) - p.emb.At(n+i, j); {
			case diff > 0:
				dEmb.Set(i, j, g)
				dEmb.Set(n+i, j, -g)
			case diff < 0:
				dEmb.Set(i, j, -g)
				dEmb.Set(n+i, j, g)
			}
		}
	}

	s.Embedding.backward(p.trace, dEmb)
	return nil
}

// Predict scores a batch of pairs in inference mode.
func (s *Siamese) Predict(lefts, rights []types.Tensor) ([]float64, error) {
	p, err := s.forward(lefts, rights, false)
	if err != nil {
		return nil, err
	}
	return p.Scores, nil
}

// Score returns the match score of one pair.
func (s *Siamese) Score(input, validation types.Tensor) (float64, error) {
	scores, err := s.Predict([]types.Tensor{input}, []types.Tensor{validation})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}
