package train

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/faceverify/internal/dataset"
	"github.com/andresmejia3/faceverify/internal/model"
	"github.com/andresmejia3/faceverify/internal/nn"
	"github.com/andresmejia3/faceverify/internal/types"
)

func smallArchitecture() nn.Architecture {
	return nn.Architecture{
		Version:      nn.ArchitectureVersion,
		InputSize:    12,
		Channels:     3,
		Blocks:       []nn.ConvBlock{{Filters: 2, Kernel: 3}, {Filters: 3, Kernel: 3}},
		EmbeddingDim: 4,
	}
}

// face draws a noisy variant of one of two clearly different patterns.
func face(rnd *rand.Rand, identity int) types.Tensor {
	t := types.NewTensor(12, 12, 3)
	for y := 0; y < 12; y++ {
		for x := 0; x < 12; x++ {
			for c := 0; c < 3; c++ {
				base := 0.15
				if (identity == 0 && x < 6) || (identity == 1 && y >= 6) {
					base = 0.85
				}
				v := base + (rnd.Float64()-0.5)*0.1
				t.Data[(y*12+x)*3+c] = float32(v)
			}
		}
	}
	return t
}

// separable builds n positive and n negative pairs with every pair in the
// training split.
func separable(t *testing.T, n int) *dataset.Dataset {
	rnd := rand.New(rand.NewSource(21))
	cache := map[string]types.Tensor{}
	var pairs []types.Pair
	for i := 0; i < n; i++ {
		a, p, neg := fmt.Sprintf("a%d", i), fmt.Sprintf("p%d", i), fmt.Sprintf("n%d", i)
		cache[a] = face(rnd, 0)
		cache[p] = face(rnd, 0)
		cache[neg] = face(rnd, 1)
		pairs = append(pairs,
			types.Pair{Anchor: a, Candidate: p, Label: types.Match},
			types.Pair{Anchor: a, Candidate: neg, Label: types.NonMatch})
	}
	ds, err := dataset.New(pairs, len(pairs), cache)
	require.NoError(t, err)
	return ds
}

func newSession(t *testing.T, lr float64) *Session {
	s, err := NewSession(smallArchitecture(), lr, 5)
	require.NoError(t, err)
	return s
}

type memorySink struct {
	mu     sync.Mutex
	epochs []int
	last   *model.Checkpoint
}

func (m *memorySink) SaveCheckpoint(_ context.Context, c *model.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochs = append(m.epochs, c.Epoch)
	m.last = c
	return nil
}

func TestLossDecreasesOnSeparableSet(t *testing.T) {
	ds := separable(t, 4)
	s := newSession(t, 1e-2)

	tr := &Trainer{Epochs: 25, BatchSize: 4, Prefetch: 2}
	history, err := tr.Run(context.Background(), s, ds)
	require.NoError(t, err)
	require.Len(t, history, 25)

	first, last := history[0], history[len(history)-1]
	assert.Less(t, last.MeanLoss, first.MeanLoss)
	assert.Equal(t, 25, s.Epoch)
	for i, h := range history {
		assert.Equal(t, i+1, h.Epoch)
		assert.False(t, math.IsNaN(h.MeanLoss))
	}
}

func TestStepReportsNonFiniteLoss(t *testing.T) {
	ds := separable(t, 2)
	s := newSession(t, 1e-3)
	s.Epoch = 3
	s.Model.Head.B.Value[0] = math.NaN()

	var batch dataset.Batch
	for b := range ds.Batches(context.Background(), ds.Train(), 4, 0) {
		batch = b
	}
	batch.Index = 7

	_, err := s.Step(batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNonFiniteLoss)

	var lossErr *types.NonFiniteLossError
	require.ErrorAs(t, err, &lossErr)
	assert.Equal(t, 7, lossErr.Batch)
	assert.Equal(t, 4, lossErr.Epoch)
}

func TestRunAbortsOnNonFiniteLoss(t *testing.T) {
	ds := separable(t, 4)
	s := newSession(t, 1e-3)
	s.Model.Head.B.Value[0] = math.NaN()

	sink := &memorySink{}
	tr := &Trainer{Epochs: 3, BatchSize: 2, CheckpointEvery: 1, Sink: sink}
	history, err := tr.Run(context.Background(), s, ds)

	var lossErr *types.NonFiniteLossError
	require.ErrorAs(t, err, &lossErr)
	assert.Equal(t, 1, lossErr.Epoch)
	assert.Equal(t, 0, lossErr.Batch)
	assert.Empty(t, history)
	assert.Empty(t, sink.epochs)
	assert.Equal(t, 0, s.Epoch)
}

func TestCheckpointsEveryNEpochs(t *testing.T) {
	ds := separable(t, 2)
	s := newSession(t, 1e-3)

	sink := &memorySink{}
	tr := &Trainer{Epochs: 5, BatchSize: 4, CheckpointEvery: 2, Sink: sink}
	_, err := tr.Run(context.Background(), s, ds)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 4}, sink.epochs)
	assert.Equal(t, s.RunID, sink.last.RunID)
}

func TestResumeContinuesFromCheckpoint(t *testing.T) {
	ds := separable(t, 2)
	s := newSession(t, 1e-3)
	s.DatasetSeed = 99

	sink := &memorySink{}
	tr := &Trainer{Epochs: 2, BatchSize: 4, CheckpointEvery: 2, Sink: sink}
	_, err := tr.Run(context.Background(), s, ds)
	require.NoError(t, err)
	require.NotNil(t, sink.last)

	resumed, err := Resume(sink.last)
	require.NoError(t, err)
	assert.Equal(t, 2, resumed.Epoch)
	assert.Equal(t, s.RunID, resumed.RunID)
	assert.Equal(t, s.Optimizer.State.Step, resumed.Optimizer.State.Step)
	assert.Equal(t, int64(99), resumed.DatasetSeed)
	assert.Equal(t, model.Meta{RunID: s.RunID, DatasetSeed: 99}, resumed.Meta())

	// The second pair of the unshuffled set is (a0, n0).
	batch := <-ds.Batches(context.Background(), ds.Pairs()[1:2], 1, 0)
	a, b := batch.Left[0], batch.Right[0]
	want, err := s.Model.Score(a, b)
	require.NoError(t, err)
	got, err := resumed.Model.Score(a, b)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	tr.Epochs = 3
	history, err := tr.Run(context.Background(), resumed, ds)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 3, history[0].Epoch)
}

func TestRunStopsOnCancel(t *testing.T) {
	ds := separable(t, 2)
	s := newSession(t, 1e-3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&Trainer{Epochs: 3, BatchSize: 1}).Run(ctx, s, ds)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.Epoch)
}

func TestEvaluate(t *testing.T) {
	ds := separable(t, 3)
	s := newSession(t, 1e-3)

	m, err := NewTrainer().Evaluate(context.Background(), s, ds, ds.Pairs())
	require.NoError(t, err)
	assert.Equal(t, 6, m.Pairs)
	assert.GreaterOrEqual(t, m.Precision, 0.0)
	assert.LessOrEqual(t, m.Recall, 1.0)
}

func TestConfusion(t *testing.T) {
	tests := []struct {
		name      string
		scores    []float64
		labels    []float64
		precision float64
		recall    float64
	}{
		{"Perfect", []float64{0.9, 0.1}, []float64{1, 0}, 1, 1},
		{"All positive", []float64{0.9, 0.9, 0.9, 0.9}, []float64{1, 0, 1, 0}, 0.5, 1},
		{"Half recall", []float64{0.9, 0.2, 0.1}, []float64{1, 1, 0}, 1, 0.5},
		{"Threshold is exclusive", []float64{0.5}, []float64{1}, 0, 0},
		{"Nothing predicted", []float64{0.1, 0.2}, []float64{0, 0}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Confusion
			c.Add(tt.scores, tt.labels)
			assert.InDelta(t, tt.precision, c.Precision(), 1e-12)
			assert.InDelta(t, tt.recall, c.Recall(), 1e-12)
		})
	}
}
