// Package train fits the twin network on a pair dataset.
package train

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/google/uuid"

	"github.com/andresmejia3/faceverify/internal/dataset"
	"github.com/andresmejia3/faceverify/internal/event"
	"github.com/andresmejia3/faceverify/internal/model"
	"github.com/andresmejia3/faceverify/internal/nn"
	"github.com/andresmejia3/faceverify/internal/types"
)

var log = event.Log

// DefaultLearningRate is the Adam step size used for fresh sessions.
const DefaultLearningRate = 1e-4

// Session owns everything a training run mutates: the model, the optimizer
// state and the number of completed epochs. DatasetSeed pins the split the
// run trains on so a resumed run sees the same partition.
type Session struct {
	RunID       string
	Model       *nn.Siamese
	Optimizer   *nn.Adam
	Epoch       int
	DatasetSeed int64
}

// NewSession builds a freshly initialised model for arch.
func NewSession(arch nn.Architecture, lr float64, seed int64) (*Session, error) {
	m, err := nn.NewSiamese(arch, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, err
	}
	return &Session{
		RunID:     uuid.NewString(),
		Model:     m,
		Optimizer: nn.NewAdam(lr),
	}, nil
}

// Resume rebuilds a session from a checkpoint. Training continues with the
// epoch after the checkpoint's.
func Resume(c *model.Checkpoint) (*Session, error) {
	m, err := c.Model()
	if err != nil {
		return nil, err
	}

	opt := c.Optimizer
	runID := c.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	log.Infof("train: resuming run %s after epoch %d", runID, c.Epoch)

	return &Session{RunID: runID, Model: m, Optimizer: &opt, Epoch: c.Epoch, DatasetSeed: c.DatasetSeed}, nil
}

// Checkpoint captures the session state.
func (s *Session) Checkpoint() *model.Checkpoint {
	c := model.NewCheckpoint(s.RunID, s.Epoch, s.Model, s.Optimizer)
	c.DatasetSeed = s.DatasetSeed
	return c
}

// Meta describes the session for a saved model bundle.
func (s *Session) Meta() model.Meta {
	return model.Meta{RunID: s.RunID, DatasetSeed: s.DatasetSeed}
}

// Step runs one optimisation step on batch and returns the mean loss. The
// gradient of the whole batch is accumulated before the single parameter
// update. The epoch in a NonFiniteLossError is the one being trained.
func (s *Session) Step(batch dataset.Batch) (float64, error) {
	params := s.Model.Params()
	params.ZeroGrad()

	pass, err := s.Model.Forward(batch.Left, batch.Right)
	if err != nil {
		return 0, fmt.Errorf("forward batch %d: %w", batch.Index, err)
	}

	loss, dLogits, err := nn.BinaryCrossEntropy(pass.Logits, batch.Labels)
	if err != nil {
		return 0, fmt.Errorf("loss batch %d: %w", batch.Index, err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, &types.NonFiniteLossError{Epoch: s.Epoch + 1, Batch: batch.Index, Loss: loss}
	}

	if err := s.Model.Backward(pass, dLogits); err != nil {
		return 0, err
	}
	s.Optimizer.Apply(params)

	return loss, nil
}
