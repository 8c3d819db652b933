package train

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/montanaflynn/stats"
	"github.com/schollz/progressbar/v3"

	"github.com/andresmejia3/faceverify/internal/dataset"
	"github.com/andresmejia3/faceverify/internal/model"
	"github.com/andresmejia3/faceverify/internal/types"
)

// Trainer runs epochs over the training split.
type Trainer struct {
	Epochs          int
	BatchSize       int
	Prefetch        int
	CheckpointEvery int                  // Zero disables checkpoints.
	Sink            model.CheckpointSink // Receives checkpoints; may be nil.
	Progress        io.Writer            // Progress bar output; nil disables the bar.
}

// NewTrainer returns a trainer with the reference schedule.
func NewTrainer() *Trainer {
	return &Trainer{
		Epochs:          50,
		BatchSize:       16,
		Prefetch:        8,
		CheckpointEvery: 10,
	}
}

// EpochStats is the outcome of one epoch.
type EpochStats struct {
	Epoch     int
	LastLoss  float64
	MeanLoss  float64
	Precision float64
	Recall    float64
	Duration  time.Duration
}

// History holds one entry per epoch run.
type History []EpochStats

// Run trains s on the training split of ds from the epoch after s.Epoch up
// to t.Epochs. Cancellation is checked between batches.
func (t *Trainer) Run(ctx context.Context, s *Session, ds *dataset.Dataset) (History, error) {
	train := ds.Train()
	if len(train) == 0 {
		return nil, fmt.Errorf("train: training split is empty")
	}
	batches := dataset.NumBatches(train, t.BatchSize)

	log.Infof("train: run %s, %s parameters, %d pairs in %d batches, epochs %d..%d",
		s.RunID, humanize.Comma(int64(s.Model.Params().Count())), len(train), batches, s.Epoch+1, t.Epochs)

	var history History
	for s.Epoch < t.Epochs {
		epoch := s.Epoch + 1
		es, err := t.epoch(ctx, s, ds, epoch, batches)
		if err != nil {
			return history, err
		}
		s.Epoch = epoch
		history = append(history, es)

		log.Infof("train: epoch %d/%d loss %.4f (mean %.4f) precision %.4f recall %.4f in %s",
			epoch, t.Epochs, es.LastLoss, es.MeanLoss, es.Precision, es.Recall, es.Duration.Round(time.Millisecond))

		if t.Sink != nil && t.CheckpointEvery > 0 && epoch%t.CheckpointEvery == 0 {
			if err := t.Sink.SaveCheckpoint(ctx, s.Checkpoint()); err != nil {
				return history, fmt.Errorf("checkpoint epoch %d: %w", epoch, err)
			}
		}
	}

	return history, nil
}

func (t *Trainer) newBar(epoch, batches int) *progressbar.ProgressBar {
	if t.Progress == nil {
		return nil
	}
	return progressbar.NewOptions(batches,
		progressbar.OptionSetDescription(fmt.Sprintf("🧠 Epoch %d/%d", epoch, t.Epochs)),
		progressbar.OptionSetWriter(t.Progress),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func (t *Trainer) epoch(ctx context.Context, s *Session, ds *dataset.Dataset, epoch, batches int) (EpochStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	bar := t.newBar(epoch, batches)

	var (
		conf   Confusion
		losses []float64
	)

	for batch := range ds.Batches(ctx, ds.Train(), t.BatchSize, t.Prefetch) {
		if err := ctx.Err(); err != nil {
			return EpochStats{}, err
		}

		loss, err := s.Step(batch)
		if err != nil {
			return EpochStats{}, err
		}
		losses = append(losses, loss)

		scores, err := s.Model.Predict(batch.Left, batch.Right)
		if err != nil {
			return EpochStats{}, err
		}
		conf.Add(scores, batch.Labels)

		if bar != nil {
			bar.Describe(fmt.Sprintf("🧠 Epoch %d/%d loss %.4f", epoch, t.Epochs, loss))
			bar.Add(1)
		}
	}
	// The producer closes the channel early on cancellation.
	if err := ctx.Err(); err != nil {
		return EpochStats{}, err
	}
	if bar != nil {
		bar.Finish()
	}

	mean, err := stats.Mean(losses)
	if err != nil {
		return EpochStats{}, fmt.Errorf("epoch %d: %w", epoch, err)
	}

	return EpochStats{
		Epoch:     epoch,
		LastLoss:  losses[len(losses)-1],
		MeanLoss:  mean,
		Precision: conf.Precision(),
		Recall:    conf.Recall(),
		Duration:  time.Since(start),
	}, nil
}

// Evaluate scores every pair of split in inference mode and reports
// precision and recall at Threshold.
func (t *Trainer) Evaluate(ctx context.Context, s *Session, ds *dataset.Dataset, split []types.Pair) (Metrics, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var conf Confusion
	for batch := range ds.Batches(ctx, split, t.BatchSize, t.Prefetch) {
		scores, err := s.Model.Predict(batch.Left, batch.Right)
		if err != nil {
			return Metrics{}, err
		}
		conf.Add(scores, batch.Labels)
	}
	if err := ctx.Err(); err != nil {
		return Metrics{}, err
	}

	m := conf.metrics()
	log.Infof("train: evaluated %d pairs, precision %.4f recall %.4f", m.Pairs, m.Precision, m.Recall)
	return m, nil
}
