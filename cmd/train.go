package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/faceverify/internal/model"
	"github.com/andresmejia3/faceverify/internal/nn"
	"github.com/andresmejia3/faceverify/internal/train"
	"github.com/andresmejia3/faceverify/internal/types"
	"github.com/spf13/cobra"
)

// TrainOptions selects where checkpoints go and where training resumes from.
type TrainOptions struct {
	Epochs    int
	BatchSize int
	Resume    bool
	ResumeDB  bool
	PersistDB bool
	ModelPath string
	SkipEval  bool
}

var trainOpts TrainOptions

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the Siamese network on the anchor, positive and negative pools",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts := trainOpts
		if !cmd.Flags().Changed("epochs") {
			opts.Epochs = cfg.Train.Epochs
		}
		if !cmd.Flags().Changed("batch-size") {
			opts.BatchSize = cfg.Dataset.BatchSize
		}
		if opts.ModelPath == "" {
			opts.ModelPath = cfg.Train.ModelPath
		}
		if opts.ResumeDB {
			opts.Resume = true
		}
		if opts.Epochs < 1 || opts.BatchSize < 1 {
			return fmt.Errorf("epochs and batch size must be positive")
		}
		return runTrain(cmd.Context(), opts)
	},
}

func init() {
	trainCmd.Flags().IntVarP(&trainOpts.Epochs, "epochs", "e", 50, "Total number of epochs")
	trainCmd.Flags().IntVarP(&trainOpts.BatchSize, "batch-size", "b", 16, "Pairs per batch")
	trainCmd.Flags().BoolVar(&trainOpts.Resume, "resume", false, "Continue from the latest checkpoint in the checkpoint directory")
	trainCmd.Flags().BoolVar(&trainOpts.ResumeDB, "resume-db", false, "Continue from the latest checkpoint stored in PostgreSQL")
	trainCmd.Flags().BoolVar(&trainOpts.PersistDB, "persist-db", false, "Also store checkpoints in PostgreSQL")
	trainCmd.Flags().StringVarP(&trainOpts.ModelPath, "output", "o", "", "Model bundle path (default from config)")
	trainCmd.Flags().BoolVar(&trainOpts.SkipEval, "skip-eval", false, "Skip the precision/recall pass on the test split")
	rootCmd.AddCommand(trainCmd)
}

func runTrain(ctx context.Context, opts TrainOptions) error {
	dir, err := model.NewDirCheckpoints(cfg.Train.CheckpointDir)
	if err != nil {
		return err
	}
	sink := model.MultiSink{dir}
	if opts.PersistDB || opts.ResumeDB {
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		sink = append(sink, db)
	}

	session, err := openSession(ctx, opts, dir)
	if err != nil {
		return err
	}

	ds, err := buildDataset(ctx, runSeed(session))
	if err != nil {
		return err
	}
	session.DatasetSeed = ds.Seed()
	if session.Epoch >= opts.Epochs {
		fmt.Fprintf(os.Stderr, "✅ Checkpoint already at epoch %d of %d, nothing to train\n", session.Epoch, opts.Epochs)
	}

	trainer := train.NewTrainer()
	trainer.Epochs = opts.Epochs
	trainer.BatchSize = opts.BatchSize
	if cfg.Dataset.Prefetch > 0 {
		trainer.Prefetch = cfg.Dataset.Prefetch
	}
	trainer.CheckpointEvery = cfg.Train.CheckpointEvery
	trainer.Sink = sink
	trainer.Progress = os.Stderr

	history, err := trainer.Run(ctx, session, ds)
	if err != nil {
		var nf *types.NonFiniteLossError
		if errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "💥 Training diverged at epoch %d batch %d\n", nf.Epoch, nf.Batch)
		}
		return err
	}
	if len(history) > 0 {
		last := history[len(history)-1]
		fmt.Fprintf(os.Stderr, "📉 Final loss %.4f, precision %.3f, recall %.3f\n", last.MeanLoss, last.Precision, last.Recall)
	}

	if err := model.SaveFile(opts.ModelPath, session.Model, session.Meta()); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	fmt.Fprintf(os.Stderr, "💾 Model saved to %s\n", opts.ModelPath)

	if opts.SkipEval || len(ds.Test()) == 0 {
		return nil
	}
	m, err := trainer.Evaluate(ctx, session, ds, ds.Test())
	if err != nil {
		return err
	}
	printMetrics(m)
	return nil
}

// openSession starts a fresh run or resumes the newest checkpoint.
func openSession(ctx context.Context, opts TrainOptions, dir *model.DirCheckpoints) (*train.Session, error) {
	lr := cfg.Train.LearningRate
	if lr <= 0 {
		lr = train.DefaultLearningRate
	}
	if !opts.Resume {
		return train.NewSession(nn.DefaultArchitecture(), lr, cfg.Train.Seed)
	}

	var src model.CheckpointSource = dir
	if opts.ResumeDB {
		db, err := openDB(ctx)
		if err != nil {
			return nil, err
		}
		src = db
	}
	ckpt, err := src.LatestCheckpoint(ctx)
	if errors.Is(err, types.ErrCheckpointMissing) {
		fmt.Fprintln(os.Stderr, "⚠️  No checkpoint found, starting a fresh run")
		return train.NewSession(nn.DefaultArchitecture(), lr, cfg.Train.Seed)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	fmt.Fprintf(os.Stderr, "⏯️  Resuming run %s after epoch %d\n", ckpt.RunID, ckpt.Epoch)
	return train.Resume(ckpt)
}

// runSeed returns the split seed for s. A resumed run keeps the split of
// its first epochs.
func runSeed(s *train.Session) int64 {
	if s.Epoch > 0 {
		return splitSeed(s.DatasetSeed)
	}
	return cfg.Dataset.Seed
}

func printMetrics(m train.Metrics) {
	fmt.Printf("Pairs:     %d\n", m.Pairs)
	fmt.Printf("Precision: %.4f\n", m.Precision)
	fmt.Printf("Recall:    %.4f\n", m.Recall)
	fmt.Printf("TP %d  FP %d  FN %d  TN %d\n", m.Confusion.TP, m.Confusion.FP, m.Confusion.FN, m.Confusion.TN)
}
