package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/faceverify/internal/model"
	"github.com/andresmejia3/faceverify/internal/train"
	"github.com/spf13/cobra"
)

var (
	evalModelPath string
	evalAll       bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Report precision and recall of a saved model on the test split",
	Long: `Rebuilds the pair dataset with the configured seed and scores the test split.
Use --all to score every pair instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		path := evalModelPath
		if path == "" {
			path = cfg.Train.ModelPath
		}

		m, meta, err := model.LoadFile(path)
		if err != nil {
			return err
		}
		ds, err := buildDataset(cmd.Context(), splitSeed(meta.DatasetSeed))
		if err != nil {
			return err
		}

		split := ds.Test()
		if evalAll {
			split = ds.Pairs()
		}
		if len(split) == 0 {
			return fmt.Errorf("nothing to evaluate: split is empty")
		}

		trainer := train.NewTrainer()
		if cfg.Dataset.BatchSize > 0 {
			trainer.BatchSize = cfg.Dataset.BatchSize
		}
		fmt.Fprintf(os.Stderr, "🧪 Evaluating %s on %d pairs...\n", path, len(split))
		metrics, err := trainer.Evaluate(cmd.Context(), &train.Session{Model: m}, ds, split)
		if err != nil {
			return err
		}
		printMetrics(metrics)
		return nil
	},
}

func init() {
	evaluateCmd.Flags().StringVarP(&evalModelPath, "model", "m", "", "Model bundle path (default from config)")
	evaluateCmd.Flags().BoolVar(&evalAll, "all", false, "Evaluate every pair, not only the test split")
	rootCmd.AddCommand(evaluateCmd)
}
