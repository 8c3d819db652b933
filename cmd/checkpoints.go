package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/andresmejia3/faceverify/internal/model"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	checkpointsFromDB bool
	exportEpoch       int
	exportRun         string
	exportOutput      string
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List saved training checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

		if checkpointsFromDB {
			db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			infos, err := db.ListCheckpoints(cmd.Context())
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("No checkpoints stored in the database.")
				return nil
			}
			fmt.Fprintln(w, "RUN\tEPOCH\tSEED\tSIZE\tSAVED")
			for _, c := range infos {
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", c.RunID, c.Epoch, c.DatasetSeed, humanize.Bytes(uint64(c.Size)), humanize.Time(c.CreatedAt))
			}
			return w.Flush()
		}

		dir := &model.DirCheckpoints{Dir: cfg.Train.CheckpointDir}
		epochs, err := dir.Epochs()
		if err != nil {
			return err
		}
		if len(epochs) == 0 {
			fmt.Printf("No checkpoints in %s.\n", dir.Dir)
			return nil
		}
		fmt.Fprintln(w, "EPOCH\tFILE\tSIZE\tSAVED")
		for _, e := range epochs {
			c, err := dir.Load(e)
			if err != nil {
				return err
			}
			size := "?"
			path := dir.Path(e)
			if fi, err := os.Stat(path); err == nil {
				size = humanize.Bytes(uint64(fi.Size()))
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e, filepath.Base(path), size, humanize.Time(c.CreatedAt))
		}
		return w.Flush()
	},
}

var checkpointsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the weights of a checkpoint as a model bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		c, err := exportSource(cmd.Context())
		if err != nil {
			return err
		}

		s, err := c.Model()
		if err != nil {
			return err
		}
		out := exportOutput
		if out == "" {
			out = cfg.Train.ModelPath
		}
		if err := model.SaveFile(out, s, model.Meta{RunID: c.RunID, DatasetSeed: c.DatasetSeed}); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "💾 Exported epoch %d to %s\n", c.Epoch, out)
		return nil
	},
}

// exportSource reads the checkpoint selected by the export flags.
func exportSource(ctx context.Context) (*model.Checkpoint, error) {
	if !checkpointsFromDB {
		if exportRun != "" {
			return nil, fmt.Errorf("--run requires --from-db")
		}
		dir := &model.DirCheckpoints{Dir: cfg.Train.CheckpointDir}
		if exportEpoch > 0 {
			return dir.Load(exportEpoch)
		}
		return dir.Latest()
	}

	db, err := openDB(ctx)
	if err != nil {
		return nil, err
	}
	if exportRun == "" && exportEpoch == 0 {
		return db.LatestCheckpoint(ctx)
	}
	if exportRun == "" || exportEpoch <= 0 {
		return nil, fmt.Errorf("--run and --epoch select a stored checkpoint together")
	}
	return db.LoadCheckpoint(ctx, exportRun, exportEpoch)
}

func init() {
	checkpointsCmd.PersistentFlags().BoolVar(&checkpointsFromDB, "from-db", false, "Use checkpoints stored in PostgreSQL")
	checkpointsExportCmd.Flags().IntVar(&exportEpoch, "epoch", 0, "Epoch to export (default: latest)")
	checkpointsExportCmd.Flags().StringVar(&exportRun, "run", "", "Run id of a stored checkpoint (with --from-db)")
	checkpointsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Model bundle path (default from config)")
	checkpointsCmd.AddCommand(checkpointsExportCmd)
	rootCmd.AddCommand(checkpointsCmd)
}
