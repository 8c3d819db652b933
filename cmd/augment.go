package cmd

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/andresmejia3/faceverify/internal/augment"
	"github.com/andresmejia3/faceverify/internal/gallery"
	"github.com/andresmejia3/faceverify/internal/types"
	"github.com/spf13/cobra"
)

var (
	augmentCount      int
	augmentCumulative bool
)

var augmentCmd = &cobra.Command{
	Use:   "augment [pool...]",
	Short: "Expand pools with randomly perturbed copies of every image",
	Long:  "Writes augmented variants of every image in the named pools (default: anchor and positive) next to the originals.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		opts := augment.DefaultOptions()
		opts.Count = cfg.Augment.Count
		opts.Cumulative = cfg.Augment.Cumulative
		if cmd.Flags().Changed("count") {
			opts.Count = augmentCount
		}
		if cmd.Flags().Changed("cumulative") {
			opts.Cumulative = augmentCumulative
		}

		pools, err := parsePools(args)
		if err != nil {
			return err
		}
		return runAugment(opts, pools)
	},
}

func init() {
	augmentCmd.Flags().IntVarP(&augmentCount, "count", "n", 9, "Variants written per source image")
	augmentCmd.Flags().BoolVar(&augmentCumulative, "cumulative", false, "Chain each variant from the previous one instead of the original")
	rootCmd.AddCommand(augmentCmd)
}

func parsePools(args []string) ([]types.PoolName, error) {
	if len(args) == 0 {
		return []types.PoolName{types.Anchor, types.Positive}, nil
	}
	var pools []types.PoolName
	for _, a := range args {
		switch p := types.PoolName(a); p {
		case types.Anchor, types.Positive, types.Negative:
			pools = append(pools, p)
		default:
			return nil, fmt.Errorf("unknown pool %q", a)
		}
	}
	return pools, nil
}

func runAugment(opts augment.Options, pools []types.PoolName) error {
	seed := cfg.Augment.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	engine, err := augment.New(opts, rand.New(rand.NewSource(seed)))
	if err != nil {
		return err
	}

	for _, name := range pools {
		dir := cfg.PoolDir(name)
		refs, err := gallery.Dir{Path: dir}.Refs()
		if err != nil {
			return fmt.Errorf("%s pool: %w", name, err)
		}
		fmt.Fprintf(os.Stderr, "🎨 Augmenting %d %s images (%d variants each)...\n", len(refs), name, opts.Count)

		written, err := engine.AugmentPool(dir, refs)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "✅ %s: wrote %d images\n", name, written)
	}
	return nil
}
