package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/andresmejia3/faceverify/internal/dataset"
	"github.com/andresmejia3/faceverify/internal/gallery"
	"github.com/andresmejia3/faceverify/internal/preprocess"
	"github.com/andresmejia3/faceverify/internal/types"
)

// datasetOptions maps the dataset section of the config onto builder options.
func datasetOptions() dataset.Options {
	opts := dataset.DefaultOptions()
	c := cfg.Dataset
	if c.MaxPerPool > 0 {
		opts.MaxPerPool = c.MaxPerPool
	}
	if c.ShuffleBuffer > 0 {
		opts.ShuffleBuffer = c.ShuffleBuffer
	}
	if c.TrainFraction > 0 {
		opts.TrainFraction = c.TrainFraction
	}
	opts.Workers = c.Workers
	if opts.Workers < 1 {
		opts.Workers = runtime.NumCPU()
	}
	opts.Strict = c.Strict
	opts.Seed = c.Seed
	return opts
}

// loadPools reads the three pools under the data directory. The configured
// identity applies to anchor and positive only; negatives keep the person
// encoded in their file names.
func loadPools() (dataset.Pools, error) {
	anchor, err := gallery.LoadPool(types.Anchor, cfg.PoolDir(types.Anchor), cfg.Identity)
	if err != nil {
		return dataset.Pools{}, err
	}
	positive, err := gallery.LoadPool(types.Positive, cfg.PoolDir(types.Positive), cfg.Identity)
	if err != nil {
		return dataset.Pools{}, err
	}
	negative, err := gallery.LoadPool(types.Negative, cfg.PoolDir(types.Negative), "")
	if err != nil {
		return dataset.Pools{}, err
	}
	return dataset.Pools{Anchor: anchor, Positive: positive, Negative: negative}, nil
}

// buildDataset pairs and preprocesses the pools, shuffling with seed. The
// same seed reproduces the same train/test split; zero draws a new one.
func buildDataset(ctx context.Context, seed int64) (*dataset.Dataset, error) {
	pools, err := loadPools()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "📦 Pools: %d anchor, %d positive, %d negative\n",
		pools.Anchor.Len(), pools.Positive.Len(), pools.Negative.Len())

	opts := datasetOptions()
	opts.Seed = seed
	b, err := dataset.NewBuilder(opts, preprocess.New())
	if err != nil {
		return nil, err
	}
	ds, err := b.Build(ctx, pools)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "🔀 %d pairs: %d train, %d test (seed %d)\n", ds.Len(), len(ds.Train()), len(ds.Test()), ds.Seed())
	return ds, nil
}

// splitSeed picks the shuffle seed for a dataset rebuild: the one recorded
// with the model or checkpoint when present, otherwise the configured one.
func splitSeed(recorded int64) int64 {
	if recorded != 0 {
		return recorded
	}
	if cfg.Dataset.Seed == 0 {
		fmt.Fprintln(os.Stderr, "⚠️  No dataset seed recorded or configured, the split will differ from training")
	}
	return cfg.Dataset.Seed
}
