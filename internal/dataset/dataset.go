// Package dataset builds the shuffled, cached and partitioned stream of
// labelled image pairs the twin network is trained on.
package dataset

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/faceverify/internal/event"
	"github.com/andresmejia3/faceverify/internal/types"
)

var log = event.Log

// Loader produces image tensors from file references.
type Loader interface {
	Load(ref string) (types.Tensor, error)
}

// Options controls pairing, shuffling and partitioning.
type Options struct {
	MaxPerPool    int     // Cap applied to every pool before pairing.
	ShuffleBuffer int     // Reservoir size of the single shuffle.
	TrainFraction float64 // Leading share of the shuffled order used for training.
	Workers       int     // Parallel preprocessing workers while filling the cache.
	Strict        bool    // Reject misaligned pools instead of truncating.
	Seed          int64   // Shuffle seed; zero seeds from the clock.
}

// DefaultOptions returns the reference dataset settings.
func DefaultOptions() Options {
	return Options{
		MaxPerPool:    3000,
		ShuffleBuffer: 10000,
		TrainFraction: 0.7,
		Workers:       runtime.NumCPU(),
		Strict:        true,
	}
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if o.TrainFraction <= 0 || o.TrainFraction > 1 {
		return fmt.Errorf("dataset: train fraction must be in (0,1], got %f", o.TrainFraction)
	}
	if o.MaxPerPool < 0 || o.ShuffleBuffer < 0 {
		return fmt.Errorf("dataset: pool cap and shuffle buffer must not be negative")
	}
	return nil
}

// Builder turns sample pools into a Dataset.
type Builder struct {
	opts   Options
	loader Loader
}

// NewBuilder returns a builder that preprocesses images with loader.
func NewBuilder(opts Options, loader Loader) (*Builder, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Builder{opts: opts, loader: loader}, nil
}

// Dataset is the result of one build. Its pair order is fixed: the shuffle
// happens exactly once inside Build and Train/Test are a prefix/suffix of
// that single order.
type Dataset struct {
	pairs []types.Pair
	split int
	seed  int64
	cache map[string]types.Tensor
}

// Build pairs the pools, preprocesses every distinct image once, shuffles
// the pairs once and splits them into train and test partitions.
func (b *Builder) Build(ctx context.Context, pools Pools) (*Dataset, error) {
	pools = pools.Capped(b.opts.MaxPerPool)

	pairs, err := Pairs(pools, b.opts.Strict)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, &types.DatasetAlignmentError{Index: -1, Reason: "no pairs could be formed"}
	}

	start := time.Now()
	cache, err := b.fillCache(ctx, pairs)
	if err != nil {
		return nil, err
	}
	log.Infof("dataset: preprocessed %d images in %s", len(cache), time.Since(start).Round(time.Millisecond))

	seed := b.opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	shuffled := Shuffle(pairs, b.opts.ShuffleBuffer, rand.New(rand.NewSource(seed)))

	split := int(math.Round(float64(len(shuffled)) * b.opts.TrainFraction))
	log.Infof("dataset: %d pairs, %d train, %d test", len(shuffled), split, len(shuffled)-split)

	ds, err := New(shuffled, split, cache)
	if err != nil {
		return nil, err
	}
	ds.seed = seed
	return ds, nil
}

func (b *Builder) fillCache(ctx context.Context, pairs []types.Pair) (map[string]types.Tensor, error) {
	var refs []string
	seen := map[string]bool{}
	for _, p := range pairs {
		for _, ref := range []string{p.Anchor, p.Candidate} {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}

	cache := make(map[string]types.Tensor, len(refs))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Workers)

	for _, ref := range refs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := b.loader.Load(ref)
			if err != nil {
				return err
			}
			mu.Lock()
			cache[ref] = t
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return cache, nil
}

// New assembles a dataset from an already ordered pair list and a complete
// tensor cache. The first split pairs form the training partition.
func New(pairs []types.Pair, split int, cache map[string]types.Tensor) (*Dataset, error) {
	if split < 0 || split > len(pairs) {
		return nil, fmt.Errorf("dataset: split %d outside [0,%d]", split, len(pairs))
	}
	for _, p := range pairs {
		for _, ref := range []string{p.Anchor, p.Candidate} {
			if _, ok := cache[ref]; !ok {
				return nil, fmt.Errorf("dataset: no tensor cached for %s", ref)
			}
		}
	}
	return &Dataset{pairs: pairs, split: split, cache: cache}, nil
}

// Len returns the total number of pairs.
func (d *Dataset) Len() int { return len(d.pairs) }

// Pairs returns all pairs in shuffled order.
func (d *Dataset) Pairs() []types.Pair { return d.pairs }

// Train returns the training partition.
func (d *Dataset) Train() []types.Pair { return d.pairs[:d.split] }

// Test returns the test partition.
func (d *Dataset) Test() []types.Pair { return d.pairs[d.split:] }

// Seed returns the shuffle seed Build used, with a clock seed resolved.
// Building the same pools again with this seed reproduces the split.
func (d *Dataset) Seed() int64 { return d.seed }

// Batch is a contiguous group of pairs with their tensors resolved.
type Batch struct {
	Index  int
	Pairs  []types.Pair
	Left   []types.Tensor
	Right  []types.Tensor
	Labels []float64
}

// Len returns the number of pairs in the batch.
func (b Batch) Len() int { return len(b.Pairs) }

// NumBatches returns how many batches of size the pairs split into.
func NumBatches(pairs []types.Pair, size int) int {
	if size <= 0 {
		return 0
	}
	return (len(pairs) + size - 1) / size
}

// Batches streams pairs in order as batches of size; the last batch may be
// short. A producer goroutine resolves up to prefetch batches ahead of the
// consumer. The channel is closed when all batches were sent or ctx ends.
func (d *Dataset) Batches(ctx context.Context, pairs []types.Pair, size, prefetch int) <-chan Batch {
	if size < 1 {
		size = 1
	}
	if prefetch < 0 {
		prefetch = 0
	}

	ch := make(chan Batch, prefetch)
	go func() {
		defer close(ch)
		for i, start := 0, 0; start < len(pairs); i, start = i+1, start+size {
			end := min(start+size, len(pairs))
			batch := d.batch(i, pairs[start:end])

			select {
			case ch <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (d *Dataset) batch(index int, pairs []types.Pair) Batch {
	b := Batch{
		Index:  index,
		Pairs:  pairs,
		Left:   make([]types.Tensor, len(pairs)),
		Right:  make([]types.Tensor, len(pairs)),
		Labels: make([]float64, len(pairs)),
	}
	for i, p := range pairs {
		b.Left[i] = d.cache[p.Anchor]
		b.Right[i] = d.cache[p.Candidate]
		b.Labels[i] = p.Label
	}
	return b
}
