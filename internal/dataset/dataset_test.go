package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/faceverify/internal/types"
)

// fakeLoader returns a constant tensor per ref and counts loads.
type fakeLoader struct {
	mu    sync.Mutex
	loads map[string]int
	fail  string
}

func (f *fakeLoader) Load(ref string) (types.Tensor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loads == nil {
		f.loads = map[string]int{}
	}
	f.loads[ref]++
	if ref == f.fail {
		return types.Tensor{}, &types.DecodeError{Ref: ref, Err: errors.New("corrupt")}
	}
	return types.NewTensor(types.ImageSize, types.ImageSize, types.Channels), nil
}

func pool(name types.PoolName, prefix string, n int) types.Pool {
	refs := make([]string, n)
	for i := range refs {
		refs[i] = fmt.Sprintf("%s/%d.jpg", prefix, i)
	}
	return types.PoolFromRefs(name, refs)
}

func pools(a, p, n int) Pools {
	return Pools{
		Anchor:   pool(types.Anchor, "anc", a),
		Positive: pool(types.Positive, "pos", p),
		Negative: pool(types.Negative, "neg", n),
	}
}

func TestPairsFromEqualPools(t *testing.T) {
	pairs, err := Pairs(pools(5, 5, 5), true)
	require.NoError(t, err)
	require.Len(t, pairs, 10)

	for i := 0; i < 5; i++ {
		assert.Equal(t, types.Match, pairs[i].Label)
		assert.Equal(t, fmt.Sprintf("anc/%d.jpg", i), pairs[i].Anchor)
		assert.Equal(t, fmt.Sprintf("pos/%d.jpg", i), pairs[i].Candidate)
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, types.NonMatch, pairs[5+i].Label)
		assert.Equal(t, fmt.Sprintf("anc/%d.jpg", i), pairs[5+i].Anchor)
		assert.Equal(t, fmt.Sprintf("neg/%d.jpg", i), pairs[5+i].Candidate)
	}
}

func TestPairsAlignment(t *testing.T) {
	withIdentity := func(p types.Pool, ids ...string) types.Pool {
		samples := append([]types.Sample(nil), p.Samples...)
		for i, id := range ids {
			samples[i].Identity = id
		}
		p.Samples = samples
		return p
	}

	tests := []struct {
		name  string
		pools Pools
		index int
	}{
		{"Size mismatch", pools(5, 4, 5), -1},
		{"Empty negatives", pools(3, 3, 0), -1},
		{"Identity mismatch", Pools{
			Anchor:   withIdentity(pool(types.Anchor, "anc", 3), "alice", "alice", "alice"),
			Positive: withIdentity(pool(types.Positive, "pos", 3), "alice", "bob", "alice"),
			Negative: pool(types.Negative, "neg", 3),
		}, 1},
		{"Negative shares anchor identity", Pools{
			Anchor:   withIdentity(pool(types.Anchor, "anc", 3), "alice", "alice", "alice"),
			Positive: withIdentity(pool(types.Positive, "pos", 3), "alice", "alice", "alice"),
			Negative: withIdentity(pool(types.Negative, "neg", 3), "carol", "dave", "alice"),
		}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Pairs(tt.pools, true)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrDatasetAlignment)

			var alignErr *types.DatasetAlignmentError
			require.ErrorAs(t, err, &alignErr)
			assert.Equal(t, tt.index, alignErr.Index)
		})
	}
}

func TestPairsNonStrictTruncates(t *testing.T) {
	pairs, err := Pairs(pools(5, 3, 4), false)
	require.NoError(t, err)
	assert.Len(t, pairs, 7)

	var pos int
	for _, p := range pairs {
		if p.Label == types.Match {
			pos++
		}
	}
	assert.Equal(t, 3, pos)
}

func TestCappedPools(t *testing.T) {
	p := pools(10, 8, 12).Capped(6)
	assert.Equal(t, 6, p.Anchor.Len())
	assert.Equal(t, 6, p.Positive.Len())
	assert.Equal(t, 6, p.Negative.Len())

	assert.Equal(t, 10, pools(10, 8, 12).Capped(0).Anchor.Len())
}

func TestShuffleIsPermutation(t *testing.T) {
	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}

	for _, buffer := range []int{0, 1, 10, 100, 1000} {
		t.Run(fmt.Sprintf("buffer=%d", buffer), func(t *testing.T) {
			out := Shuffle(items, buffer, rand.New(rand.NewSource(42)))
			require.Len(t, out, len(items))
			assert.NotSame(t, &items[0], &out[0])

			sorted := append([]int(nil), out...)
			sort.Ints(sorted)
			assert.Equal(t, items, sorted)
		})
	}

	// Input is left untouched.
	assert.Equal(t, 0, items[0])
	assert.Equal(t, 99, items[99])
}

func TestShuffleDeterministicForSeed(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	a := Shuffle(items, 4, rand.New(rand.NewSource(7)))
	b := Shuffle(items, 4, rand.New(rand.NewSource(7)))
	assert.Equal(t, a, b)
}

func TestBuildSplitsOnce(t *testing.T) {
	loader := &fakeLoader{}
	opts := DefaultOptions()
	opts.Seed = 11
	opts.Workers = 4

	b, err := NewBuilder(opts, loader)
	require.NoError(t, err)

	ds, err := b.Build(context.Background(), pools(10, 10, 10))
	require.NoError(t, err)

	assert.Equal(t, 20, ds.Len())
	assert.Len(t, ds.Train(), 14)
	assert.Len(t, ds.Test(), 6)

	// Every distinct image is preprocessed exactly once even though each
	// anchor appears in two pairs.
	assert.Len(t, loader.loads, 30)
	for ref, n := range loader.loads {
		assert.Equal(t, 1, n, ref)
		_, ok := ds.cache[ref]
		assert.True(t, ok, ref)
	}

	// Train and test never overlap and together cover every pair.
	seen := map[types.Pair]int{}
	for _, p := range append(append([]types.Pair(nil), ds.Train()...), ds.Test()...) {
		seen[p]++
	}
	assert.Len(t, seen, 20)
	assert.Equal(t, int64(11), ds.Seed())
}

func TestBuildClockSeedIsReproducible(t *testing.T) {
	opts := DefaultOptions()
	opts.Seed = 0

	b, err := NewBuilder(opts, &fakeLoader{})
	require.NoError(t, err)
	first, err := b.Build(context.Background(), pools(50, 50, 50))
	require.NoError(t, err)
	require.NotZero(t, first.Seed())

	opts.Seed = first.Seed()
	b, err = NewBuilder(opts, &fakeLoader{})
	require.NoError(t, err)
	again, err := b.Build(context.Background(), pools(50, 50, 50))
	require.NoError(t, err)

	assert.Equal(t, first.Test(), again.Test())
	assert.Equal(t, first.Train(), again.Train())
}

func TestBuildPropagatesDecodeError(t *testing.T) {
	loader := &fakeLoader{fail: "pos/2.jpg"}
	b, err := NewBuilder(DefaultOptions(), loader)
	require.NoError(t, err)

	_, err = b.Build(context.Background(), pools(5, 5, 5))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDecode)
}

func TestBuildRejectsMisalignedPools(t *testing.T) {
	b, err := NewBuilder(DefaultOptions(), &fakeLoader{})
	require.NoError(t, err)

	_, err = b.Build(context.Background(), pools(5, 5, 4))
	assert.ErrorIs(t, err, types.ErrDatasetAlignment)
}

func TestOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	opts.TrainFraction = 0
	_, err := NewBuilder(opts, &fakeLoader{})
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.TrainFraction = 1.5
	assert.Error(t, opts.Validate())

	opts = DefaultOptions()
	opts.ShuffleBuffer = -1
	assert.Error(t, opts.Validate())
}

func collect(ch <-chan Batch) []Batch {
	var out []Batch
	for b := range ch {
		out = append(out, b)
	}
	return out
}

func TestBatchesOrderIsStable(t *testing.T) {
	b, err := NewBuilder(Options{TrainFraction: 0.7, ShuffleBuffer: 10000, Strict: true, Seed: 3}, &fakeLoader{})
	require.NoError(t, err)
	ds, err := b.Build(context.Background(), pools(20, 20, 20))
	require.NoError(t, err)

	ctx := context.Background()
	first := collect(ds.Batches(ctx, ds.Train(), 16, 8))
	second := collect(ds.Batches(ctx, ds.Train(), 16, 8))

	require.Len(t, first, 2)
	assert.Equal(t, 2, NumBatches(ds.Train(), 16))
	assert.Equal(t, 16, first[0].Len())
	assert.Equal(t, 12, first[1].Len())

	var flat []types.Pair
	for i, batch := range first {
		assert.Equal(t, i, batch.Index)
		assert.Equal(t, batch.Pairs, second[i].Pairs)
		require.Len(t, batch.Left, batch.Len())
		require.Len(t, batch.Right, batch.Len())
		for j, p := range batch.Pairs {
			assert.Equal(t, p.Label, batch.Labels[j])
		}
		flat = append(flat, batch.Pairs...)
	}
	assert.Equal(t, ds.Train(), flat)
}

func TestBatchesStopOnCancel(t *testing.T) {
	cache := map[string]types.Tensor{}
	var pairs []types.Pair
	for i := 0; i < 100; i++ {
		ref := fmt.Sprintf("%d.jpg", i)
		cache[ref] = types.Tensor{}
		pairs = append(pairs, types.Pair{Anchor: ref, Candidate: ref, Label: types.Match})
	}
	ds, err := New(pairs, len(pairs), cache)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := ds.Batches(ctx, ds.Train(), 1, 0)
	<-ch
	cancel()

	n := 0
	for range ch {
		n++
	}
	assert.Less(t, n, 99)
}

func TestNewRejectsMissingTensor(t *testing.T) {
	_, err := New([]types.Pair{{Anchor: "a", Candidate: "b"}}, 1, map[string]types.Tensor{"a": {}})
	assert.Error(t, err)

	_, err = New(nil, 2, nil)
	assert.Error(t, err)
}
