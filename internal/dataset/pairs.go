package dataset

import (
	"fmt"
	"math/rand"

	"github.com/andresmejia3/faceverify/internal/types"
)

// Pools groups the three sample pools a dataset is built from.
//
// Pairing is positional: Anchor[i] is paired with Positive[i] (label 1) and
// with Negative[i] (label 0). Callers must keep Anchor and Positive aligned
// so that the same index holds the same identity. When samples carry an
// explicit Identity the alignment is checked.
type Pools struct {
	Anchor   types.Pool
	Positive types.Pool
	Negative types.Pool
}

// Capped returns the pools truncated to at most max samples each.
func (p Pools) Capped(max int) Pools {
	if max <= 0 {
		return p
	}
	limit := func(pool types.Pool) types.Pool {
		if pool.Len() > max {
			pool.Samples = pool.Samples[:max]
		}
		return pool
	}
	return Pools{Anchor: limit(p.Anchor), Positive: limit(p.Positive), Negative: limit(p.Negative)}
}

// CheckAlignment reports pools that cannot be zipped by position without
// silently mislabelling pairs.
func (p Pools) CheckAlignment() error {
	for _, pool := range []types.Pool{p.Anchor, p.Positive, p.Negative} {
		if pool.Len() == 0 {
			return &types.DatasetAlignmentError{Index: -1, Reason: fmt.Sprintf("%s pool is empty", pool.Name)}
		}
	}

	if p.Anchor.Len() != p.Positive.Len() || p.Anchor.Len() != p.Negative.Len() {
		return &types.DatasetAlignmentError{Index: -1, Reason: fmt.Sprintf(
			"pool sizes differ (anchor=%d positive=%d negative=%d)",
			p.Anchor.Len(), p.Positive.Len(), p.Negative.Len())}
	}

	for i, a := range p.Anchor.Samples {
		pos := p.Positive.Samples[i]
		if a.Identity != "" && pos.Identity != "" && a.Identity != pos.Identity {
			return &types.DatasetAlignmentError{Index: i, Reason: fmt.Sprintf(
				"anchor identity %q does not match positive identity %q", a.Identity, pos.Identity)}
		}
		neg := p.Negative.Samples[i]
		if a.Identity != "" && neg.Identity == a.Identity {
			return &types.DatasetAlignmentError{Index: i, Reason: fmt.Sprintf(
				"negative sample %s belongs to the anchor identity %q", neg.Ref, a.Identity)}
		}
	}

	return nil
}

// Pairs zips the pools into labelled pairs: every positive pair first, then
// every negative pair. In strict mode misaligned pools are an error;
// otherwise pairing stops at the shortest pool.
func Pairs(p Pools, strict bool) ([]types.Pair, error) {
	if strict {
		if err := p.CheckAlignment(); err != nil {
			return nil, err
		}
	}

	nPos := min(p.Anchor.Len(), p.Positive.Len())
	nNeg := min(p.Anchor.Len(), p.Negative.Len())
	if !strict && (nPos != p.Anchor.Len() || nNeg != p.Anchor.Len() || p.Positive.Len() != p.Negative.Len()) {
		log.Warnf("dataset: pools differ in size (anchor=%d positive=%d negative=%d), truncating",
			p.Anchor.Len(), p.Positive.Len(), p.Negative.Len())
	}

	pairs := make([]types.Pair, 0, nPos+nNeg)
	for i := 0; i < nPos; i++ {
		pairs = append(pairs, types.Pair{Anchor: p.Anchor.Samples[i].Ref, Candidate: p.Positive.Samples[i].Ref, Label: types.Match})
	}
	for i := 0; i < nNeg; i++ {
		pairs = append(pairs, types.Pair{Anchor: p.Anchor.Samples[i].Ref, Candidate: p.Negative.Samples[i].Ref, Label: types.NonMatch})
	}

	return pairs, nil
}

// Shuffle returns a shuffled copy of items using a bounded reservoir of the
// given size. With a buffer at least as large as the input the result is a
// uniform permutation; with a smaller buffer an item can only move forward
// by roughly the buffer size.
func Shuffle[T any](items []T, buffer int, rnd *rand.Rand) []T {
	out := make([]T, 0, len(items))

	if buffer <= 0 || buffer >= len(items) {
		out = append(out, items...)
		rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	}

	reservoir := append([]T(nil), items[:buffer]...)
	for _, item := range items[buffer:] {
		i := rnd.Intn(len(reservoir))
		out = append(out, reservoir[i])
		reservoir[i] = item
	}

	rnd.Shuffle(len(reservoir), func(i, j int) { reservoir[i], reservoir[j] = reservoir[j], reservoir[i] })
	return append(out, reservoir...)
}
