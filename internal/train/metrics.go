package train

// Threshold separates predicted matches from non-matches in metrics.
const Threshold = 0.5

// Confusion accumulates binary classification counts.
type Confusion struct {
	TP, FP, FN, TN int
}

// Add records predictions against labels. A score strictly above Threshold
// counts as a predicted match.
func (c *Confusion) Add(scores, labels []float64) {
	for i, s := range scores {
		pred := s > Threshold
		actual := labels[i] > Threshold
		switch {
		case pred && actual:
			c.TP++
		case pred && !actual:
			c.FP++
		case !pred && actual:
			c.FN++
		default:
			c.TN++
		}
	}
}

// Precision is TP/(TP+FP), zero when nothing was predicted positive.
func (c Confusion) Precision() float64 {
	if c.TP+c.FP == 0 {
		return 0
	}
	return float64(c.TP) / float64(c.TP+c.FP)
}

// Recall is TP/(TP+FN), zero when there were no positives.
func (c Confusion) Recall() float64 {
	if c.TP+c.FN == 0 {
		return 0
	}
	return float64(c.TP) / float64(c.TP+c.FN)
}

// Metrics summarises predictions over a split.
type Metrics struct {
	Pairs     int
	Precision float64
	Recall    float64
	Confusion Confusion
}

func (c Confusion) metrics() Metrics {
	return Metrics{
		Pairs:     c.TP + c.FP + c.FN + c.TN,
		Precision: c.Precision(),
		Recall:    c.Recall(),
		Confusion: c,
	}
}
