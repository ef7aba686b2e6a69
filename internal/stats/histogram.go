package stats

import "math"

// Histogram counts absolute values in Bins equal-width buckets over [0, Max].
// Values at or beyond Max land in the last bucket. Two histograms can only be
// merged when Bins and Max are identical, which keeps bucket edges aligned.
type Histogram struct {
	Bins   int     `json:"bins"`
	Max    float64 `json:"max"`
	Counts []int64 `json:"counts"`
	Clamp  int64   `json:"clamped"`
}

func NewHistogram(bins int, maxAbs float64) *Histogram {
	if bins <= 0 || !(maxAbs > 0) || math.IsInf(maxAbs, 0) {
		return nil
	}
	return &Histogram{
		Bins:   bins,
		Max:    maxAbs,
		Counts: make([]int64, bins),
	}
}

func (h *Histogram) add(abs float64) {
	i := int(abs / h.Max * float64(h.Bins))
	if i >= h.Bins {
		i = h.Bins - 1
		if abs > h.Max {
			h.Clamp++
		}
	}
	h.Counts[i]++
}

// Total returns the number of values recorded.
func (h *Histogram) Total() int64 {
	if h == nil {
		return 0
	}
	var n int64
	for _, c := range h.Counts {
		n += c
	}
	return n
}

// Percentile returns the upper edge of the bucket that holds the p-th
// quantile (0 < p <= 1) of recorded absolute values.
func (h *Histogram) Percentile(p float64) float64 {
	total := h.Total()
	if total == 0 {
		return 0
	}
	if p <= 0 {
		p = math.SmallestNonzeroFloat64
	}
	if p > 1 {
		p = 1
	}
	target := int64(math.Ceil(p * float64(total)))
	var seen int64
	for i, c := range h.Counts {
		seen += c
		if seen >= target {
			return h.upperEdge(i)
		}
	}
	return h.Max
}

func (h *Histogram) upperEdge(i int) float64 {
	return float64(i+1) * h.Max / float64(h.Bins)
}

func (h *Histogram) aligned(o *Histogram) bool {
	return h.Bins == o.Bins && h.Max == o.Max && len(h.Counts) == len(o.Counts)
}

func (h *Histogram) clone() *Histogram {
	if h == nil {
		return nil
	}
	out := &Histogram{Bins: h.Bins, Max: h.Max, Clamp: h.Clamp, Counts: make([]int64, len(h.Counts))}
	copy(out.Counts, h.Counts)
	return out
}

func mergeHistograms(a, b *Histogram) (*Histogram, error) {
	switch {
	case a == nil && b == nil:
		return nil, nil
	case a == nil || b == nil:
		return nil, ErrHistogramMismatch
	case !a.aligned(b):
		return nil, ErrHistogramMismatch
	}
	out := a.clone()
	for i, c := range b.Counts {
		out.Counts[i] += c
	}
	out.Clamp += b.Clamp
	return out, nil
}
