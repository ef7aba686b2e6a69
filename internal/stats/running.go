// Package stats accumulates activation ranges across forward passes without
// keeping the activations themselves.
package stats

import "math"

// Options configures new records. A zero HistogramBins disables the histogram.
type Options struct {
	HistogramBins int
	HistogramMax  float64
}

// RunningStats is the range summary of one observed tensor slice stream.
//
// Count is the number of slices observed, Elements the number of finite
// values folded into the range, and NonFinite the number of NaN/Inf values
// that were skipped. Min and Max only ever widen; they are meaningful once
// Elements > 0.
type RunningStats struct {
	Count     int64      `json:"count"`
	Elements  int64      `json:"elements"`
	NonFinite int64      `json:"non_finite"`
	Min       float64    `json:"min"`
	Max       float64    `json:"max"`
	AbsMax    float64    `json:"abs_max"`
	Hist      *Histogram `json:"histogram,omitempty"`

	frozen bool
}

func New(opts Options) *RunningStats {
	return &RunningStats{Hist: NewHistogram(opts.HistogramBins, opts.HistogramMax)}
}

// Empty reports whether no finite value has been observed yet.
func (s *RunningStats) Empty() bool {
	return s.Elements == 0
}

// Frozen reports whether Freeze was called.
func (s *RunningStats) Frozen() bool {
	return s.frozen
}

// Freeze rejects any further Observe calls.
func (s *RunningStats) Freeze() {
	s.frozen = true
}

// Observe folds one slice into the record.
func (s *RunningStats) Observe(slice []float32) error {
	return s.ObserveStrided(slice, 0, len(slice), len(slice))
}

// ObserveStrided folds the elements data[off+k*stride : off+k*stride+width]
// for every k into the record as a single slice. It is how one channel of a
// [rows, channels, width] activation is observed without copying.
func (s *RunningStats) ObserveStrided(data []float32, off, width, stride int) error {
	if s.frozen {
		return ErrFrozen
	}
	s.Count++
	var bad, total int64
	if width > 0 && stride > 0 {
		for base := off; base < len(data); base += stride {
			end := min(base+width, len(data))
			for _, v := range data[base:end] {
				total++
				f := float64(v)
				if math.IsNaN(f) || math.IsInf(f, 0) {
					bad++
					continue
				}
				s.add(f)
			}
		}
	}
	if bad > 0 {
		s.NonFinite += bad
		return &InvalidSliceError{NonFinite: bad, Total: total}
	}
	return nil
}

func (s *RunningStats) add(f float64) {
	if s.Elements == 0 {
		s.Min, s.Max = f, f
	} else {
		if f < s.Min {
			s.Min = f
		}
		if f > s.Max {
			s.Max = f
		}
	}
	s.Elements++
	a := math.Abs(f)
	if a > s.AbsMax {
		s.AbsMax = a
	}
	if s.Hist != nil {
		s.Hist.add(a)
	}
}

// Merge combines two independently accumulated records into a new one.
// Min, Max, AbsMax and all counters merge exactly; histograms add bucket-wise
// and must share edges.
func (s *RunningStats) Merge(o *RunningStats) (*RunningStats, error) {
	if o == nil {
		return s.Clone(), nil
	}
	hist, err := mergeHistograms(s.Hist, o.Hist)
	if err != nil {
		return nil, err
	}
	out := &RunningStats{
		Count:     s.Count + o.Count,
		Elements:  s.Elements + o.Elements,
		NonFinite: s.NonFinite + o.NonFinite,
		AbsMax:    math.Max(s.AbsMax, o.AbsMax),
		Hist:      hist,
	}
	switch {
	case s.Empty():
		out.Min, out.Max = o.Min, o.Max
	case o.Empty():
		out.Min, out.Max = s.Min, s.Max
	default:
		out.Min = math.Min(s.Min, o.Min)
		out.Max = math.Max(s.Max, o.Max)
	}
	return out, nil
}

// Clone returns an unfrozen deep copy.
func (s *RunningStats) Clone() *RunningStats {
	out := *s
	out.Hist = s.Hist.clone()
	out.frozen = false
	return &out
}
