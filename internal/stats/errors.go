package stats

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSlice      = errors.New("stats: invalid slice")
	ErrFrozen            = errors.New("stats: record is frozen")
	ErrHistogramMismatch = errors.New("stats: histogram edges do not align")
	ErrChannelMismatch   = errors.New("stats: channel layout changed between observations")
)

// InvalidSliceError reports non-finite values excluded from a slice.
// The slice itself was still counted; only the range ignored the bad values.
type InvalidSliceError struct {
	NonFinite int64
	Total     int64
}

func (e *InvalidSliceError) Error() string {
	return fmt.Sprintf("stats: %d of %d values non-finite (excluded from range)", e.NonFinite, e.Total)
}

func (e *InvalidSliceError) Unwrap() error {
	return ErrInvalidSlice
}
