package stats

import "errors"

// ChannelStats keeps one RunningStats per channel of a [rows, channels, width]
// activation. Channels is nil until the first observation fixes the layout.
type ChannelStats struct {
	Width    int             `json:"width"`
	Channels []*RunningStats `json:"channels"`

	opts Options
}

func NewChannelStats(opts Options) *ChannelStats {
	return &ChannelStats{opts: opts}
}

// Observe records one activation. channels <= 1 treats the slice as a single
// channel; otherwise len(data) must be a multiple of channels*width.
// Non-finite values from every channel are folded into one InvalidSliceError.
func (c *ChannelStats) Observe(data []float32, channels, width int) error {
	if channels <= 1 {
		channels, width = 1, len(data)
	}
	if width <= 0 || len(data)%(channels*width) != 0 {
		return ErrChannelMismatch
	}
	if c.Channels == nil {
		c.Width = width
		c.Channels = make([]*RunningStats, channels)
		for i := range c.Channels {
			c.Channels[i] = New(c.opts)
		}
	} else if len(c.Channels) != channels || (channels > 1 && c.Width != width) {
		return ErrChannelMismatch
	}

	if channels == 1 {
		return c.Channels[0].Observe(data)
	}

	var invalid *InvalidSliceError
	stride := channels * width
	for ch, rs := range c.Channels {
		err := rs.ObserveStrided(data, ch*width, width, stride)
		if err == nil {
			continue
		}
		var ise *InvalidSliceError
		if !errors.As(err, &ise) {
			return err
		}
		if invalid == nil {
			invalid = &InvalidSliceError{}
		}
		invalid.NonFinite += ise.NonFinite
		invalid.Total += ise.Total
	}
	if invalid != nil {
		return invalid
	}
	return nil
}

// Count returns the number of slices observed.
func (c *ChannelStats) Count() int64 {
	if len(c.Channels) == 0 {
		return 0
	}
	return c.Channels[0].Count
}

// NonFinite returns the non-finite values excluded across channels.
func (c *ChannelStats) NonFinite() int64 {
	var n int64
	for _, rs := range c.Channels {
		n += rs.NonFinite
	}
	return n
}

func (c *ChannelStats) Freeze() {
	for _, rs := range c.Channels {
		rs.Freeze()
	}
}

// Merged folds every channel into a single per-tensor record. Count is kept
// as slices observed, not channel-slices.
func (c *ChannelStats) Merged() (*RunningStats, error) {
	if len(c.Channels) == 0 {
		return New(Options{}), nil
	}
	out := c.Channels[0].Clone()
	for _, rs := range c.Channels[1:] {
		m, err := out.Merge(rs)
		if err != nil {
			return nil, err
		}
		out = m
	}
	out.Count = c.Count()
	return out, nil
}

// Merge combines records for the same tensor gathered by different workers.
func (c *ChannelStats) Merge(o *ChannelStats) (*ChannelStats, error) {
	switch {
	case o == nil || len(o.Channels) == 0:
		return c.Clone(), nil
	case len(c.Channels) == 0:
		return o.Clone(), nil
	case len(c.Channels) != len(o.Channels) || c.Width != o.Width:
		return nil, ErrChannelMismatch
	}
	out := &ChannelStats{Width: c.Width, opts: c.opts, Channels: make([]*RunningStats, len(c.Channels))}
	for i := range c.Channels {
		m, err := c.Channels[i].Merge(o.Channels[i])
		if err != nil {
			return nil, err
		}
		out.Channels[i] = m
	}
	return out, nil
}

func (c *ChannelStats) Clone() *ChannelStats {
	out := &ChannelStats{Width: c.Width, opts: c.opts}
	if c.Channels != nil {
		out.Channels = make([]*RunningStats, len(c.Channels))
		for i, rs := range c.Channels {
			out.Channels[i] = rs.Clone()
		}
	}
	return out
}
