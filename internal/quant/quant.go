// Package quant maps observed activation ranges to integer quantization
// parameters for the KV cache.
package quant

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/kvcalib/internal/stats"
)

// Epsilon is the smallest scale Resolve will emit. A range that collapses to
// zero width (a constant, usually all-zero, activation) would otherwise yield
// scale 0 and a division by zero in the kernels; flooring keeps every value
// representable and quantizes the constant to the zero point.
const Epsilon = 1e-8

type Scheme string

const (
	Symmetric  Scheme = "symmetric"
	Asymmetric Scheme = "asymmetric"
)

type Granularity string

const (
	PerTensor  Granularity = "per_tensor"
	PerChannel Granularity = "per_channel"
)

var (
	ErrUnsupportedScheme = errors.New("quant: unsupported scheme")
	ErrUnknownGranular   = errors.New("quant: unknown granularity")
)

// UnsupportedSchemeError names a (scheme, bit width) pair the serving
// kernels cannot consume.
type UnsupportedSchemeError struct {
	Scheme   Scheme
	BitWidth int
}

func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("quant: unsupported scheme %q at %d bits", e.Scheme, e.BitWidth)
}

func (e *UnsupportedSchemeError) Unwrap() error {
	return ErrUnsupportedScheme
}

type combo struct {
	scheme Scheme
	bits   int
}

// supported is the fixed set the int8 KV kernels accept.
var supported = map[combo]bool{
	{Symmetric, 8}:  true,
	{Asymmetric, 8}: true,
}

// Validate reports whether scheme/bitWidth is in the kernel whitelist.
func Validate(scheme Scheme, bitWidth int) error {
	if !supported[combo{scheme, bitWidth}] {
		return &UnsupportedSchemeError{Scheme: scheme, BitWidth: bitWidth}
	}
	return nil
}

func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case Symmetric, Asymmetric:
		return Scheme(s), nil
	case "sym":
		return Symmetric, nil
	case "asym":
		return Asymmetric, nil
	}
	return "", &UnsupportedSchemeError{Scheme: Scheme(s)}
}

func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case PerTensor, PerChannel:
		return Granularity(s), nil
	case "tensor":
		return PerTensor, nil
	case "channel", "head", "per_head":
		return PerChannel, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownGranular, s)
}

// Params is the affine mapping x = (q - ZeroPoint) * Scale for one tensor
// (or one channel of it).
type Params struct {
	Scale       float64
	ZeroPoint   int
	BitWidth    int
	Scheme      Scheme
	Granularity Granularity
}

// QMin and QMax bound the stored integers: [-(2^(b-1)-1), 2^(b-1)-1] for
// symmetric, [0, 2^b-1] for asymmetric.
func (p Params) QMin() int {
	if p.Scheme == Symmetric {
		return -(1<<(p.BitWidth-1) - 1)
	}
	return 0
}

func (p Params) QMax() int {
	if p.Scheme == Symmetric {
		return 1<<(p.BitWidth-1) - 1
	}
	return 1<<p.BitWidth - 1
}

func (p Params) Quantize(x float64) int {
	q := int(math.RoundToEven(x/p.Scale)) + p.ZeroPoint
	return min(max(q, p.QMin()), p.QMax())
}

func (p Params) Dequantize(q int) float64 {
	return float64(q-p.ZeroPoint) * p.Scale
}

// Slack is how far the representable range may fall short of the observed
// range at either end: zero for symmetric, half a step for asymmetric (the
// zero point is rounded to an integer).
func (p Params) Slack() float64 {
	if p.Scheme == Symmetric {
		return 0
	}
	return p.Scale / 2
}

// Covers reports whether dequantizing [QMin, QMax] spans [lo, hi] within Slack.
func (p Params) Covers(lo, hi float64) bool {
	tol := p.Slack() + 1e-12*math.Max(math.Abs(lo), math.Abs(hi))
	return p.Dequantize(p.QMin()) <= lo+tol && p.Dequantize(p.QMax()) >= hi-tol
}

// ResolveRange computes parameters for an observed [lo, hi].
//
// Symmetric: scale = max(|lo|,|hi|) / (2^(b-1)-1), zero point 0.
// Asymmetric: the range is first widened to contain 0 so zero stays exactly
// representable, then scale = (hi-lo) / (2^b-1) and
// zero point = round(-lo/scale) clamped to [0, 2^b-1].
func ResolveRange(lo, hi float64, scheme Scheme, bitWidth int) (Params, error) {
	if err := Validate(scheme, bitWidth); err != nil {
		return Params{}, err
	}
	if lo > hi || math.IsNaN(lo) || math.IsNaN(hi) {
		return Params{}, fmt.Errorf("quant: invalid range [%v, %v]", lo, hi)
	}
	p := Params{BitWidth: bitWidth, Scheme: scheme, Granularity: PerTensor}
	switch scheme {
	case Symmetric:
		absMax := math.Max(math.Abs(lo), math.Abs(hi))
		p.Scale = math.Max(absMax/float64(p.QMax()), Epsilon)
	case Asymmetric:
		lo, hi = math.Min(lo, 0), math.Max(hi, 0)
		p.Scale = math.Max((hi-lo)/float64(p.QMax()), Epsilon)
		zp := int(math.Round(-lo / p.Scale))
		p.ZeroPoint = min(max(zp, p.QMin()), p.QMax())
	}
	return p, nil
}

// Resolve turns accumulated statistics into parameters. PerChannel yields one
// Params per channel in channel order; PerTensor merges every channel first
// and yields exactly one.
func Resolve(cs *stats.ChannelStats, scheme Scheme, gran Granularity, bitWidth int) ([]Params, error) {
	if err := Validate(scheme, bitWidth); err != nil {
		return nil, err
	}
	switch gran {
	case PerTensor:
		merged, err := cs.Merged()
		if err != nil {
			return nil, err
		}
		p, err := ResolveRange(merged.Min, merged.Max, scheme, bitWidth)
		if err != nil {
			return nil, err
		}
		return []Params{p}, nil
	case PerChannel:
		out := make([]Params, 0, len(cs.Channels))
		for ch, rs := range cs.Channels {
			p, err := ResolveRange(rs.Min, rs.Max, scheme, bitWidth)
			if err != nil {
				return nil, fmt.Errorf("channel %d: %w", ch, err)
			}
			p.Granularity = PerChannel
			out = append(out, p)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownGranular, gran)
	}
}
