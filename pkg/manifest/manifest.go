// Package manifest defines the on-disk KV cache quantization manifest that
// calibration produces and serving engines consume.
//
// The encoding is JSON with named fields and an explicit format_version.
// Readers reject any version they do not know before looking at the rest of
// the document.
package manifest

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/goccy/go-json"
)

const (
	FormatVersion = 1
	FileName      = "kv_quant_params.json"
)

// Tensor roles as they appear in the manifest.
const (
	RoleKey                 = "key"
	RoleValue               = "value"
	RoleNormalizationInput  = "normalization_input"
	RoleNormalizationWeight = "normalization_weight"
)

type Manifest struct {
	FormatVersion int      `json:"format_version"`
	Metadata      Metadata `json:"metadata"`
	Layers        []Layer  `json:"layers"`
}

// Metadata is enough to audit how a manifest was produced.
type Metadata struct {
	ModelID     string    `json:"model_id"`
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	ToolVersion string    `json:"tool_version"`
	LayerType   string    `json:"layer_type"`
	NormType    string    `json:"norm_type,omitempty"`
	Scheme      string    `json:"scheme"`
	Granularity string    `json:"granularity"`
	BitWidth    int       `json:"bit_width"`
	Seed        int64     `json:"seed"`
	Shards      int       `json:"shards,omitempty"`

	CorpusBatches int   `json:"corpus_batches"`
	CorpusTokens  int64 `json:"corpus_tokens"`

	// Anomalies is the number of non-finite activation values excluded from
	// the observed ranges. AnomalousSlices counts the observations that
	// contained at least one.
	Anomalies       int64 `json:"anomalies"`
	AnomalousSlices int64 `json:"anomalous_slices"`
}

// Layer holds the resolved parameters of one instrumented sublayer.
type Layer struct {
	Index   int      `json:"index"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Role    string   `json:"role"`
	Tensors []Tensor `json:"tensors"`
}

// Tensor is one tensor role of a layer. Params has one entry for per-tensor
// granularity and one per channel (attention head) otherwise.
type Tensor struct {
	Role     string   `json:"role"`
	Params   []Params `json:"params"`
	Observed Observed `json:"observed"`
}

type Params struct {
	Scale       float64 `json:"scale"`
	ZeroPoint   int     `json:"zero_point"`
	BitWidth    int     `json:"bit_width"`
	Scheme      string  `json:"scheme"`
	Granularity string  `json:"granularity"`
}

// Observed summarises the statistics the parameters were resolved from.
type Observed struct {
	Count     int64   `json:"count"`
	Elements  int64   `json:"elements"`
	NonFinite int64   `json:"non_finite"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	AbsMax    float64 `json:"abs_max"`
	// P999 is the 99.9th percentile of absolute values when a histogram
	// was collected.
	P999 float64 `json:"p999,omitempty"`
}

// Sort orders layers by index then name, and tensors by role, so encoding is
// deterministic regardless of how the manifest was assembled.
func (m *Manifest) Sort() {
	slices.SortStableFunc(m.Layers, func(a, b Layer) int {
		if c := cmp.Compare(a.Index, b.Index); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	for i := range m.Layers {
		slices.SortStableFunc(m.Layers[i].Tensors, func(a, b Tensor) int {
			return cmp.Compare(roleOrder(a.Role), roleOrder(b.Role))
		})
	}
}

func roleOrder(role string) int {
	switch role {
	case RoleKey:
		return 0
	case RoleValue:
		return 1
	case RoleNormalizationInput:
		return 2
	case RoleNormalizationWeight:
		return 3
	}
	return 4
}

// Lookup returns the tensor entry for a decoder layer index and tensor role.
// When several layers share an index (an attention block and its norms),
// the first one carrying the role wins.
func (m *Manifest) Lookup(layer int, role string) (Tensor, bool) {
	for i := range m.Layers {
		if m.Layers[i].Index != layer {
			continue
		}
		if t, ok := m.Layers[i].Tensor(role); ok {
			return t, true
		}
	}
	return Tensor{}, false
}

// LookupName is Lookup keyed by the full layer path.
func (m *Manifest) LookupName(name, role string) (Tensor, bool) {
	for i := range m.Layers {
		if m.Layers[i].Name == name {
			return m.Layers[i].Tensor(role)
		}
	}
	return Tensor{}, false
}

func (l *Layer) Tensor(role string) (Tensor, bool) {
	for _, t := range l.Tensors {
		if t.Role == role {
			return t, true
		}
	}
	return Tensor{}, false
}

// Validate checks the invariants every consumer relies on.
func (m *Manifest) Validate() error {
	if m.FormatVersion != FormatVersion {
		return &UnsupportedVersionError{Version: m.FormatVersion}
	}
	seen := make(map[string]bool, len(m.Layers))
	for _, l := range m.Layers {
		if seen[l.Name] {
			return fmt.Errorf("%w: duplicate layer %q", ErrInvalid, l.Name)
		}
		seen[l.Name] = true
		for _, t := range l.Tensors {
			if len(t.Params) == 0 {
				return fmt.Errorf("%w: %s/%s has no params", ErrInvalid, l.Name, t.Role)
			}
			for ch, p := range t.Params {
				if !(p.Scale > 0) || math.IsInf(p.Scale, 0) {
					return fmt.Errorf("%w: %s/%s[%d] scale %v", ErrInvalid, l.Name, t.Role, ch, p.Scale)
				}
				if p.Scheme == "symmetric" && p.ZeroPoint != 0 {
					return fmt.Errorf("%w: %s/%s[%d] symmetric zero point %d", ErrInvalid, l.Name, t.Role, ch, p.ZeroPoint)
				}
			}
		}
	}
	return nil
}

// Encode renders m as indented JSON terminated by a newline.
func Encode(m *Manifest) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil manifest", ErrInvalid)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a manifest. The version is checked first so a newer layout
// is rejected instead of half-read.
func Decode(data []byte) (*Manifest, error) {
	var probe struct {
		FormatVersion *int `json:"format_version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if probe.FormatVersion == nil {
		return nil, &UnsupportedVersionError{Missing: true}
	}
	if *probe.FormatVersion != FormatVersion {
		return nil, &UnsupportedVersionError{Version: *probe.FormatVersion}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
