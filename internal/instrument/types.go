// Package instrument discovers the sublayers of a model that carry KV cache
// traffic and registers observation points on them.
//
// Models do not expose callbacks. Instead a model owns a Registry and its
// forward driver calls Registry.Emit directly after each sublayer step; a
// Manager decides which (layer, role) pairs have a point registered.
package instrument

import (
	"strconv"
	"strings"
)

// LayerRole is the structural role a matched sublayer plays.
type LayerRole string

const (
	AttentionBlock LayerRole = "attention_block"
	Normalization  LayerRole = "normalization"
)

// TensorRole names which tensor of a sublayer is observed.
type TensorRole string

const (
	Key                 TensorRole = "key"
	Value               TensorRole = "value"
	NormalizationInput  TensorRole = "normalization_input"
	NormalizationWeight TensorRole = "normalization_weight"
)

// Roles returns the tensor roles observed for a layer role.
func (r LayerRole) Roles() []TensorRole {
	switch r {
	case AttentionBlock:
		return []TensorRole{Key, Value}
	case Normalization:
		return []TensorRole{NormalizationInput, NormalizationWeight}
	}
	return nil
}

// Sublayer is one entry of a model's flattened layer hierarchy.
type Sublayer struct {
	// Name is the stable path of the layer, e.g. "model.layers.3.self_attn".
	Name string
	// Type is the architecture specific type tag, e.g. "LlamaDecoderLayer".
	Type string
}

// SublayerProvider is implemented by model adapters. Sublayers must be
// returned in execution order.
type SublayerProvider interface {
	Sublayers() []Sublayer
}

// Instrumentable models expose the registry their forward pass emits into.
type Instrumentable interface {
	SublayerProvider
	Hooks() *Registry
}

// LayerHandle identifies a matched sublayer for the duration of a run.
type LayerHandle struct {
	Name  string    `json:"name"`
	Type  string    `json:"type"`
	Index int       `json:"index"`
	Role  LayerRole `json:"role"`
}

// Activation is a view over a tensor laid out as [rows, Channels, Width].
// Channels <= 1 means the whole slice is one channel. Observers must not
// retain Data.
type Activation struct {
	Data     []float32
	Channels int
	Width    int
}

// layerIndex extracts the block index from a layer path: the first purely
// numeric path segment. ok is false when the path carries none.
func layerIndex(name string) (int, bool) {
	for seg := range strings.SplitSeq(name, ".") {
		if seg == "" {
			continue
		}
		if n, err := strconv.Atoi(seg); err == nil && n >= 0 {
			return n, true
		}
	}
	return 0, false
}
