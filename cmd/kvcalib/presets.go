package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samcharles93/kvcalib/internal/toy"
)

// archPreset names the block and normalization type tags of one model
// architecture.
type archPreset struct {
	LayerType string
	NormType  string
}

var archPresets = map[string]archPreset{
	"InternLMForCausalLM": {LayerType: "InternLMDecoderLayer", NormType: "InternLMRMSNorm"},
	"QWenLMHeadModel":     {LayerType: "QWenBlock", NormType: "RMSNorm"},
	"BaiChuanForCausalLM": {LayerType: "DecoderLayer", NormType: "RMSNorm"},
	"LlamaForCausalLM":    {LayerType: "LlamaDecoderLayer", NormType: "LlamaRMSNorm"},
	"toy":                 {LayerType: toy.DecoderLayerType, NormType: toy.RMSNormType},
}

var archAliases = map[string]string{
	"internlm": "InternLMForCausalLM",
	"qwen":     "QWenLMHeadModel",
	"baichuan": "BaiChuanForCausalLM",
	"llama":    "LlamaForCausalLM",
}

func archNames() []string {
	names := make([]string, 0, len(archPresets))
	for name := range archPresets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// resolveArch returns the layer and norm types for arch. Explicit layerType
// or normType values override the preset; arch may be empty when layerType
// is given.
func resolveArch(arch, layerType, normType string) (archPreset, error) {
	var p archPreset
	if arch != "" {
		name := arch
		if full, ok := archAliases[strings.ToLower(arch)]; ok {
			name = full
		}
		preset, ok := archPresets[name]
		if !ok {
			return archPreset{}, fmt.Errorf("unknown architecture %q (known: %s)", arch, strings.Join(archNames(), ", "))
		}
		p = preset
	}
	if layerType != "" {
		p.LayerType = layerType
	}
	if normType != "" {
		p.NormType = normType
	}
	if p.LayerType == "" {
		return archPreset{}, fmt.Errorf("--arch or --layer-type is required")
	}
	return p, nil
}
