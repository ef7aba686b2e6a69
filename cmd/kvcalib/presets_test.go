package main

import (
	"testing"

	"github.com/samcharles93/kvcalib/internal/toy"
)

func TestResolveArch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		arch      string
		layerType string
		normType  string
		want      archPreset
		wantErr   bool
	}{
		{name: "full class name", arch: "LlamaForCausalLM", want: archPreset{"LlamaDecoderLayer", "LlamaRMSNorm"}},
		{name: "alias", arch: "qwen", want: archPreset{"QWenBlock", "RMSNorm"}},
		{name: "alias case", arch: "BaiChuan", want: archPreset{"DecoderLayer", "RMSNorm"}},
		{name: "toy", arch: "toy", want: archPreset{toy.DecoderLayerType, toy.RMSNormType}},
		{name: "override layer", arch: "internlm", layerType: "Custom", want: archPreset{"Custom", "InternLMRMSNorm"}},
		{name: "no arch", layerType: "Block", want: archPreset{LayerType: "Block"}},
		{name: "unknown", arch: "gpt2", wantErr: true},
		{name: "nothing", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := resolveArch(tc.arch, tc.layerType, tc.normType)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveArch: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}
