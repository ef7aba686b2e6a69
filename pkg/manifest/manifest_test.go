package manifest

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sampleManifest() *Manifest {
	p := func(scale float64, zp int) []Params {
		return []Params{{Scale: scale, ZeroPoint: zp, BitWidth: 8, Scheme: "asymmetric", Granularity: "per_tensor"}}
	}
	return &Manifest{
		FormatVersion: FormatVersion,
		Metadata: Metadata{
			ModelID:       "toy-2l",
			RunID:         "6b1f2c3e-0d1a-4c55-9a83-2f8e44b0a001",
			CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
			ToolVersion:   "v0.1.0",
			LayerType:     "ToyDecoderLayer",
			Scheme:        "asymmetric",
			Granularity:   "per_tensor",
			BitWidth:      8,
			Seed:          42,
			CorpusBatches: 4,
			CorpusTokens:  512,
		},
		Layers: []Layer{
			{Index: 1, Name: "model.layers.1", Type: "ToyDecoderLayer", Role: "attention_block", Tensors: []Tensor{
				{Role: RoleValue, Params: p(0.0123456789, 131), Observed: Observed{Count: 4, Min: -1.6, Max: 1.53}},
				{Role: RoleKey, Params: p(8.0/255, 96), Observed: Observed{Count: 4, Min: -3, Max: 5, AbsMax: 5, P999: 4.9}},
			}},
			{Index: 0, Name: "model.layers.0", Type: "ToyDecoderLayer", Role: "attention_block", Tensors: []Tensor{
				{Role: RoleKey, Params: p(1.0/3, 7), Observed: Observed{Count: 4}},
				{Role: RoleValue, Params: p(1e-8, 0), Observed: Observed{Count: 4}},
			}},
		},
	}
}

func TestSortAndLookup(t *testing.T) {
	t.Parallel()

	m := sampleManifest()
	m.Sort()
	if m.Layers[0].Index != 0 || m.Layers[1].Tensors[0].Role != RoleKey {
		t.Fatalf("unexpected order after sort: %+v", m.Layers)
	}
	k, ok := m.Lookup(1, RoleKey)
	if !ok || k.Params[0].ZeroPoint != 96 {
		t.Fatalf("lookup(1, key): %+v %v", k, ok)
	}
	if _, ok := m.Lookup(2, RoleKey); ok {
		t.Fatal("lookup of missing layer succeeded")
	}
	if _, ok := m.Lookup(0, RoleNormalizationInput); ok {
		t.Fatal("lookup of missing role succeeded")
	}
	if v, ok := m.LookupName("model.layers.0", RoleValue); !ok || v.Params[0].Scale != 1e-8 {
		t.Fatalf("lookup by name: %+v %v", v, ok)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	m := sampleManifest()
	m.Sort()
	dir := filepath.Join(t.TempDir(), "nested", "work_dir")
	path, err := Write(m, dir)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if path != filepath.Join(dir, FileName) {
		t.Fatalf("path: %s", path)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, l := range m.Layers {
		for _, want := range l.Tensors {
			have, ok := got.LookupName(l.Name, want.Role)
			if !ok {
				t.Fatalf("%s/%s missing after reload", l.Name, want.Role)
			}
			if have.Params[0] != want.Params[0] {
				t.Fatalf("%s/%s params: got %+v want %+v", l.Name, want.Role, have.Params[0], want.Params[0])
			}
		}
	}
	if !got.Metadata.CreatedAt.Equal(m.Metadata.CreatedAt) {
		t.Fatalf("created_at: got %v want %v", got.Metadata.CreatedAt, m.Metadata.CreatedAt)
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	again, err := Encode(got)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(onDisk, again) {
		t.Fatalf("re-encoding a reloaded manifest changed bytes:\n%s\n---\n%s", onDisk, again)
	}
}

func TestWriteIsAtomic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if _, err := Write(sampleManifest(), dir); err != nil {
		t.Fatalf("first write: %v", err)
	}
	m := sampleManifest()
	m.Metadata.ModelID = "second"
	path, err := Write(m, dir)
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Metadata.ModelID != "second" {
		t.Fatalf("overwrite not visible: %q", got.Metadata.ModelID)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only the manifest in %s, found %v", dir, names)
	}
}

func TestWriteUnwritableDestination(t *testing.T) {
	t.Parallel()

	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, err := Write(sampleManifest(), filepath.Join(blocker, "out"))
	if !errors.Is(err, ErrExportIO) {
		t.Fatalf("expected ErrExportIO, got %v", err)
	}
	var ioErr *ExportIOError
	if !errors.As(err, &ioErr) || ioErr.Op != "mkdir" || ioErr.Written {
		t.Fatalf("unexpected error detail: %#v", err)
	}
}

// Not parallel: it swaps the directory sync seam.
func TestWriteDirSyncFailureReportsWrittenFile(t *testing.T) {
	prev := syncDirHook
	syncDirHook = func(string) error { return errors.New("fsync: input/output error") }
	defer func() { syncDirHook = prev }()

	dir := t.TempDir()
	_, err := Write(sampleManifest(), dir)
	var ioErr *ExportIOError
	if !errors.As(err, &ioErr) || !errors.Is(err, ErrExportIO) {
		t.Fatalf("expected ExportIOError, got %v", err)
	}
	if ioErr.Op != "sync dir" || !ioErr.Written {
		t.Fatalf("dir sync failure should report the file as written: %#v", ioErr)
	}
	if _, err := Read(filepath.Join(dir, FileName)); err != nil {
		t.Fatalf("manifest should be in place after a dir sync failure: %v", err)
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		missing bool
		version int
	}{
		{name: "future", in: `{"format_version": 2, "layers": "changed shape"}`, version: 2},
		{name: "zero", in: `{"format_version": 0}`, version: 0},
		{name: "missing", in: `{"metadata": {}}`, missing: true},
	}
	for _, tc := range tests {
		_, err := Decode([]byte(tc.in))
		if !errors.Is(err, ErrUnsupportedVersion) {
			t.Fatalf("%s: expected ErrUnsupportedVersion, got %v", tc.name, err)
		}
		var uv *UnsupportedVersionError
		if !errors.As(err, &uv) || uv.Missing != tc.missing || uv.Version != tc.version {
			t.Fatalf("%s: unexpected detail %+v", tc.name, uv)
		}
	}
}

func TestDecodeValidates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		edit func(m *Manifest)
	}{
		{name: "zero scale", edit: func(m *Manifest) { m.Layers[0].Tensors[0].Params[0].Scale = 0 }},
		{name: "symmetric zero point", edit: func(m *Manifest) {
			m.Layers[0].Tensors[0].Params[0].Scheme = "symmetric"
		}},
		{name: "no params", edit: func(m *Manifest) { m.Layers[0].Tensors[0].Params = nil }},
		{name: "duplicate layer", edit: func(m *Manifest) { m.Layers[1].Name = m.Layers[0].Name }},
	}
	for _, tc := range tests {
		m := sampleManifest()
		tc.edit(m)
		data, err := Encode(m)
		if err != nil {
			t.Fatalf("%s: encode: %v", tc.name, err)
		}
		if _, err := Decode(data); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", tc.name, err)
		}
	}

	if _, err := Decode([]byte(`{"format_version": 1, "surprise": true}`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("unknown field: expected ErrInvalid, got %v", err)
	}
}

func TestLegacyLayerParams(t *testing.T) {
	t.Parallel()

	m := sampleManifest()
	m.Sort()
	dir := t.TempDir()
	paths, err := WriteLayerParams(m, dir)
	if err != nil {
		t.Fatalf("write legacy: %v", err)
	}
	if len(paths) != 2 || filepath.Base(paths[1]) != "layers.1.past_kv_scale.0.weight" {
		t.Fatalf("paths: %v", paths)
	}
	got, err := ReadLayerParams(paths[1])
	if err != nil {
		t.Fatalf("read legacy: %v", err)
	}
	kScale, vScale := 8.0/255, 0.0123456789
	want := [4]float32{
		float32(kScale), float32((127.5 - 96) * kScale),
		float32(vScale), float32((127.5 - 131) * vScale),
	}
	if got != want {
		t.Fatalf("legacy values: got %v want %v", got, want)
	}

	m.Layers[0].Tensors[0].Params = append(m.Layers[0].Tensors[0].Params, m.Layers[0].Tensors[0].Params[0])
	if _, err := WriteLayerParams(m, dir); !errors.Is(err, ErrLegacyGranularity) {
		t.Fatalf("expected ErrLegacyGranularity, got %v", err)
	}
}

func TestLegacyOffset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    Params
		want float64
	}{
		// [-3, 5] resolves to scale 8/255, zp 96; the signed grid centres
		// near the range midpoint of 1.
		{"asymmetric", Params{Scale: 8.0 / 255, ZeroPoint: 96, BitWidth: 8, Scheme: "asymmetric"}, 31.5 * 8.0 / 255},
		{"asymmetric centred", Params{Scale: 0.5, ZeroPoint: 128, BitWidth: 8, Scheme: "asymmetric"}, -0.25},
		{"symmetric", Params{Scale: 5.0 / 127, BitWidth: 8, Scheme: "symmetric"}, 0},
	}
	for _, tc := range tests {
		if got := LegacyOffset(tc.p); math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}

	// Dequantizing the signed grid ends with the legacy offset reproduces
	// the unsigned grid ends.
	p := Params{Scale: 8.0 / 255, ZeroPoint: 96, BitWidth: 8, Scheme: "asymmetric"}
	off := LegacyOffset(p)
	if lo := -127.5*p.Scale + off; math.Abs(lo-float64(0-96)*p.Scale) > 1e-9 {
		t.Fatalf("low end: got %v want %v", lo, float64(-96)*p.Scale)
	}
	if hi := 127.5*p.Scale + off; math.Abs(hi-float64(255-96)*p.Scale) > 1e-9 {
		t.Fatalf("high end: got %v want %v", hi, float64(255-96)*p.Scale)
	}
}

func TestEncodeIsStable(t *testing.T) {
	t.Parallel()

	a, err := Encode(sampleManifest())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := Encode(sampleManifest())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("encoding the same manifest twice differed")
	}
	if !strings.Contains(string(a), `"format_version": 1`) {
		t.Fatalf("format_version not first-class in output:\n%s", a)
	}
}
