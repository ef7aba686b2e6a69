package manifest

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Write encodes m and places it at dir/FileName atomically: the bytes go to
// a temporary file in dir which is synced and renamed over the destination.
// dir is created if absent.
func Write(m *Manifest, dir string) (string, error) {
	data, err := Encode(m)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &ExportIOError{Op: "mkdir", Path: dir, Err: err}
	}
	path := filepath.Join(dir, FileName)
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// Read loads and validates a manifest file.
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// syncDirHook is a small seam for tests.
var syncDirHook = syncDir

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &ExportIOError{Op: "create", Path: path, Err: err}
	}
	name := tmp.Name()
	fail := func(op string, err error) error {
		_ = tmp.Close()
		_ = os.Remove(name)
		return &ExportIOError{Op: op, Path: path, Err: err}
	}

	if _, err := tmp.Write(data); err != nil {
		return fail("write", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fail("chmod", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		return fail("close", err)
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return &ExportIOError{Op: "rename", Path: path, Err: err}
	}
	if err := syncDirHook(dir); err != nil {
		return &ExportIOError{Op: "sync dir", Path: dir, Err: err, Written: true}
	}
	return nil
}

// LegacyFileName is the per-layer params file some serving engines read from
// a params directory.
func LegacyFileName(layer int) string {
	return fmt.Sprintf("layers.%d.past_kv_scale.0.weight", layer)
}

const legacyFloats = 4

// LegacyOffset converts p to the activation-domain offset that centres the
// quantized range on the signed int8 grid. Symmetric parameters are already
// centred on zero. For asymmetric ones the unsigned range [0, 2^b-1] maps to
// [(0-zp)*scale, (2^b-1-zp)*scale] and the offset is its midpoint.
func LegacyOffset(p Params) float64 {
	if p.Scheme == "symmetric" {
		return 0
	}
	mid := float64(int(1)<<p.BitWidth-1) / 2
	return (mid - float64(p.ZeroPoint)) * p.Scale
}

// WriteLayerParams writes one legacy params file per attention layer holding
// k_scale, k_zp, v_scale, v_zp as little-endian float32.
//
// The consuming kernels store signed int8 as q = round((x - zp) / scale), so
// the legacy zp is an offset in activation units, not the integer zero
// point of the manifest. See LegacyOffset. Only per-tensor 8-bit parameters
// have a legacy representation.
func WriteLayerParams(m *Manifest, dir string) ([]string, error) {
	type entry struct {
		index int
		vals  [legacyFloats]float32
	}
	var entries []entry
	for _, l := range m.Layers {
		k, kok := l.Tensor(RoleKey)
		v, vok := l.Tensor(RoleValue)
		if !kok && !vok {
			continue
		}
		if !kok || !vok || len(k.Params) != 1 || len(v.Params) != 1 ||
			k.Params[0].BitWidth != 8 || v.Params[0].BitWidth != 8 {
			return nil, fmt.Errorf("%w: layer %s", ErrLegacyGranularity, l.Name)
		}
		entries = append(entries, entry{index: l.Index, vals: [legacyFloats]float32{
			float32(k.Params[0].Scale), float32(LegacyOffset(k.Params[0])),
			float32(v.Params[0].Scale), float32(LegacyOffset(v.Params[0])),
		}})
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &ExportIOError{Op: "mkdir", Path: dir, Err: err}
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		buf := make([]byte, 0, 4*legacyFloats)
		for _, f := range e.vals {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
		}
		path := filepath.Join(dir, LegacyFileName(e.index))
		if err := writeAtomic(path, buf); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ReadLayerParams reads a legacy params file back as
// (k_scale, k_zero_point, v_scale, v_zero_point).
func ReadLayerParams(path string) ([legacyFloats]float32, error) {
	var out [legacyFloats]float32
	data, err := os.ReadFile(path)
	if err != nil {
		return out, err
	}
	if len(data) != 4*legacyFloats {
		return out, fmt.Errorf("%w: %s is %d bytes, want %d", ErrInvalid, path, len(data), 4*legacyFloats)
	}
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, nil
}
