package calib

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/kvcalib/internal/instrument"
	"github.com/samcharles93/kvcalib/internal/quant"
	"github.com/samcharles93/kvcalib/internal/stats"
	"github.com/samcharles93/kvcalib/internal/version"
	"github.com/samcharles93/kvcalib/pkg/manifest"
)

const snapshotVersion = 1

// p999 is the percentile reported for histograms in the manifest.
const p999 = 0.999

// Snapshot is the frozen statistics of one run, detached from the model. It
// is what sharded workers exchange before the parameters are resolved.
type Snapshot struct {
	Version         int           `json:"snapshot_version"`
	ModelID         string        `json:"model_id"`
	LayerType       string        `json:"layer_type"`
	NormType        string        `json:"norm_type,omitempty"`
	Seed            int64         `json:"seed"`
	Shards          int           `json:"shards"`
	Batches         int           `json:"batches"`
	Tokens          int64         `json:"tokens"`
	Anomalies       int64         `json:"anomalies"`
	AnomalousSlices int64         `json:"anomalous_slices"`
	Records         []RecordStats `json:"records"`
}

type RecordStats struct {
	Layer instrument.LayerHandle `json:"layer"`
	Role  instrument.TensorRole  `json:"role"`
	Stats *stats.ChannelStats    `json:"stats"`
}

// Snapshot copies the finalized statistics.
func (c *Context) Snapshot() (*Snapshot, error) {
	if err := c.checkFinalized(); err != nil {
		return nil, err
	}
	s := &Snapshot{
		Version:         snapshotVersion,
		ModelID:         c.cfg.ModelID,
		LayerType:       c.cfg.LayerType,
		NormType:        c.cfg.NormType,
		Seed:            c.cfg.Seed,
		Shards:          1,
		Batches:         c.batches,
		Tokens:          c.tokens,
		Anomalies:       c.anomalies,
		AnomalousSlices: c.anomalousSlices,
		Records:         make([]RecordStats, 0, len(c.records)),
	}
	for _, r := range c.records {
		s.Records = append(s.Records, RecordStats{Layer: r.handle, Role: r.role, Stats: r.stats.Clone()})
	}
	return s, nil
}

// MergeSnapshots combines shards of one calibration. Records are matched by
// layer name and role; a record present in only some shards is kept as is.
// Merging is order independent.
func MergeSnapshots(snaps ...*Snapshot) (*Snapshot, error) {
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: nothing to merge", ErrSnapshot)
	}
	first := snaps[0]
	out := &Snapshot{
		Version:   snapshotVersion,
		ModelID:   first.ModelID,
		LayerType: first.LayerType,
		NormType:  first.NormType,
		Seed:      first.Seed,
	}
	type key struct {
		layer string
		role  instrument.TensorRole
	}
	index := make(map[key]int)
	for i, s := range snaps {
		if s == nil {
			return nil, fmt.Errorf("%w: shard %d is nil", ErrSnapshot, i)
		}
		if s.LayerType != first.LayerType || s.NormType != first.NormType || s.ModelID != first.ModelID {
			return nil, fmt.Errorf("%w: shard %d calibrated %s/%s/%s, want %s/%s/%s", ErrSnapshot, i,
				s.ModelID, s.LayerType, s.NormType, first.ModelID, first.LayerType, first.NormType)
		}
		out.Shards += max(s.Shards, 1)
		out.Batches += s.Batches
		out.Tokens += s.Tokens
		out.Anomalies += s.Anomalies
		out.AnomalousSlices += s.AnomalousSlices
		for _, r := range s.Records {
			k := key{layer: r.Layer.Name, role: r.Role}
			j, ok := index[k]
			if !ok {
				index[k] = len(out.Records)
				out.Records = append(out.Records, RecordStats{Layer: r.Layer, Role: r.Role, Stats: r.Stats.Clone()})
				continue
			}
			merged, err := out.Records[j].Stats.Merge(r.Stats)
			if err != nil {
				return nil, fmt.Errorf("merge %s/%s from shard %d: %w", r.Layer.Name, r.Role, i, err)
			}
			out.Records[j].Stats = merged
		}
	}
	return out, nil
}

// Resolution selects how statistics become parameters.
type Resolution struct {
	Scheme      quant.Scheme
	Granularity quant.Granularity
	BitWidth    int
	RunID       string
	CreatedAt   time.Time
}

// Resolve turns the statistics into a manifest. Every record must have been
// observed at least once.
func (s *Snapshot) Resolve(res Resolution) (*manifest.Manifest, error) {
	if err := quant.Validate(res.Scheme, res.BitWidth); err != nil {
		return nil, err
	}
	m := &manifest.Manifest{
		FormatVersion: manifest.FormatVersion,
		Metadata: manifest.Metadata{
			ModelID:         s.ModelID,
			RunID:           res.RunID,
			CreatedAt:       res.CreatedAt,
			ToolVersion:     version.String(),
			LayerType:       s.LayerType,
			NormType:        s.NormType,
			Scheme:          string(res.Scheme),
			Granularity:     string(res.Granularity),
			BitWidth:        res.BitWidth,
			Seed:            s.Seed,
			CorpusBatches:   s.Batches,
			CorpusTokens:    s.Tokens,
			Anomalies:       s.Anomalies,
			AnomalousSlices: s.AnomalousSlices,
		},
	}
	if s.Shards > 1 {
		m.Metadata.Shards = s.Shards
	}

	layers := make(map[string]int)
	for _, r := range s.Records {
		if r.Stats == nil || r.Stats.Count() == 0 {
			return nil, fmt.Errorf("%w: %s/%s", ErrNoObservations, r.Layer.Name, r.Role)
		}
		params, err := quant.Resolve(r.Stats, res.Scheme, res.Granularity, res.BitWidth)
		if err != nil {
			return nil, fmt.Errorf("resolve %s/%s: %w", r.Layer.Name, r.Role, err)
		}
		merged, err := r.Stats.Merged()
		if err != nil {
			return nil, fmt.Errorf("resolve %s/%s: %w", r.Layer.Name, r.Role, err)
		}

		t := manifest.Tensor{
			Role:     string(r.Role),
			Params:   make([]manifest.Params, len(params)),
			Observed: observed(merged),
		}
		for i, p := range params {
			t.Params[i] = manifest.Params{
				Scale:       p.Scale,
				ZeroPoint:   p.ZeroPoint,
				BitWidth:    p.BitWidth,
				Scheme:      string(p.Scheme),
				Granularity: string(p.Granularity),
			}
		}

		i, ok := layers[r.Layer.Name]
		if !ok {
			i = len(m.Layers)
			layers[r.Layer.Name] = i
			m.Layers = append(m.Layers, manifest.Layer{
				Index: r.Layer.Index,
				Name:  r.Layer.Name,
				Type:  r.Layer.Type,
				Role:  string(r.Layer.Role),
			})
		}
		m.Layers[i].Tensors = append(m.Layers[i].Tensors, t)
	}
	m.Sort()
	return m, nil
}

func observed(rs *stats.RunningStats) manifest.Observed {
	o := manifest.Observed{
		Count:     rs.Count,
		Elements:  rs.Elements,
		NonFinite: rs.NonFinite,
		Min:       rs.Min,
		Max:       rs.Max,
		AbsMax:    rs.AbsMax,
	}
	if rs.Hist != nil && rs.Hist.Total() > 0 {
		o.P999 = rs.Hist.Percentile(p999)
	}
	return o
}

func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: snapshot_version %d", ErrSnapshot, s.Version)
	}
	for _, r := range s.Records {
		if r.Stats == nil {
			return nil, fmt.Errorf("%w: %s/%s has no stats", ErrSnapshot, r.Layer.Name, r.Role)
		}
	}
	return &s, nil
}

func WriteSnapshot(s *Snapshot, path string) error {
	data, err := EncodeSnapshot(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot(data)
}
