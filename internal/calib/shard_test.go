package calib

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/samcharles93/kvcalib/internal/corpus"
	"github.com/samcharles93/kvcalib/internal/metrics"
	"github.com/samcharles93/kvcalib/internal/toy"
	"github.com/samcharles93/kvcalib/pkg/manifest"
)

func resolution(cfg Config) Resolution {
	return Resolution{
		Scheme:      cfg.Scheme,
		Granularity: cfg.Granularity,
		BitWidth:    cfg.BitWidth,
		RunID:       "fixed",
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRunShardsMatchesSingleRun(t *testing.T) {
	t.Parallel()

	cfg := toyConfig()
	cfg.NormType = toy.RMSNormType
	batches := toyBatches(t, 6)

	single, err := Run(context.Background(), toyModel(t), cfg, corpus.NewSliceSource(batches), nil)
	if err != nil {
		t.Fatalf("single run: %v", err)
	}
	singleSnap, err := single.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	factory := func(int) (Model, error) { return toy.New(toy.DefaultConfig()) }
	sharded, err := RunShards(context.Background(), factory, corpus.Shard(batches, 3), cfg, nil)
	if err != nil {
		t.Fatalf("sharded run: %v", err)
	}
	if sharded.Shards != 3 || sharded.Batches != 6 || sharded.Tokens != singleSnap.Tokens {
		t.Fatalf("sharded totals: shards=%d batches=%d tokens=%d", sharded.Shards, sharded.Batches, sharded.Tokens)
	}

	want, err := singleSnap.Resolve(resolution(cfg))
	if err != nil {
		t.Fatalf("resolve single: %v", err)
	}
	got, err := sharded.Resolve(resolution(cfg))
	if err != nil {
		t.Fatalf("resolve sharded: %v", err)
	}
	if len(got.Layers) != len(want.Layers) {
		t.Fatalf("layers: got %d want %d", len(got.Layers), len(want.Layers))
	}
	for _, l := range want.Layers {
		for _, wt := range l.Tensors {
			gt, ok := got.LookupName(l.Name, wt.Role)
			if !ok {
				t.Fatalf("%s/%s missing from sharded manifest", l.Name, wt.Role)
			}
			if gt.Params[0] != wt.Params[0] {
				t.Fatalf("%s/%s params: sharded %+v single %+v", l.Name, wt.Role, gt.Params[0], wt.Params[0])
			}
			if gt.Observed != wt.Observed {
				t.Fatalf("%s/%s observed: sharded %+v single %+v", l.Name, wt.Role, gt.Observed, wt.Observed)
			}
		}
	}
	if got.Metadata.Shards != 3 {
		t.Fatalf("manifest shards: %d", got.Metadata.Shards)
	}
}

func TestRunShardsFailure(t *testing.T) {
	t.Parallel()

	models := make([]*toy.Model, 2)
	factory := func(i int) (Model, error) {
		m, err := toy.New(toy.DefaultConfig())
		if err != nil {
			return nil, err
		}
		if i == 1 {
			m.FailAt = 1
		}
		models[i] = m
		return m, nil
	}
	_, err := RunShards(context.Background(), factory, corpus.Shard(toyBatches(t, 4), 2), toyConfig(), nil)
	if !errors.Is(err, ErrCalibrationRun) {
		t.Fatalf("expected ErrCalibrationRun, got %v", err)
	}
	for i, m := range models {
		if m != nil && m.Hooks().Len() != 0 {
			t.Fatalf("shard %d left %d observation points", i, m.Hooks().Len())
		}
	}
}

func pointsGauge(t *testing.T, m *metrics.Metrics) float64 {
	t.Helper()
	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "kvcalib_observation_points" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("kvcalib_observation_points not registered")
	return 0
}

func TestSharedMetricsCountEveryAttachedContext(t *testing.T) {
	t.Parallel()

	met := metrics.New()
	cfg := toyConfig()
	cfg.Metrics = met

	a := New(toyModel(t), cfg, nil)
	b := New(toyModel(t), cfg, nil)
	for _, c := range []*Context{a, b} {
		if err := c.Open(context.Background()); err != nil {
			t.Fatalf("open: %v", err)
		}
	}
	if got := pointsGauge(t, met); got != 8 {
		t.Fatalf("two attached contexts: got %v points want 8", got)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := pointsGauge(t, met); got != 4 {
		t.Fatalf("one context still attached: got %v points want 4", got)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := pointsGauge(t, met); got != 0 {
		t.Fatalf("all detached: got %v points want 0", got)
	}
}

func TestMergeSnapshotsOrderIndependent(t *testing.T) {
	t.Parallel()

	cfg := fakeConfig()
	snaps := make([]*Snapshot, 3)
	for i := range snaps {
		m := &fakeModel{nanAt: i + 1}
		c, err := Run(context.Background(), m, cfg, corpus.NewSliceSource(fakeBatches(i+1)), nil)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if snaps[i], err = c.Snapshot(); err != nil {
			t.Fatalf("snapshot %d: %v", i, err)
		}
	}

	ab, err := MergeSnapshots(snaps[0], snaps[1])
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	left, err := MergeSnapshots(ab, snaps[2])
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	right, err := MergeSnapshots(snaps[2], snaps[1], snaps[0])
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if left.Batches != 6 || right.Batches != 6 || left.Anomalies != 12 {
		t.Fatalf("totals: left=%+v right=%+v", left, right)
	}
	for i := range left.Records {
		l, err := left.Records[i].Stats.Merged()
		if err != nil {
			t.Fatalf("merged: %v", err)
		}
		var r *RecordStats
		for j := range right.Records {
			if right.Records[j].Layer.Name == left.Records[i].Layer.Name && right.Records[j].Role == left.Records[i].Role {
				r = &right.Records[j]
			}
		}
		if r == nil {
			t.Fatalf("record %s/%s missing", left.Records[i].Layer.Name, left.Records[i].Role)
		}
		rm, err := r.Stats.Merged()
		if err != nil {
			t.Fatalf("merged: %v", err)
		}
		if l.Count != rm.Count || l.Min != rm.Min || l.Max != rm.Max || l.NonFinite != rm.NonFinite {
			t.Fatalf("merge order changed %s/%s: %+v vs %+v", r.Layer.Name, r.Role, l, rm)
		}
	}

	other := *snaps[0]
	other.LayerType = "OtherBlock"
	if _, err := MergeSnapshots(snaps[0], &other); !errors.Is(err, ErrSnapshot) {
		t.Fatalf("expected ErrSnapshot for mismatched layer type, got %v", err)
	}
	if _, err := MergeSnapshots(); !errors.Is(err, ErrSnapshot) {
		t.Fatalf("expected ErrSnapshot for empty merge, got %v", err)
	}
}

func TestSnapshotFileRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := fakeConfig()
	cfg.Histogram.HistogramBins = 32
	cfg.Histogram.HistogramMax = 8
	c, err := Run(context.Background(), &fakeModel{}, cfg, corpus.NewSliceSource(fakeBatches(2)), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	snap, err := c.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	path := filepath.Join(t.TempDir(), "shard-0.json")
	if err := WriteSnapshot(snap, path); err != nil {
		t.Fatalf("write: %v", err)
	}
	back, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want, err := snap.Resolve(resolution(cfg))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err := back.Resolve(resolution(cfg))
	if err != nil {
		t.Fatalf("resolve reloaded: %v", err)
	}
	a, _ := manifest.Encode(want)
	b, _ := manifest.Encode(got)
	if string(a) != string(b) {
		t.Fatalf("reloaded snapshot resolves differently:\n%s\n---\n%s", a, b)
	}
	k, _ := got.Lookup(0, manifest.RoleKey)
	if k.Observed.P999 <= 0 {
		t.Fatalf("expected histogram percentile, got %+v", k.Observed)
	}

	// A merged pair keeps the histogram aligned.
	if _, err := MergeSnapshots(snap, back); err != nil {
		t.Fatalf("merge with reloaded snapshot: %v", err)
	}

	if _, err := DecodeSnapshot([]byte(`{"snapshot_version": 9}`)); !errors.Is(err, ErrSnapshot) {
		t.Fatalf("expected ErrSnapshot for unknown version, got %v", err)
	}
}
