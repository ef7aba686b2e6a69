package calib

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/kvcalib/internal/corpus"
	"github.com/samcharles93/kvcalib/internal/logger"
)

// ModelFactory builds an independent model instance for one shard.
type ModelFactory func(shard int) (Model, error)

// RunShards calibrates each shard on its own model concurrently and merges
// the resulting statistics. Within a shard batches stay sequential. The first
// failing shard cancels the others.
func RunShards(ctx context.Context, factory ModelFactory, shards [][]corpus.Batch, cfg Config, log logger.Logger) (*Snapshot, error) {
	if log == nil {
		log = logger.Discard()
	}
	if len(shards) == 0 {
		return nil, &CalibrationRunError{Err: ErrEmptyCorpus}
	}

	snaps := make([]*Snapshot, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, batches := range shards {
		g.Go(func() error {
			model, err := factory(i)
			if err != nil {
				return fmt.Errorf("shard %d: build model: %w", i, err)
			}
			c, err := Run(gctx, model, cfg, corpus.NewSliceSource(batches), log.With("shard", i))
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			snap, err := c.Snapshot()
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			snaps[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged, err := MergeSnapshots(snaps...)
	if err != nil {
		return nil, err
	}
	log.Info("shards merged", "shards", len(shards), "batches", merged.Batches, "records", len(merged.Records))
	return merged, nil
}
