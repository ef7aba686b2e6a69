package main

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvcalib/internal/calib"
	"github.com/samcharles93/kvcalib/internal/logger"
	"github.com/samcharles93/kvcalib/internal/quant"
)

func mergeCmd() *cli.Command {
	var (
		o           quantOptions
		snapshotOut string
	)

	return &cli.Command{
		Name:      "merge",
		Usage:     "Merge statistics snapshots from separate runs and export one manifest",
		ArgsUsage: "SNAPSHOT [SNAPSHOT...]",
		Flags: append(quantFlags(&o),
			&cli.StringFlag{
				Name:        "snapshot-out",
				Usage:       "also write the merged snapshot to this path",
				Destination: &snapshotOut,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyQuantConfig(cmd, LoadConfig(), &o)

			paths := cmd.Args().Slice()
			if len(paths) == 0 {
				return errors.New("merge: at least one snapshot path is required")
			}
			snaps := make([]*calib.Snapshot, 0, len(paths))
			for _, p := range paths {
				s, err := calib.ReadSnapshot(p)
				if err != nil {
					return err
				}
				snaps = append(snaps, s)
			}
			merged, err := calib.MergeSnapshots(snaps...)
			if err != nil {
				return err
			}
			log.Info("snapshots merged", "inputs", len(snaps), "batches", merged.Batches, "records", len(merged.Records))

			scheme, err := quant.ParseScheme(o.scheme)
			if err != nil {
				return err
			}
			gran, err := quant.ParseGranularity(o.granularity)
			if err != nil {
				return err
			}
			m, err := merged.Resolve(calib.Resolution{
				Scheme:      scheme,
				Granularity: gran,
				BitWidth:    int(o.bitWidth),
				RunID:       uuid.NewString(),
				CreatedAt:   time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			if err := writeOutputs(m, o, log); err != nil {
				return err
			}
			if snapshotOut != "" {
				if err := calib.WriteSnapshot(merged, snapshotOut); err != nil {
					return err
				}
				log.Info("snapshot written", "path", snapshotOut)
			}
			return nil
		},
	}
}
