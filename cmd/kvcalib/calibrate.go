package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvcalib/internal/calib"
	"github.com/samcharles93/kvcalib/internal/corpus"
	"github.com/samcharles93/kvcalib/internal/logger"
	"github.com/samcharles93/kvcalib/internal/metrics"
	"github.com/samcharles93/kvcalib/internal/quant"
	"github.com/samcharles93/kvcalib/internal/stats"
	"github.com/samcharles93/kvcalib/internal/toy"
	"github.com/samcharles93/kvcalib/pkg/manifest"
)

type calibrateOptions struct {
	quantOptions

	arch      string
	layerType string
	normType  string
	modelID   string

	tokensPath      string
	syntheticTokens int64
	samples         int64
	seqLen          int64
	batchSize       int64
	seed            int64
	shards          int64

	histogramBins int64
	histogramMax  float64
	snapshotOut   string
	metricsOut    string

	toyLayers  int64
	toyHidden  int64
	toyHeads   int64
	toyKVHeads int64
	toyVocab   int64
}

func calibrateFlags(o *calibrateOptions) []cli.Flag {
	def := toy.DefaultConfig()
	return append(quantFlags(&o.quantOptions),
		&cli.StringFlag{Name: "arch", Usage: "architecture preset (" + strings.Join(archNames(), ", ") + ")", Value: "toy", Destination: &o.arch},
		&cli.StringFlag{Name: "layer-type", Usage: "override the attention block type tag", Destination: &o.layerType},
		&cli.StringFlag{Name: "norm-type", Usage: "override the normalization type tag", Destination: &o.normType},
		&cli.StringFlag{Name: "model-id", Usage: "model identifier recorded in the manifest", Destination: &o.modelID},
		&cli.StringFlag{Name: "tokens", Usage: "token id file (JSON array or whitespace separated); synthetic when empty", Destination: &o.tokensPath},
		&cli.Int64Flag{Name: "synthetic-tokens", Usage: "length of the synthetic token stream", Value: 16384, Destination: &o.syntheticTokens},
		&cli.Int64Flag{Name: "samples", Aliases: []string{"calib-samples"}, Usage: "number of calibration windows", Value: 128, Destination: &o.samples},
		&cli.Int64Flag{Name: "seqlen", Aliases: []string{"calib-seqlen"}, Usage: "tokens per calibration window", Value: 256, Destination: &o.seqLen},
		&cli.Int64Flag{Name: "batch-size", Usage: "windows per forward pass", Value: 1, Destination: &o.batchSize},
		&cli.Int64Flag{Name: "seed", Usage: "sampling seed", Value: 42, Destination: &o.seed},
		&cli.Int64Flag{Name: "shards", Usage: "calibrate this many corpus shards concurrently", Value: 1, Destination: &o.shards},
		&cli.Int64Flag{Name: "histogram-bins", Usage: "abs-value histogram bins per tensor (0 disables)", Destination: &o.histogramBins},
		&cli.Float64Flag{Name: "histogram-max", Usage: "upper edge of the abs-value histogram", Value: 16, Destination: &o.histogramMax},
		&cli.StringFlag{Name: "snapshot-out", Usage: "also write the merged statistics snapshot to this path", Destination: &o.snapshotOut},
		&cli.StringFlag{Name: "metrics-out", Usage: "write run metrics in Prometheus text format to this path when the run ends", Destination: &o.metricsOut},
		&cli.Int64Flag{Name: "toy-layers", Usage: "decoder blocks in the toy model", Value: int64(def.Layers), Destination: &o.toyLayers},
		&cli.Int64Flag{Name: "toy-hidden", Usage: "hidden width of the toy model", Value: int64(def.Hidden), Destination: &o.toyHidden},
		&cli.Int64Flag{Name: "toy-heads", Usage: "attention heads of the toy model", Value: int64(def.Heads), Destination: &o.toyHeads},
		&cli.Int64Flag{Name: "toy-kv-heads", Usage: "KV heads of the toy model", Value: int64(def.KVHeads), Destination: &o.toyKVHeads},
		&cli.Int64Flag{Name: "toy-vocab", Usage: "vocabulary size of the toy model", Value: int64(def.Vocab), Destination: &o.toyVocab},
	)
}

func calibrateCmd() *cli.Command {
	var o calibrateOptions
	return &cli.Command{
		Name:  "calibrate",
		Usage: "Collect KV statistics over a corpus and export quantization parameters",
		Flags: calibrateFlags(&o),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCalibrateConfig(cmd, LoadConfig(), &o)
			return runCalibrate(ctx, o)
		},
	}
}

func runCalibrate(ctx context.Context, o calibrateOptions) error {
	log := logger.FromContext(ctx)

	arch, err := resolveArch(o.arch, o.layerType, o.normType)
	if err != nil {
		return err
	}
	cfg, err := o.calibConfig(arch)
	if err != nil {
		return err
	}
	if o.metricsOut != "" {
		defer func() {
			if err := cfg.Metrics.WriteTextfile(o.metricsOut); err != nil {
				log.Warn("metrics not written", "path", o.metricsOut, "error", err)
				return
			}
			log.Info("metrics written", "path", o.metricsOut)
		}()
	}
	toyCfg := o.toyConfig(arch)
	if cfg.ModelID == "" {
		cfg.ModelID = fmt.Sprintf("toy-%dl-%dh", toyCfg.Layers, toyCfg.Hidden)
	}

	batches, err := o.batches(toyCfg.Vocab)
	if err != nil {
		return err
	}
	log.Info("calibration corpus ready", "batches", len(batches), "samples", o.samples, "seqlen", o.seqLen, "arch", o.arch)

	start := time.Now()
	var (
		snap *calib.Snapshot
		m    *manifest.Manifest
	)
	if o.shards > 1 {
		factory := func(int) (calib.Model, error) { return toy.New(toyCfg) }
		snap, err = calib.RunShards(ctx, factory, corpus.Shard(batches, int(o.shards)), cfg, log)
		if err != nil {
			return err
		}
		m, err = snap.Resolve(calib.Resolution{
			Scheme:      cfg.Scheme,
			Granularity: cfg.Granularity,
			BitWidth:    cfg.BitWidth,
			RunID:       uuid.NewString(),
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			return err
		}
	} else {
		model, err := toy.New(toyCfg)
		if err != nil {
			return err
		}
		c, err := calib.Run(ctx, model, cfg, corpus.NewSliceSource(batches), log)
		if err != nil {
			return err
		}
		if m, err = c.Manifest(); err != nil {
			return err
		}
		if snap, err = c.Snapshot(); err != nil {
			return err
		}
	}

	if err := writeOutputs(m, o.quantOptions, log); err != nil {
		return err
	}
	if o.snapshotOut != "" {
		if err := calib.WriteSnapshot(snap, o.snapshotOut); err != nil {
			return err
		}
		log.Info("snapshot written", "path", o.snapshotOut)
	}
	log.Info("calibration complete",
		"layers", len(m.Layers),
		"anomalies", m.Metadata.Anomalies,
		"took", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

func (o calibrateOptions) calibConfig(arch archPreset) (calib.Config, error) {
	scheme, err := quant.ParseScheme(o.scheme)
	if err != nil {
		return calib.Config{}, err
	}
	gran, err := quant.ParseGranularity(o.granularity)
	if err != nil {
		return calib.Config{}, err
	}
	if o.shards < 1 {
		return calib.Config{}, errors.New("--shards must be at least 1")
	}
	cfg := calib.DefaultConfig()
	cfg.LayerType = arch.LayerType
	cfg.NormType = arch.NormType
	cfg.ModelID = o.modelID
	cfg.Scheme = scheme
	cfg.Granularity = gran
	cfg.BitWidth = int(o.bitWidth)
	cfg.Seed = o.seed
	cfg.Histogram = stats.Options{HistogramBins: int(o.histogramBins), HistogramMax: o.histogramMax}
	cfg.Metrics = metrics.New()
	return cfg, nil
}

// toyConfig shapes the stand-in model and gives it the architecture's type
// tags so the preset selects its blocks.
func (o calibrateOptions) toyConfig(arch archPreset) toy.Config {
	return toy.Config{
		Vocab:     int(o.toyVocab),
		Hidden:    int(o.toyHidden),
		Layers:    int(o.toyLayers),
		Heads:     int(o.toyHeads),
		KVHeads:   int(o.toyKVHeads),
		Seed:      o.seed,
		LayerType: arch.LayerType,
		NormType:  arch.NormType,
	}
}

func (o calibrateOptions) batches(vocab int) ([]corpus.Batch, error) {
	sampler := corpus.NewSampler(o.seed)
	var tokens []int
	if o.tokensPath != "" {
		var err error
		if tokens, err = corpus.LoadTokens(o.tokensPath); err != nil {
			return nil, err
		}
	} else {
		tokens = sampler.Synthetic(int(o.syntheticTokens), vocab)
	}
	windows, err := sampler.Windows(tokens, int(o.samples), int(o.seqLen))
	if err != nil {
		return nil, err
	}
	return corpus.Batches(windows, int(o.batchSize)), nil
}

func writeOutputs(m *manifest.Manifest, o quantOptions, log logger.Logger) error {
	path, err := manifest.Write(m, o.workDir)
	if err != nil {
		return err
	}
	log.Info("manifest exported", "path", path, "layers", len(m.Layers))
	if !o.legacy {
		return nil
	}
	paths, err := manifest.WriteLayerParams(m, o.workDir)
	if err != nil {
		return err
	}
	log.Info("legacy layer params exported", "files", len(paths), "dir", o.workDir)
	return nil
}
