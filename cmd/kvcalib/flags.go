package main

import "github.com/urfave/cli/v3"

var (
	logLevel  string
	logFormat string
	debug     bool
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// quantOptions are the resolver settings shared by calibrate and merge.
type quantOptions struct {
	scheme      string
	granularity string
	bitWidth    int64
	workDir     string
	legacy      bool
}

func quantFlags(o *quantOptions) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "scheme",
			Usage:       "quantization scheme (symmetric, asymmetric)",
			Value:       "asymmetric",
			Destination: &o.scheme,
		},
		&cli.StringFlag{
			Name:        "granularity",
			Usage:       "parameter granularity (per_tensor, per_channel)",
			Value:       "per_tensor",
			Destination: &o.granularity,
		},
		&cli.Int64Flag{
			Name:        "bit-width",
			Aliases:     []string{"bits"},
			Usage:       "quantized integer width",
			Value:       8,
			Destination: &o.bitWidth,
		},
		&cli.StringFlag{
			Name:        "work-dir",
			Aliases:     []string{"o"},
			Usage:       "output directory for the manifest",
			Value:       "./work_dir",
			Destination: &o.workDir,
		},
		&cli.BoolFlag{
			Name:        "legacy",
			Usage:       "also write per-layer layers.N.past_kv_scale.0.weight files",
			Destination: &o.legacy,
		},
	}
}
