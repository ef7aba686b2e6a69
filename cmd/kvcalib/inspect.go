package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvcalib/pkg/manifest"
)

func inspectCmd() *cli.Command {
	var (
		path         string
		showJSON     bool
		showObserved bool
		layerParams  []string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print an exported KV quantization manifest",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "manifest",
				Aliases:     []string{"m"},
				Usage:       "path to " + manifest.FileName,
				Destination: &path,
			},
			&cli.BoolFlag{Name: "json", Usage: "print the manifest as JSON", Destination: &showJSON},
			&cli.BoolFlag{Name: "observed", Usage: "show observed ranges next to the parameters", Destination: &showObserved},
			&cli.StringSliceFlag{
				Name:        "layer-params",
				Usage:       "legacy layers.N.past_kv_scale.0.weight files to decode",
				Destination: &layerParams,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if path == "" && len(layerParams) == 0 {
				return fmt.Errorf("--manifest or --layer-params is required")
			}
			out := os.Stdout
			if path != "" {
				m, err := manifest.Read(path)
				if err != nil {
					return err
				}
				if showJSON {
					data, err := manifest.Encode(m)
					if err != nil {
						return err
					}
					_, err = out.Write(data)
					return err
				}
				if err := printManifest(out, m, showObserved); err != nil {
					return err
				}
			}
			for _, p := range layerParams {
				v, err := manifest.ReadLayerParams(p)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "%s: k_scale=%g k_zp=%g v_scale=%g v_zp=%g\n", p, v[0], v[1], v[2], v[3])
			}
			return nil
		},
	}
}

func printManifest(w io.Writer, m *manifest.Manifest, observed bool) error {
	md := m.Metadata
	_, _ = fmt.Fprintf(w, "format_version: %d\n", m.FormatVersion)
	_, _ = fmt.Fprintf(w, "model_id:       %s\n", md.ModelID)
	_, _ = fmt.Fprintf(w, "run_id:         %s\n", md.RunID)
	_, _ = fmt.Fprintf(w, "created_at:     %s\n", md.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	_, _ = fmt.Fprintf(w, "tool_version:   %s\n", md.ToolVersion)
	_, _ = fmt.Fprintf(w, "layer_type:     %s\n", md.LayerType)
	if md.NormType != "" {
		_, _ = fmt.Fprintf(w, "norm_type:      %s\n", md.NormType)
	}
	_, _ = fmt.Fprintf(w, "scheme:         %s %s int%d\n", md.Scheme, md.Granularity, md.BitWidth)
	_, _ = fmt.Fprintf(w, "corpus:         %d batches, %d tokens\n", md.CorpusBatches, md.CorpusTokens)
	if md.Shards > 1 {
		_, _ = fmt.Fprintf(w, "shards:         %d\n", md.Shards)
	}
	if md.Anomalies > 0 {
		_, _ = fmt.Fprintf(w, "anomalies:      %d non-finite values in %d slices\n", md.Anomalies, md.AnomalousSlices)
	}
	_, _ = fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := "INDEX\tLAYER\tTENSOR\tSCALE\tZERO_POINT"
	if observed {
		header += "\tMIN\tMAX\tSLICES"
	}
	_, _ = fmt.Fprintln(tw, header)
	for _, l := range m.Layers {
		for _, t := range l.Tensors {
			row := []string{
				fmt.Sprint(l.Index),
				l.Name,
				t.Role,
				formatScales(t.Params),
				formatZeroPoints(t.Params),
			}
			if observed {
				row = append(row,
					fmt.Sprintf("%.6g", t.Observed.Min),
					fmt.Sprintf("%.6g", t.Observed.Max),
					fmt.Sprint(t.Observed.Count),
				)
			}
			_, _ = fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
	}
	return tw.Flush()
}

// Per-channel parameter lists are abbreviated past this many entries.
const maxInlineParams = 4

func formatScales(ps []manifest.Params) string {
	parts := make([]string, 0, min(len(ps), maxInlineParams))
	for i, p := range ps {
		if i == maxInlineParams {
			parts = append(parts, fmt.Sprintf("...(%d)", len(ps)))
			break
		}
		parts = append(parts, fmt.Sprintf("%.6g", p.Scale))
	}
	return strings.Join(parts, ",")
}

func formatZeroPoints(ps []manifest.Params) string {
	parts := make([]string, 0, min(len(ps), maxInlineParams))
	for i, p := range ps {
		if i == maxInlineParams {
			parts = append(parts, fmt.Sprintf("...(%d)", len(ps)))
			break
		}
		parts = append(parts, fmt.Sprint(p.ZeroPoint))
	}
	return strings.Join(parts, ",")
}
