package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvcalib/internal/api"
	"github.com/samcharles93/kvcalib/internal/logger"
	"github.com/samcharles93/kvcalib/internal/metrics"
)

func serveCmd() *cli.Command {
	var (
		addr         string
		manifestPath string
		readTimeout  time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve quantization parameter lookups over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "manifest",
				Aliases:     []string{"m"},
				Usage:       "path to the manifest to serve",
				Required:    true,
				Destination: &manifestPath,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, LoadConfig(), &addr)

			server := api.NewServer(nil, api.WithMetrics(metrics.New()), api.WithLogger(log))
			if err := server.Load(manifestPath); err != nil {
				return err
			}
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
