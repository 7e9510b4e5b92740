package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qdqpack/internal/api"
	"github.com/samcharles93/qdqpack/internal/logger"
	"github.com/samcharles93/qdqpack/pkg/layout"
)

func serveCmd() *cli.Command {
	var (
		addr          string
		weightsRoot   string
		readTimeout   time.Duration
		jobs          int
		layoutVersion int
		maxResults    int
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the coefficient and compile API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "weights-root",
				Usage:       "directory compile requests may read weights from (empty disables compile)",
				Destination: &weightsRoot,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.IntFlag{
				Name:        "max-results",
				Usage:       "compiled results kept in memory",
				Value:       api.DefaultMaxResults,
				Destination: &maxResults,
			},
			jobsFlag(&jobs),
			layoutVersionFlag(&layoutVersion),
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(c, fileConfig, &addr, &weightsRoot, &jobs, &layoutVersion, &maxResults)

			server := api.NewServer(api.Config{
				WeightsRoot:   weightsRoot,
				Jobs:          jobs,
				LayoutVersion: layout.Version(layoutVersion),
				Logger:        log,
			}, api.NewCompileStore(maxResults))
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "weights_root", weightsRoot)
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
