package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qdqpack/internal/compiler"
	"github.com/samcharles93/qdqpack/internal/logger"
	"github.com/samcharles93/qdqpack/pkg/layout"
)

func compileCmd() *cli.Command {
	var (
		weightsPath   string
		metadataPath  string
		planPath      string
		outPath       string
		weightsOut    string
		rtpOut        string
		modelVersion  string
		jobs          int
		layoutVersion int
	)

	return &cli.Command{
		Name:  "compile",
		Usage: "Compile a plan against a weight file into a .qpk container",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "weights",
				Aliases:     []string{"w"},
				Usage:       "path to the weight binary or .safetensors checkpoint",
				Destination: &weightsPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "metadata",
				Usage:       "path to the weight metadata JSON (default: <weights>.json)",
				Destination: &metadataPath,
			},
			&cli.StringFlag{
				Name:        "plan",
				Aliases:     []string{"p"},
				Usage:       "path to the plan (YAML or JSON)",
				Destination: &planPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .qpk path (default: $QDQPACK_OUT_DIR or ./out)",
				Destination: &outPath,
			},
			&cli.StringFlag{
				Name:        "weights-out",
				Usage:       "also write the raw weight region here",
				Destination: &weightsOut,
			},
			&cli.StringFlag{
				Name:        "rtp-out",
				Usage:       "also write the raw rtp region here",
				Destination: &rtpOut,
			},
			&cli.StringFlag{
				Name:        "model-version",
				Usage:       "default quantization table (overrides the plan)",
				Destination: &modelVersion,
			},
			jobsFlag(&jobs),
			layoutVersionFlag(&layoutVersion),
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyCompileConfig(c, fileConfig, &jobs, &layoutVersion, &modelVersion)

			raw, err := os.ReadFile(planPath)
			if err != nil {
				return fmt.Errorf("read plan: %w", err)
			}
			plan, err := compiler.ParsePlan(raw)
			if err != nil {
				return err
			}
			if modelVersion != "" {
				plan.ModelVersion = modelVersion
			}

			src, err := compiler.OpenWeights(weightsPath, metadataPath, plan.ModelVersion)
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()

			res, err := compiler.Compile(ctx, plan, src, compiler.Options{
				Jobs:          jobs,
				LayoutVersion: layout.Version(layoutVersion),
				Logger:        log,
			})
			if err != nil {
				return err
			}

			out, defaulted, err := resolveOut(weightsPath, outPath)
			if err != nil {
				return err
			}
			if err := res.WriteQPK(out); err != nil {
				return err
			}
			if weightsOut != "" {
				if err := os.WriteFile(weightsOut, res.Weights, 0o644); err != nil {
					return err
				}
			}
			if rtpOut != "" && res.RTP != nil {
				if err := os.WriteFile(rtpOut, res.RTP, 0o644); err != nil {
					return err
				}
			}

			log.Info("wrote container", "path", out, "defaulted", defaulted,
				"weight_bytes", int64(len(res.Weights)), "rtp_bytes", int64(len(res.RTP)))
			_, err = fmt.Fprintln(c.Root().Writer, out)
			return err
		},
	}
}
