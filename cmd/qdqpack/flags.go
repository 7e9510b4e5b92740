package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qdqpack/internal/logger"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool
	noColor    bool

	// loaded by setupLogging for the subcommands
	fileConfig Config
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Value:       configPath(),
			Destination: &configFile,
		},
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
		&cli.BoolFlag{
			Name:        "no-color",
			Usage:       "disable coloured log output",
			Destination: &noColor,
		},
	}
}

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return ctx, err
	}
	fileConfig = cfg
	applyLogConfig(cmd, cfg, &logLevel, &logFormat)
	if debug {
		logLevel = "debug"
	}
	log, err := logger.Config{
		Level:   logLevel,
		Format:  logger.Format(logFormat),
		NoColor: noColor,
	}.Build(os.Stderr)
	if err != nil {
		return ctx, fmt.Errorf("logging: %w", err)
	}
	return logger.WithContext(ctx, log), nil
}

func jobsFlag(dest *int) cli.Flag {
	return &cli.IntFlag{
		Name:        "jobs",
		Aliases:     []string{"j"},
		Usage:       "operators generated in parallel (0 = GOMAXPROCS)",
		Destination: dest,
	}
}

func layoutVersionFlag(dest *int) cli.Flag {
	return &cli.IntFlag{
		Name:        "layout-version",
		Usage:       "blob layout generation when the plan does not set one (1 or 2)",
		Value:       1,
		Destination: dest,
	}
}
