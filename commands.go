package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"flac2mp3/config"
	"flac2mp3/limiter"
	"flac2mp3/logging"
	"flac2mp3/models"
	"flac2mp3/services"

	"github.com/spf13/cobra"
)

type commandContext struct {
	logLevel  string
	logFormat string
}

// load reads the environment and builds the logger. Flags override the
// LOG_LEVEL and LOG_FORMAT variables.
func (c *commandContext) load() (*config.Config, *slog.Logger, error) {
	cfg := config.Load()
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if c.logFormat != "" {
		cfg.LogFormat = c.logFormat
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stderr})
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "flac2mp3",
		Short:         "FLAC to MP3 conversion service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.load()
			if err != nil {
				return err
			}
			return runServe(cfg, logger)
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&ctx.logFormat, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newConvertCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx))

	return rootCmd
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot and/or queue workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.load()
			if err != nil {
				return err
			}
			return runServe(cfg, logger)
		},
	}
}

func newConvertCommand(ctx *commandContext) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "convert <file.flac>...",
		Short: "Convert local files, printing one JSON result per line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.load()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			gate := limiter.NewGate(cfg.MaxConcurrent)
			transcoder := services.NewTranscoder(cfg.FFmpegPath, outDir, gate, logger)

			results := make([]models.ConversionResult, len(args))
			var wg sync.WaitGroup
			for i, input := range args {
				wg.Add(1)
				go func(i int, input string) {
					defer wg.Done()
					results[i] = transcoder.Convert(signalCtx, input)
				}(i, input)
			}
			wg.Wait()

			partials := services.NewTempFiles(outDir, logger)
			enc := json.NewEncoder(cmd.OutOrStdout())
			failed := 0
			for _, res := range results {
				if !res.Success {
					failed++
					partials.Cleanup(res.OutputPath)
					res.OutputPath = ""
				}
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d conversions failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out-dir", "o", ".", "Directory for converted files")
	return cmd
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.load()
			if err != nil {
				return err
			}
			dbSvc, err := services.NewDatabaseService(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer dbSvc.Close()

			migrateCtx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := dbSvc.Migrate(migrateCtx); err != nil {
				return err
			}
			logger.Info("database schema is up to date")
			return nil
		},
	}
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove leftover temporary files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-age") {
				maxAge = time.Duration(cfg.StaleTempMaxAge) * time.Second
			}
			removed, err := services.NewTempFiles(cfg.TempDir, logger).SweepStale(maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d file(s) from %s\n", removed, cfg.TempDir)
			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Remove files older than this (defaults to STALE_TEMP_MAX_AGE)")
	return cmd
}
