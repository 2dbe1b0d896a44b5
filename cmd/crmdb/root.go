package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fernandezvara/crmdb"
)

type rootOptions struct {
	envFiles []string
	logLevel string
}

func rootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "crmdb",
		Short:         "Inspect and probe the CRM database",
		Long:          "Run health checks, pool inspections and ad hoc statements against the MySQL or PostgreSQL database configured by DB_* environment variables",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return crmdb.LoadEnvFiles(opts.envFiles...)
		},
	}

	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "Load variables from these .env files (default: .env)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newHealthCommand(opts),
		newPoolCommand(opts),
		newExecCommand(opts),
		newProbeCommand(opts),
	)
	return cmd
}

func (o *rootOptions) logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(o.logLevel))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openDB builds the configuration from the environment and connects
func (o *rootOptions) openDB(cmd *cobra.Command, registry prometheus.Registerer) (*crmdb.DB, error) {
	cfg, err := crmdb.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	cfg.Logger = o.logger(cmd.ErrOrStderr())
	if registry != nil {
		cfg = cfg.WithMetrics(registry)
	}
	db, err := crmdb.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return db, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
