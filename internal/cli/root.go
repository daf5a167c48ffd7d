// Package cli implements the storeops command line: the API server, schema
// migrations and development tokens.
package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"storeops/internal/platform/config"
	"storeops/internal/platform/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	LogLevel  string
	LogFormat string

	// Config overrides the environment (for testing).
	Config *config.Config
}

// ValidFormats defines the allowed log formats.
var ValidFormats = []string{"json", "text"}

// NewRootCommand creates the storeops root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "storeops",
		Short: "Retail back-office checklist sync service",
		Long: `storeops keeps every open checklist session in sync with the record
store: edits apply optimistically and roll back when the store refuses them,
and supervisors audit completed days.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.LogFormat != "" && !slices.Contains(ValidFormats, opts.LogFormat) {
				return fmt.Errorf("invalid log format %q: must be one of %v", opts.LogFormat, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error), overrides LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (json|text), overrides LOG_FORMAT")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func (o *RootOptions) config() config.Config {
	var cfg config.Config
	if o.Config != nil {
		cfg = *o.Config
	} else {
		cfg = config.FromEnv()
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	return cfg
}

func (o *RootOptions) logger(cfg config.Config) *slog.Logger {
	return logger.New(cfg.Log.Level, cfg.Log.Format)
}
