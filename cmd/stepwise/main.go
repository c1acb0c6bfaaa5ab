// ABOUTME: CLI entrypoint for stepwise: serve the HTTP API, manage pipeline definitions, and run pipelines.
// ABOUTME: Loads .env and STEPWISE_* configuration once in the root command before any subcommand runs.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/2389-research/stepwise/config"
	"github.com/2389-research/stepwise/logging"
	"github.com/2389-research/stepwise/store"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions carries global flags and the configuration resolved from them.
type rootOptions struct {
	dbPath   string
	logLevel string
	envFile  string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "stepwise",
		Short:         "Run ordered LLM prompt pipelines with completion checks and retries",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}

	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path (default: $STEPWISE_DB or ~/.stepwise/stepwise.db)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (default: $STEPWISE_LOG_LEVEL or info)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file applied before reading the environment")

	root.AddCommand(
		newServeCmd(opts),
		newApplyCmd(opts),
		newListCmd(opts),
		newShowCmd(opts),
		newDeleteCmd(opts),
		newRunCmd(opts),
	)
	return root
}

// load applies the dotenv file, reads the environment, lets flags override
// it, and installs the process logger on the command's stderr.
func (o *rootOptions) load(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(o.envFile); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}

	logger, err := logging.ConfigureWriter(cmd.ErrOrStderr(), cfg.LogLevel)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = logger
	return nil
}

func (o *rootOptions) openStore() (*store.SQLiteStore, error) {
	st, err := store.Open(o.cfg.DBPath)
	if err != nil {
		return nil, err
	}
	st.SetLeaseTTL(o.cfg.RunLease)
	o.logger.Debug("store opened", slog.String("component", "cli"), slog.String("path", o.cfg.DBPath))
	return st, nil
}
