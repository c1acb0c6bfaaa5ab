// ABOUTME: serve subcommand: recovers interrupted runs and exposes the HTTP API until interrupted.
// ABOUTME: On SIGINT/SIGTERM the listener drains first, then in-flight runs are cancelled and recorded.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2389-research/stepwise/server"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				opts.cfg.Bind = addr
				if err := opts.cfg.CheckBind(); err != nil {
					return err
				}
			}
			logger := opts.logger.With(slog.String("component", "cli"))

			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			recovered, err := st.RecoverInterrupted(ctx)
			if err != nil {
				return err
			}
			if recovered > 0 {
				logger.Warn("marked interrupted runs failed", slog.Int("pipelines", recovered))
			}

			rt, err := newRuntime(opts.cfg, st, opts.logger)
			if err != nil {
				return err
			}

			srv, err := server.New(server.Config{
				Addr:    opts.cfg.Bind,
				Store:   st,
				Runner:  rt.exec,
				Events:  rt.broker,
				Metrics: rt.metrics.Handler(),
				Logger:  opts.logger,
			})
			if err != nil {
				return err
			}

			serveErr := srv.ListenAndServe(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := rt.Close(shutdownCtx); err != nil {
				logger.Error("shutdown", slog.String("error", err.Error()))
			}
			return serveErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: $STEPWISE_BIND or 127.0.0.1:7780)")
	return cmd
}
