package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"recurflow/internal/api"
	"recurflow/internal/scheduler"
)

type ServeOptions struct {
	*RootOptions
	Addr    string
	Trigger string
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic scan trigger",
		Long: `Run the HTTP API and trigger a scan cycle on the configured cron spec.

Example:
  recurflow serve --config recurflow.yaml
  recurflow serve --addr :9090 --trigger "@every 30s"`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP bind address (overrides config)")
	cmd.Flags().StringVar(&opts.Trigger, "trigger", "", "scan trigger cron spec (overrides config)")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Addr = opts.Addr
	}
	if opts.Trigger != "" {
		cfg.Scan.Trigger = opts.Trigger
	}
	if err := setupLogging(cfg.Logging); err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := scheduler.NewService(a.scanner, cfg.Scan.Trigger)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.NewServer(a.repo, a.scanner, api.Options{Clock: a.clock, Debug: cfg.Debug}),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("db", cfg.DB).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		<-svc.Stop().Done()
		return err
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	select {
	case <-svc.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn().Msg("scan cycle still running at shutdown")
	}
	return nil
}
