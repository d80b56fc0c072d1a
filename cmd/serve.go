package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/webfarm/internal/api"
	"github.com/JakeFAU/webfarm/internal/app"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(o *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health checks, metrics and the blocked-event API.",
		Long: `serve exposes /healthz, /readyz and /metrics, plus the /v1 API for run state
and the blocked queue. Resumes triggered over HTTP run synchronously and use
profiles from --profiles-dir.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), a, o, port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (0 uses server.port)")
	return cmd
}

func serve(ctx context.Context, a *app.App, o *rootOptions, port int) error {
	cfg := a.Config()
	logger := a.Logger()
	if port <= 0 {
		port = cfg.Server.Port
	}
	store, err := a.Store(ctx)
	if err != nil {
		return err
	}
	runner, err := a.NewRunner(ctx, app.RunnerOptions{})
	if err != nil {
		return err
	}
	apiServer := api.NewServer(store, api.Config{
		APIKey:   cfg.Server.APIKey,
		Resumer:  runner,
		Profiles: o.lookupProfile,
	}, logger.Named("api"))

	handler := apiServer.Handler()
	if cfg.Telemetry.Enabled {
		handler = otelhttp.NewHandler(handler, "webfarm.api")
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
