package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/reelpair/reelpair/internal/api"
)

func newServeCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the render queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, cc)
		},
	}
}

func runServe(cmd *cobra.Command, cc *commandContext) error {
	cfg, logger := cc.cfg, cc.logger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	caps := a.detector.Detect(ctx)
	logger.Info("encoder capabilities",
		"version", caps.VersionRaw,
		"xfade", caps.HasVideoFade,
		"acrossfade", caps.HasAudioFade,
		"drawtext", caps.HasDrawText,
	)

	recovered, err := a.svc.Recover(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Info("recovered queued jobs", "jobs", recovered)
	}
	a.svc.Start(ctx)

	r := mux.NewRouter()
	h := api.NewHandler(a.svc, a.ws, a.detector, a.metrics.Handler(), logger)
	h.RegisterRoutes(r)

	handler := api.Chain(r,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging(logger),
		api.Auth(cfg.APIKeys),
		api.RateLimit(ctx, cfg.RateLimit),
	)

	// Uploads and event streams are long-lived, so only headers are bounded.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	if len(cfg.APIKeys) == 0 {
		logger.Warn("no API keys configured: authentication is disabled")
	}
	logger.Info("reelpair listening", "addr", cfg.ListenAddr, "store", cfg.Store, "lock", cfg.Lock)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		stop()
		a.svc.Wait()
		return err
	}

	a.svc.Wait()
	return nil
}
