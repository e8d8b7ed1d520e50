package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"gridstore/internal/auth"
	"gridstore/internal/config"
	"gridstore/internal/metrics"
	"gridstore/internal/server"
	"gridstore/pkg/storage"
)

func serveCommand(v *viper.Viper, cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept multipart uploads over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return Serve(ctx, cfg)
		},
	}

	cmd.Flags().String("listen", "", "HTTP listen address")
	cmd.Flags().Int64("max-upload-bytes", 0, "reject request bodies larger than this, 0 for no limit")
	bindFlag(v, "listen", cmd.Flags().Lookup("listen"))
	bindFlag(v, "max_upload_bytes", cmd.Flags().Lookup("max-upload-bytes"))

	return cmd
}

// Serve runs the HTTP front end until ctx is done.
func Serve(ctx context.Context, cfg *config.Config) error {
	collector := metrics.New()

	engine, err := storage.New(ctx, append(cfg.StorageOptions(),
		storage.WithLogger(slog.Default()),
		storage.WithMetrics(collector),
		storage.WithEventHandler(storage.EventConnection, func(storage.Event) {
			slog.Info("Connected to backend")
		}),
		storage.WithEventHandler(storage.EventConnectionFailed, func(ev storage.Event) {
			slog.Error("Backend connection failed", "error", ev.Err)
		}),
		storage.WithEventHandler(storage.EventDBError, func(ev storage.Event) {
			slog.Warn("Backend reported an error", "error", ev.Err)
		}),
	)...)
	if err != nil {
		return fmt.Errorf("failed to create storage engine: %w", err)
	}
	defer engine.Close()

	opts := []server.ConfigOption{
		server.WithStorageEngine(engine),
		server.WithMetricsHandler(collector.Handler()),
		server.WithMaxUploadBytes(cfg.MaxUploadBytes),
	}
	if cfg.AuthEnabled() {
		basic, err := auth.NewBasicAuthEngine(cfg.Auth.AccessKey, cfg.Auth.SecretKey)
		if err != nil {
			return fmt.Errorf("failed to create auth engine: %w", err)
		}
		opts = append(opts, server.WithAuthEngine(auth.NewCompoundAuthEngine(basic)))
	}

	srv, err := server.New(server.NewConfig(opts...))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	router := srv.Handler()

	// Uploads are streamed, so there is no whole-request read or write
	// deadline.
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	httpsServer := &http.Server{
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		Addr:              cfg.TLS.Listen,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return errors.Join(httpServer.Shutdown(shutdownCtx), httpsServer.Shutdown(shutdownCtx))
	})

	eg.Go(func() error {
		if !cfg.TLS.Enabled() {
			slog.Debug("Skipping HTTPS service because no certificate was provided")
			return nil
		}

		slog.Info("Starting gridstore HTTPS server", "addr", cfg.TLS.Listen)
		err := httpsServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting gridstore HTTP server", "addr", cfg.Listen)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("gridstore started", "backend", cfg.String())
	return eg.Wait()
}
