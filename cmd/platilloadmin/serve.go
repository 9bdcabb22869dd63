package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"platilloadmin/internal/api"
	"platilloadmin/internal/config"
	"platilloadmin/internal/db"
	"platilloadmin/internal/logx"
	"platilloadmin/internal/metrics"
	"platilloadmin/internal/records"
	"platilloadmin/internal/storage"
)

func serveCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			log, err := logx.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, log, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "create the records table before serving")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, log *zap.Logger, migrate bool) error {
	conn, err := db.OpenMySQL(cfg.MySQL)
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	defer conn.Close()

	if migrate {
		if err := db.Migrate(ctx, conn, cfg.RecordsCollection); err != nil {
			return err
		}
	}

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		// The form still works without images.
		log.Warn("[storage] image uploads disabled", zap.String("provider", cfg.Storage.Provider), zap.Error(err))
	}

	srv, err := api.NewServer(cfg, log, records.NewMySQL(conn), store, metrics.New())
	if err != nil {
		return err
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("[http] listening", zap.String("addr", cfg.Addr), zap.String("image_policy", cfg.ImagePolicy))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("[http] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
