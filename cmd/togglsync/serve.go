package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"togglsync/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and the sync scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Context with signal handling
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		application, err := app.New(ctx, logger, cfg)
		if err != nil {
			return err
		}
		application.Start()

		srv := application.HTTPServer(cfg.HTTP.Addr)
		errCh := make(chan error, 1)
		go func() {
			logger.Info("listening", slog.String("addr", cfg.HTTP.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
		case err = <-errCh:
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("http shutdown", slog.String("error", serr.Error()))
		}
		return errors.Join(err, application.Close(shutdownCtx))
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
