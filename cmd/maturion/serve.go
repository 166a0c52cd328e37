package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maturion/maturion/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		router := api.NewRouter(api.Options{
			Store:       a.store,
			Lifecycle:   a.lifecycle,
			History:     a.history,
			Exports:     a.exports,
			Imports:     a.imports,
			Tags:        a.tags,
			Attachments: a.attachments,
			Log:         a.log,
			Version:     version,
		})

		srv := &http.Server{
			Addr:              a.cfg.Server.Addr,
			Handler:           router.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			a.log.Info("server listening", zap.String("addr", srv.Addr))
			errCh <- srv.ListenAndServe()
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case sig := <-stop:
			a.log.Info("shutting down", zap.String("signal", sig.String()))
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		}
	},
}
