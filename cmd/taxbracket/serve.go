package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpAdapter "github.com/taxbracket/backend/internal/adapter/http"
)

func serveCmd(configPath *string) *cobra.Command {
	var (
		addr       string
		withWorker bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API, optionally with an embedded worker pool.

Examples:
  taxbracket serve
  taxbracket serve --addr :9000 --worker=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.cfg.HTTP.Addr
			}

			chatSvc, err := a.chatService()
			if err != nil {
				return err
			}

			if !a.cfg.Log.Development {
				gin.SetMode(gin.ReleaseMode)
			}
			srv := httpAdapter.NewServer(httpAdapter.Deps{
				Queue:    a.queue,
				Pipeline: a.pipeline,
				Credits:  a.ledger,
				Chat:     chatSvc,
				Files:    a.files,
			}, httpAdapter.Options{
				Addr:       addr,
				Secret:     a.cfg.HTTP.WebhookSecret,
				StuckAfter: a.cfg.Pipeline.StuckAfter,
			}, a.logger)

			var wg sync.WaitGroup
			if withWorker {
				pool, err := a.newPool(ctx)
				if err != nil {
					return err
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					pool.Run(ctx)
				}()
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("HTTP server listening", zap.String("addr", srv.Addr()), zap.Bool("worker", withWorker))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
				a.logger.Info("shutting down")
			case err = <-errCh:
				a.logger.Error("HTTP server error", zap.Error(err))
				stop()
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				a.logger.Error("HTTP server shutdown error", zap.Error(serr))
			}
			wg.Wait()
			a.logger.Info("shutdown complete")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&withWorker, "worker", true, "run the worker pool in this process")
	return cmd
}
