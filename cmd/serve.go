package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Nochiis/web-metrics-probuilds/internal/api"
	"github.com/Nochiis/web-metrics-probuilds/internal/app"
	"github.com/Nochiis/web-metrics-probuilds/internal/clock/system"
	"github.com/Nochiis/web-metrics-probuilds/internal/dispatcher"
	"github.com/Nochiis/web-metrics-probuilds/internal/id/uuid"
	queueMemory "github.com/Nochiis/web-metrics-probuilds/internal/queue/memory"
	"github.com/Nochiis/web-metrics-probuilds/internal/storage/memory"
	"github.com/Nochiis/web-metrics-probuilds/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled audit loop",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	e, err := envFrom(cmd.Context())
	if err != nil {
		return err
	}
	cfg, logger := e.cfg, e.logger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, app.Options{})
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer a.Close()

	runStore := memory.NewRunStore()
	queue := queueMemory.NewQueue(cfg.Server.QueueDepth)
	clock := system.New()

	// One run at a time; the runner fans pages out across audit.workers.
	workers := []*worker.Worker{
		a.NewWorker(queue, runStore, worker.Config{}, logger.Named("worker")),
	}
	dispatch := dispatcher.New(queue, runStore, uuid.New(), clock, workers, logger.Named("dispatcher"))
	apiServer := api.NewServer(dispatch, runStore, a.Ready, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		logger.Info("dispatcher started")
		dispatch.Run(ctx)
	}()

	go dispatch.Schedule(ctx, cfg.Server.Interval, cfg.Pages)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	<-dispatched
	logger.Info("shutdown complete")

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}
