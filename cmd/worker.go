package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ameureka/ai-deepresearch-agent/config"
	"github.com/ameureka/ai-deepresearch-agent/internal/runtime"
	"github.com/ameureka/ai-deepresearch-agent/internal/worker"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var w = &cobra.Command{
		Use:   "worker",
		Short: "Consume queued research tasks from the Redis stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if cfg.Queue.Backend != config.BackendRedis {
				return fmt.Errorf("worker requires queue.backend=redis, got %q", cfg.Queue.Backend)
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runWorker(ctx, cfg)
		},
	}
	w.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return w
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	tele, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    "deepresearch-worker",
		ServiceVersion: version,
		MetricsPort:    cfg.Telemetry.MetricsPort,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = tele.Shutdown(context.Background()) }()

	repo, closeRepo, err := runtime.OpenRepository(ctx, cfg)
	if err != nil {
		return fmt.Errorf("worker repository: %w", err)
	}
	defer func() { _ = closeRepo() }()

	q, closeQueue, err := runtime.OpenQueue(ctx, cfg, consumerName("worker"))
	if err != nil {
		return fmt.Errorf("worker queue: %w", err)
	}
	defer func() { _ = closeQueue() }()

	pipeline, err := runtime.BuildPipeline(cfg, nil)
	if err != nil {
		return err
	}
	orch := runtime.NewOrchestrator(cfg, pipeline, repo, q)

	logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
	processor := worker.NewProcessor(logger, q, orch, meter, tracer)

	// tasks keep running after the signal; Stop drains up to the timeout
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	errCh := make(chan error, 1)
	go func() { errCh <- processor.Start(runCtx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Printf("signal received, draining")
	timeout := cfg.Queue.ShutdownTimeout
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := processor.Stop(stopCtx, timeout); err != nil && !errors.Is(err, worker.ErrStopTimeout) {
		return err
	}
	return nil
}
