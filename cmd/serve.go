package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ameureka/ai-deepresearch-agent/config"
	"github.com/ameureka/ai-deepresearch-agent/internal/runtime"
	srv "github.com/ameureka/ai-deepresearch-agent/internal/server"
	"github.com/ameureka/ai-deepresearch-agent/internal/task"
	"github.com/ameureka/ai-deepresearch-agent/internal/worker"
)

var version = "dev"

func serveCMD() *cobra.Command {
	var serveAddr string
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cfg, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.address)")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}

func runServe(ctx context.Context, cfg *config.Config, addr string) error {
	tele, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    "deepresearch-api",
		ServiceVersion: version,
		MetricsPort:    cfg.Telemetry.MetricsPort,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = tele.Shutdown(context.Background()) }()

	repo, closeRepo, err := runtime.OpenRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeRepo() }()

	q, closeQueue, err := runtime.OpenQueue(ctx, cfg, consumerName("api"))
	if err != nil {
		return err
	}
	defer func() { _ = closeQueue() }()

	pipeline, err := runtime.BuildPipeline(cfg, nil)
	if err != nil {
		return err
	}
	orch := runtime.NewOrchestrator(cfg, pipeline, repo, q)

	// the in-process queue is only drained from this process
	var proc *worker.Processor
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	if cfg.Queue.Backend == config.BackendMemory {
		proc = worker.NewProcessor(nil, q, orch, meter, tracer)
		go func() {
			if err := proc.Start(workerCtx); err != nil {
				log.Printf("[WORKER] exited: %v", err)
			}
		}()
	}

	if cfg.Retention.Enabled {
		pruner, ok := repo.(task.Pruner)
		if !ok {
			return fmt.Errorf("retention: storage backend %s cannot prune", cfg.Storage.Backend)
		}
		sweeper, err := srv.NewSweeper(pruner, cfg.Retention)
		if err != nil {
			return err
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	s, err := srv.New(cfg, srv.Deps{
		Tasks:    orch,
		Registry: pipeline.Registry,
		Chunker:  pipeline.Chunker,
		Queue:    q,
		Metrics:  tele.Handler(),
	})
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(addr) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	timeout := cfg.Queue.ShutdownTimeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Printf("[HTTP] shutdown: %v", err)
	}
	if proc != nil {
		if err := proc.Stop(shutdownCtx, timeout); err != nil {
			if errors.Is(err, worker.ErrStopTimeout) {
				log.Printf("[WORKER] queued tasks abandoned at shutdown")
			} else {
				log.Printf("[WORKER] stop: %v", err)
			}
		}
	}
	return nil
}

func consumerName(role string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-%s-%s", role, host, uuid.NewString()[:8])
}
