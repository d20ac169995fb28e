// Command kernel runs the Orchestration Kernel: the control-plane HTTP
// API, the Execution Engine's scheduler, and the Event Bus & Pattern
// Engine, wired together and served until interrupted.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/raro-ai/orchestration-kernel/graph/emit"
	"github.com/raro-ai/orchestration-kernel/graph/store"
	"github.com/raro-ai/orchestration-kernel/internal/artifact"
	"github.com/raro-ai/orchestration-kernel/internal/boundary"
	"github.com/raro-ai/orchestration-kernel/internal/config"
	"github.com/raro-ai/orchestration-kernel/internal/cortex"
	"github.com/raro-ai/orchestration-kernel/internal/kernel"
	"github.com/raro-ai/orchestration-kernel/internal/runtimestate"
	"github.com/raro-ai/orchestration-kernel/internal/worker"
)

func main() {
	root := &cobra.Command{
		Use:   "kernel",
		Short: "Run the orchestration kernel's control plane and Execution Engine",
		RunE:  run,
	}
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	artifactStore := openArtifactStore(ctx, cfg, log)
	defer artifactStore.Close() //nolint:errcheck

	var runtimeOpts []runtimestate.Option
	if cfg.Checkpoint.DBPath != "" {
		checkpoints, err := store.NewSQLiteStore[runtimestate.RuntimeState](cfg.Checkpoint.DBPath)
		if err != nil {
			log.Warn("checkpoint store unavailable, continuing without it", zap.Error(err))
		} else {
			defer checkpoints.Close() //nolint:errcheck
			runtimeOpts = append(runtimeOpts, runtimestate.WithCheckpointStore(checkpoints))
		}
	}

	runtime := runtimestate.New(artifactStore, log, runtimeOpts...)
	if err := runtime.Rehydrate(ctx); err != nil {
		log.Warn("rehydration failed", zap.Error(err))
	}

	bus := cortex.NewBus(0)
	workerClient := worker.NewClient(worker.Config{
		Host: cfg.Worker.Host, Port: cfg.Worker.Port,
		Timeout: cfg.Worker.Timeout, MaxAttempts: cfg.Worker.MaxAttempts,
	}, log)
	metrics := kernel.NewMetrics(prometheus.DefaultRegisterer)
	engine := kernel.New(runtime, artifactStore, bus, workerClient, metrics, log, kernel.WithEmitter(newEmitter(cfg.Observability.Emitter)))

	patternEngine := cortex.New(bus, runtime, engine, log)
	engine.SetPatternEvaluator(patternEngine)
	go patternEngine.Run(ctx)

	if err := cortex.BridgeLiveLogs(ctx, artifactStore, artifact.LiveLogsChannel, bus, log); err != nil {
		log.Warn("live log bridge unavailable", zap.Error(err))
	}

	server := boundary.New(engine, runtime, bus, log)
	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: server.Handler()}

	go func() {
		log.Info("kernel listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control-plane server exited", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newEmitter selects the graph/emit backend scheduler lifecycle events
// are mirrored into, independent of the Event Bus used for pattern
// matching and the WebSocket stream.
func newEmitter(kind string) emit.Emitter {
	switch kind {
	case "otel":
		return emit.NewOTelEmitter(otel.Tracer("orchestration-kernel"))
	case "none":
		return emit.NewNullEmitter()
	default:
		return emit.NewLogEmitter(os.Stdout, true)
	}
}

// openArtifactStore dials Redis when REDIS_URL is configured, falling
// back to the in-memory store if the URL is absent or unreachable.
func openArtifactStore(ctx context.Context, cfg config.Config, log *zap.Logger) artifact.Store {
	if cfg.Redis.URL == "" {
		log.Info("REDIS_URL not set, using in-memory artifact store")
		return artifact.NewMemoryStore()
	}

	redisStore, err := artifact.NewRedisStore(ctx, cfg.Redis.URL, log)
	if err != nil {
		log.Warn("redis unreachable at startup, falling back to in-memory artifact store", zap.Error(err))
		return artifact.NewMemoryStore()
	}
	return redisStore
}
