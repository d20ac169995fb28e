// Command worker runs the reference implementation of the worker (LLM
// execution) HTTP contract: it receives InvocationPayloads from the
// kernel and returns RemoteAgentResponses, executing any requested
// tools locally.
package main

import (
	"context"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/raro-ai/orchestration-kernel/internal/agentserver"
	"github.com/raro-ai/orchestration-kernel/internal/artifact"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync() //nolint:errcheck

	addr := envOr("WORKER_ADDR", ":9090")
	artifactDir := envOr("WORKER_ARTIFACT_DIR", os.TempDir())

	keys := agentserver.Keys{
		OpenAI:    os.Getenv("OPENAI_API_KEY"),
		Anthropic: os.Getenv("ANTHROPIC_API_KEY"),
		Google:    os.Getenv("GOOGLE_API_KEY"),
	}

	logStore := openLogPublisher(log)
	defer logStore.Close() //nolint:errcheck

	srv := agentserver.New(keys, agentserver.DefaultTools(artifactDir), log, agentserver.WithLogPublisher(logStore))

	log.Info("worker listening", zap.String("addr", addr), zap.String("artifact_dir", artifactDir))
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil { //nolint:gosec
		log.Fatal("worker server exited", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// openLogPublisher dials the same Artifact Store the kernel reads
// from, so this worker's progress lines reach the kernel's live-log
// bridge. Redis is required for this to cross process boundaries in
// production; the in-memory fallback keeps a standalone worker
// runnable (its Publish calls simply have no subscribers) when
// REDIS_URL is unset.
func openLogPublisher(log *zap.Logger) artifact.Store {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		log.Info("REDIS_URL not set, worker live logs will not leave this process")
		return artifact.NewMemoryStore()
	}

	redisStore, err := artifact.NewRedisStore(context.Background(), redisURL, log)
	if err != nil {
		log.Warn("redis unreachable at startup, worker live logs will not leave this process", zap.Error(err))
		return artifact.NewMemoryStore()
	}
	return redisStore
}
