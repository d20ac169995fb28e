// Package config loads the kernel's runtime configuration from
// environment variables over built-in defaults (no config file is read), using
// viper the way the rest of the corpus does.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the kernel process's full runtime configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Checkpoint    CheckpointConfig    `mapstructure:"checkpoint"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ObservabilityConfig selects the graph/emit backend the Execution
// Engine mirrors scheduler lifecycle events into, independent of the
// always-on Event Bus used for pattern matching. One of "log", "otel",
// or "none".
type ObservabilityConfig struct {
	Emitter string `mapstructure:"emitter"`
}

// CheckpointConfig holds the optional local-SQLite checkpoint store
// configuration. An empty DBPath disables the checkpoint store; the
// Runtime State Machine then persists only through the Artifact Store.
type CheckpointConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// ServerConfig holds the control-plane HTTP listener configuration.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// RedisConfig holds Artifact Store connection configuration.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// WorkerConfig holds the reference worker's HTTP endpoint and retry policy.
type WorkerConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// Load reads configuration from environment variables, falling back to
// the defaults below. Env vars follow the persisted Environment
// contract: REDIS_URL, AGENT_HOST, AGENT_PORT, KERNEL_HTTP_ADDR.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("redis.url", "")
	v.SetDefault("worker.host", "localhost")
	v.SetDefault("worker.port", 9090)
	v.SetDefault("worker.timeout", 60*time.Second)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("checkpoint.db_path", "")
	v.SetDefault("observability.emitter", "log")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("redis.url", "REDIS_URL")
	_ = v.BindEnv("worker.host", "AGENT_HOST")
	_ = v.BindEnv("worker.port", "AGENT_PORT")
	_ = v.BindEnv("server.addr", "KERNEL_HTTP_ADDR")
	_ = v.BindEnv("checkpoint.db_path", "KERNEL_CHECKPOINT_DB")
	_ = v.BindEnv("observability.emitter", "KERNEL_EMITTER")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
