package config

import (
	"os"
	"strconv"
	"time"
)

const (
	defaultNATSURL        = "nats://localhost:4222"
	defaultRedisURL       = "redis://localhost:6379"
	defaultMetricsAddr    = ":9090"
	defaultGatewayAddr    = ":8080"
	defaultIntervalConfig = "config/intervals.yaml"
	defaultRunnerConfig   = "config/runner.yaml"
	defaultAIBaseURL      = "http://localhost:11434/v1"
	defaultAIModel        = "llama3"

	envNATSURL        = "NATS_URL"
	envRedisURL       = "REDIS_URL"
	envMetricsAddr    = "METRICS_ADDR"
	envGatewayAddr    = "GATEWAY_ADDR"
	envIntervalConfig = "INTERVAL_CONFIG_PATH"
	envRunnerConfig   = "RUNNER_CONFIG_PATH"
	envAIBaseURL      = "AI_BASE_URL"
	envAIAPIKey       = "AI_API_KEY"
	envAIModel        = "AI_MODEL"
	envGlobalPrompt   = "GLOBAL_SYSTEM_PROMPT"
	envMaxTurns       = "AI_MAX_TURNS"
	envStuckTimeout   = "JOB_STUCK_TIMEOUT"
	envRetention      = "JOB_RETENTION"
	envProblemFlows   = "PROBLEM_FLOW_THRESHOLD"
)

// Config holds runtime configuration for the engine and gateway.
// It is built once at startup and passed explicitly to every component.
type Config struct {
	NatsURL            string
	RedisURL           string
	MetricsAddr        string
	GatewayAddr        string
	IntervalConfigPath string
	RunnerConfigPath   string

	AIBaseURL    string
	AIAPIKey     string
	AIModel      string
	GlobalPrompt string
	MaxTurns     int

	StuckJobTimeout      time.Duration
	JobRetention         time.Duration
	ProblemFlowThreshold int
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		NatsURL:            envOr(envNATSURL, defaultNATSURL),
		RedisURL:           envOr(envRedisURL, defaultRedisURL),
		MetricsAddr:        envOr(envMetricsAddr, defaultMetricsAddr),
		GatewayAddr:        envOr(envGatewayAddr, defaultGatewayAddr),
		IntervalConfigPath: envOr(envIntervalConfig, defaultIntervalConfig),
		RunnerConfigPath:   envOr(envRunnerConfig, defaultRunnerConfig),

		AIBaseURL:    envOr(envAIBaseURL, defaultAIBaseURL),
		AIAPIKey:     os.Getenv(envAIAPIKey),
		AIModel:      envOr(envAIModel, defaultAIModel),
		GlobalPrompt: os.Getenv(envGlobalPrompt),
		MaxTurns:     envInt(envMaxTurns, 8),

		StuckJobTimeout:      envDuration(envStuckTimeout, 30*time.Minute),
		JobRetention:         envDuration(envRetention, 30*24*time.Hour),
		ProblemFlowThreshold: envInt(envProblemFlows, 3),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
