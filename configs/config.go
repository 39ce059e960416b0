package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	WorkerAlias string

	// Coordination
	Backend           string // etcd or memory
	EtcdEndpoints     []string
	DialTimeout       time.Duration
	SessionTTL        time.Duration
	RetryCount        int
	RetryBackoff      time.Duration
	RetryMaxBackoff   time.Duration
	WorkersRoot       string
	TargetsRoot       string
	LockTimeout       time.Duration
	ReconcileSchedule string

	// Status API
	APIPort   string
	JWTSecret string

	// Notification sinks (optional)
	RedisAddr   string
	RedisStream string
	DatabaseURL string

	// Observability
	LogLevel       string
	LogEncoding    string
	OTLPEndpoint   string
	TracingEnabled bool
}

func LoadConfig() *Config {
	hostname, _ := os.Hostname()

	return &Config{
		WorkerAlias:       getEnv("WORKER_ALIAS", hostname),
		Backend:           getEnv("COORD_BACKEND", "etcd"),
		EtcdEndpoints:     getEnvAsSlice("ETCD_ENDPOINTS", []string{"localhost:2379"}),
		DialTimeout:       getEnvAsDuration("COORD_DIAL_TIMEOUT", 5*time.Second),
		SessionTTL:        getEnvAsDuration("COORD_SESSION_TTL", 10*time.Second),
		RetryCount:        getEnvAsInt("COORD_RETRY_COUNT", 5),
		RetryBackoff:      getEnvAsDuration("COORD_RETRY_BACKOFF", 100*time.Millisecond),
		RetryMaxBackoff:   getEnvAsDuration("COORD_RETRY_MAX_BACKOFF", 2*time.Second),
		WorkersRoot:       getEnv("WORKERS_ROOT", "/jmxtrans/workers"),
		TargetsRoot:       getEnv("TARGETS_ROOT", "/jmxtrans/jvms"),
		LockTimeout:       getEnvAsDuration("LOCK_TIMEOUT", 2*time.Second),
		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", "@every 30s"),
		APIPort:           getEnv("API_PORT", "8080"),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisStream:       getEnv("REDIS_STREAM", "jmxtrans:ownership:events"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogEncoding:       getEnv("LOG_ENCODING", "json"),
		OTLPEndpoint:      getEnv("OTLP_ENDPOINT", "localhost:4318"),
		TracingEnabled:    getEnvAsBool("TRACING_ENABLED", false),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsSlice splits a comma separated list, dropping empty entries.
func getEnvAsSlice(key string, fallback []string) []string {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
