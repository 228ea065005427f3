package config

import "os"

const (
	defaultNATSURL     = "nats://localhost:4222"
	defaultRedisURL    = "redis://localhost:6379"
	defaultProfilePath = "config/updraft.yaml"
	defaultPendingPath = "data/pending.db"

	envNATSURL       = "NATS_URL"
	envRedisURL      = "REDIS_URL"
	envProfilePath   = "UPDRAFT_PROFILE_PATH"
	envPendingPath   = "UPDRAFT_PENDING_PATH"
	envPushToken     = "REPO_PUSH_TOKEN"
	envSuperApprover = "UPDRAFT_SUPER_APPROVER"
)

// Config holds runtime configuration for the updraft gateway.
type Config struct {
	NatsURL       string
	RedisURL      string
	ProfilePath   string
	PendingPath   string
	PushToken     string
	SuperApprover string
}

// Load returns configuration using environment variables with sane defaults.
// The push token has no default; the pipeline reports its absence as a
// credential error at submission time.
func Load() *Config {
	natsURL := os.Getenv(envNATSURL)
	if natsURL == "" {
		natsURL = defaultNATSURL
	}

	redisURL := os.Getenv(envRedisURL)
	if redisURL == "" {
		redisURL = defaultRedisURL
	}

	profilePath := os.Getenv(envProfilePath)
	if profilePath == "" {
		profilePath = defaultProfilePath
	}

	pendingPath := os.Getenv(envPendingPath)
	if pendingPath == "" {
		pendingPath = defaultPendingPath
	}

	return &Config{
		NatsURL:       natsURL,
		RedisURL:      redisURL,
		ProfilePath:   profilePath,
		PendingPath:   pendingPath,
		PushToken:     os.Getenv(envPushToken),
		SuperApprover: os.Getenv(envSuperApprover),
	}
}
