package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries all tunables for the batch conversion system. Values come
// from the environment with defaults matching production behaviour.
type Config struct {
	Addr    string
	DataDir string

	// Base URL of the remote conversion endpoint.
	ServerBaseURL string

	// Scheduling
	MaxConcurrentServer int
	ProgressPoll        time.Duration
	PausePoll           time.Duration

	// Persistence
	SaveThrottle       time.Duration
	CheckpointInterval time.Duration
	StateMaxAge        time.Duration

	// Connectivity probing
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Load reads configuration from the environment.
func Load() Config {
	return Config{
		Addr:                getenv("BATCHCONV_ADDR", ":8080"),
		DataDir:             getenv("BATCHCONV_DATA_DIR", "data"),
		ServerBaseURL:       getenv("BATCHCONV_SERVER_URL", "http://localhost:8080"),
		MaxConcurrentServer: getenvInt("BATCHCONV_SERVER_WORKERS", 4),
		ProgressPoll:        getenvDuration("BATCHCONV_PROGRESS_POLL", time.Second),
		PausePoll:           getenvDuration("BATCHCONV_PAUSE_POLL", 500*time.Millisecond),
		SaveThrottle:        getenvDuration("BATCHCONV_SAVE_THROTTLE", 5*time.Second),
		CheckpointInterval:  getenvDuration("BATCHCONV_CHECKPOINT", 30*time.Second),
		StateMaxAge:         getenvDuration("BATCHCONV_STATE_MAX_AGE", time.Hour),
		ProbeInterval:       getenvDuration("BATCHCONV_PROBE_INTERVAL", 10*time.Second),
		ProbeTimeout:        getenvDuration("BATCHCONV_PROBE_TIMEOUT", 5*time.Second),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
