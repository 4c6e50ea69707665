// Package config loads the runner's small set of environment-driven knobs.
// The service catalog is read once from disk and is not part of this
// configuration surface — there is no dynamic reconfiguration.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServicesRoot string // directory containing services/, ex: "."
	ListenAddr   string // public listener, ex: "127.0.0.1:14000"

	LogLevel  string
	PrettyLog bool

	HealthProbeInterval time.Duration
	HealthProbeTimeout  time.Duration

	QuarantineThreshold int

	ShutdownDrain time.Duration
}

func Load() *Config {
	return &Config{
		ServicesRoot: getenv("RUNNER_SERVICES_ROOT", "."),
		ListenAddr:   getenv("RUNNER_LISTEN_ADDR", "127.0.0.1:14000"),

		LogLevel:  getenv("RUNNER_LOG_LEVEL", "info"),
		PrettyLog: mustBool("RUNNER_PRETTY_LOG", false),

		HealthProbeInterval: mustDuration("RUNNER_HEALTH_PROBE_INTERVAL", 5*time.Second),
		HealthProbeTimeout:  mustDuration("RUNNER_HEALTH_PROBE_TIMEOUT", 2*time.Second),

		QuarantineThreshold: getenvInt("RUNNER_QUARANTINE_THRESHOLD", 10),

		ShutdownDrain: mustDuration("RUNNER_SHUTDOWN_DRAIN", 5*time.Second),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
