package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, ".", cfg.ServicesRoot)
	assert.Equal(t, "127.0.0.1:14000", cfg.ListenAddr)
	assert.Equal(t, 10, cfg.QuarantineThreshold)
	assert.Equal(t, 5*time.Second, cfg.HealthProbeInterval)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RUNNER_QUARANTINE_THRESHOLD", "4")
	t.Setenv("RUNNER_LISTEN_ADDR", "0.0.0.0:9000")

	cfg := Load()
	assert.Equal(t, 4, cfg.QuarantineThreshold)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
}
