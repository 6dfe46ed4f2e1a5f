package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoad_DefaultsWhenUnset(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "dsr.db", cfg.DBPath)
	assert.Equal(t, 5, cfg.PollIntervalS)
	assert.Equal(t, "dsr", cfg.DockerNetwork)
	assert.Equal(t, 10, cfg.GatewayTimeoutS)
	assert.Equal(t, 2, cfg.FailThreshold)
	assert.Equal(t, "docker", cfg.Engine)
	assert.False(t, cfg.EnableEmail)
	assert.False(t, cfg.AllowExternalTargets)
}

func TestLoad_ReadsOverridesFromEnvironment(t *testing.T) {
	t.Setenv("DSR_DB_PATH", "/tmp/custom.db")
	t.Setenv("DSR_POLL_INTERVAL_S", "30")
	t.Setenv("DSR_ENGINE", "containerd")
	t.Setenv("DSR_ENABLE_EMAIL", "yes")
	t.Setenv("DSR_ALLOW_EXTERNAL_TARGETS", "true")

	cfg := Load()
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, 30, cfg.PollIntervalS)
	assert.Equal(t, "containerd", cfg.Engine)
	assert.True(t, cfg.EnableEmail)
	assert.True(t, cfg.AllowExternalTargets)
}

func TestEnvInt_FallsBackToDefaultOnBadValue(t *testing.T) {
	t.Setenv("DSR_POLL_INTERVAL_S", "not-a-number")
	cfg := Load()
	assert.Equal(t, 5, cfg.PollIntervalS)
}

