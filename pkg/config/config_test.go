package config_test

import (
	"testing"
	"time"

	"github.com/procurehq/vmp/pkg/config"
	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("EVIDENCE_STORAGE_TYPE", "")
	t.Setenv("EVIDENCE_BUCKET", "")
	t.Setenv("SESSION_TTL", "")
	t.Setenv("SLA_TICK_INTERVAL", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "fs", cfg.EvidenceStoreType)
	assert.Equal(t, "vmp-evidence", cfg.EvidenceBucket)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 15*time.Minute, cfg.SLATickInterval)
	assert.False(t, cfg.OTelEnabled)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/vmp")
	t.Setenv("EVIDENCE_STORAGE_TYPE", "s3")
	t.Setenv("EVIDENCE_S3_ENDPOINT", "http://minio:9000")
	t.Setenv("SESSION_TTL", "8h")
	t.Setenv("SLA_TICK_INTERVAL", "5m")
	t.Setenv("OTEL_ENABLED", "true")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/vmp", cfg.DatabaseURL)
	assert.Equal(t, "s3", cfg.EvidenceStoreType)
	assert.Equal(t, "http://minio:9000", cfg.EvidenceEndpoint)
	assert.Equal(t, 8*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 5*time.Minute, cfg.SLATickInterval)
	assert.True(t, cfg.OTelEnabled)
}

// TestLoad_BadDurationFallsBack verifies malformed durations do not take
// down the boot path.
func TestLoad_BadDurationFallsBack(t *testing.T) {
	t.Setenv("SLA_TICK_INTERVAL", "every so often")

	cfg := config.Load()
	assert.Equal(t, 15*time.Minute, cfg.SLATickInterval)
}
