// Package config loads server configuration from the environment and the
// reconciliation policy profile from YAML.
package config

import (
	"os"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	DatabaseURL string

	// Redis backs the distributed rate limiter; empty means the
	// in-process fallback limiter is used.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Evidence object store.
	EvidenceStoreType string // "fs" (default), "s3", "gcs"
	EvidenceBucket    string
	EvidenceRegion    string
	EvidenceEndpoint  string // MinIO/LocalStack for s3
	EvidencePrefix    string
	DataDir           string // fs store root

	// BlobSigningKey signs local blob URLs when the fs store is active.
	BlobSigningKey string
	// PublicBaseURL prefixes locally signed blob URLs.
	PublicBaseURL string

	SessionCookieSecret string
	SessionTTL          time.Duration
	SessionCookieSecure bool

	// CORSOrigins is the browser origin allow-list; empty disables CORS
	// headers entirely (same-origin deployments).
	CORSOrigins []string

	NotifySinkURL   string
	SLATickInterval time.Duration

	PolicyProfilePath string

	OTLPEndpoint string
	OTelEnabled  bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:        envOr("PORT", "8080"),
		LogLevel:    envOr("LOG_LEVEL", "INFO"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       0,

		EvidenceStoreType: envOr("EVIDENCE_STORAGE_TYPE", "fs"),
		EvidenceBucket:    envOr("EVIDENCE_BUCKET", "vmp-evidence"),
		EvidenceRegion:    envOr("EVIDENCE_S3_REGION", envOr("AWS_REGION", "us-east-1")),
		EvidenceEndpoint:  os.Getenv("EVIDENCE_S3_ENDPOINT"),
		EvidencePrefix:    os.Getenv("EVIDENCE_PREFIX"),
		DataDir:           envOr("DATA_DIR", "data"),

		BlobSigningKey: os.Getenv("BLOB_SIGNING_KEY"),
		PublicBaseURL:  envOr("PUBLIC_BASE_URL", "http://localhost:8080"),

		SessionCookieSecret: os.Getenv("SESSION_COOKIE_SECRET"),
		SessionTTL:          durationOr("SESSION_TTL", 24*time.Hour),
		SessionCookieSecure: os.Getenv("SESSION_COOKIE_SECURE") == "true",

		CORSOrigins: splitList(os.Getenv("CORS_ORIGINS")),

		NotifySinkURL:   os.Getenv("NOTIFY_SINK_URL"),
		SLATickInterval: durationOr("SLA_TICK_INTERVAL", 15*time.Minute),

		PolicyProfilePath: os.Getenv("POLICY_PROFILE"),

		OTLPEndpoint: envOr("OTLP_ENDPOINT", "localhost:4317"),
		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
