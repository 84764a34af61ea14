package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (POSSYNC_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (POSSYNC_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	// CredentialKey is the hex-encoded 32-byte key that encrypts POS
	// credential secrets at rest.
	CredentialKey string `usage:"Hex-encoded 32-byte credential encryption key (POSSYNC_CREDENTIAL_KEY)" flag:"credential-key"`
	POS           POSConfig
	Webhook       WebhookConfig
	RateLimit     RateLimitConfig
	CORS          CORSConfig
	Graceful      GracefulConfig
}

// POSConfig controls the outbound POS client.
type POSConfig struct {
	BaseURL string        `usage:"Base URL of the POS API (POSSYNC_POS_BASE_URL)" flag:"pos-base-url"`
	Timeout time.Duration `default:"30s" usage:"Timeout for a single POS call" flag:"pos-timeout"`
	// CredentialCacheTTL bounds how long decrypted credentials are served
	// from memory before re-reading the store.
	CredentialCacheTTL time.Duration `default:"5m" usage:"TTL for the in-memory credential cache" flag:"credential-cache-ttl"`
}

// WebhookConfig controls inbound callback processing.
type WebhookConfig struct {
	QueueSize int `default:"256" usage:"Deferred reconciliation queue capacity" flag:"webhook-queue-size"`
	Workers   int `default:"4" usage:"Reconciliation worker goroutines" flag:"webhook-workers"`
	// DedupSeed is how many recent event ids are loaded into the in-memory
	// dedup index at startup.
	DedupSeed int `default:"10000" usage:"Recent event ids preloaded into the dedup index" flag:"webhook-dedup-seed"`
	// SweepInterval is how often journaled receipts stuck at "received" are
	// reloaded and re-applied.
	SweepInterval time.Duration `default:"1m" usage:"Interval for re-applying journaled but unprocessed events" flag:"webhook-sweep-interval"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "POSSYNC",
		Files:     []string{"config.yaml", "/etc/possync/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set POSSYNC_DATABASE_URL or DATABASE_URL")
	}
	if cfg.CredentialKey == "" {
		return nil, errors.New("credential key is required: set POSSYNC_CREDENTIAL_KEY")
	}
	if cfg.POS.BaseURL == "" {
		return nil, errors.New("POS base URL is required: set POSSYNC_POS_BASE_URL")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's POSSYNC_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
