// Package config assembles the process configuration from the environment.
// One Config value is built at boot and passed to each component
// constructor; nothing reads the environment after Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/threadpulse-io/threadpulse/internal/breaker"
	"github.com/threadpulse-io/threadpulse/internal/retry"
)

// Role names. Each role is one process; the coordinator drives the rest.
const (
	RoleCoordinator = "coordinator"
	RoleRetrieval   = "retrieval"
	RoleFilter      = "filter"
	RoleSummarise   = "summarise"
	RoleAlert       = "alert"
)

// defaultPorts assigns each role its conventional listen port.
var defaultPorts = map[string]int{
	RoleCoordinator: 8000,
	RoleRetrieval:   8001,
	RoleFilter:      8002,
	RoleSummarise:   8003,
	RoleAlert:       8004,
}

// Config is the full process configuration.
type Config struct {
	Role    string
	Port    int
	BaseURL string // externally reachable base URL for registry entries

	// Persistence.
	DBDriver  string // "sqlite" or "postgres"
	DBDSN     string
	SecretKey string // 32 bytes, encrypts settings values at rest

	// Registry.
	RegistryURL string // redis address, host:port
	RegistryTTL time.Duration

	// Protocol.
	APIKey string

	// Monitoring pipeline.
	Topics             []string
	IntervalHours      int
	Cron               string // optional, overrides IntervalHours when set
	RelevanceThreshold float64
	KeywordWeight      float64
	SemanticWeight     float64
	BatchMaxItems      int

	// Platform and LLM credentials.
	PlatformBaseURL   string
	PlatformToken     string
	PlatformRateLimit int // requests per minute
	LLMBaseURL        string
	LLMToken          string
	LLMModel          string
	LLMEmbedModel     string
	LLMTokenLimit     int

	// Alert channels.
	SlackWebhookURL string
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	WebhookURL      string
	WebhookSecret   string
	AlertRecipients []string

	Retry    retry.Config
	Breakers map[string]breaker.Config

	LogLevel string
}

// Load reads the configuration for the given role. A .env file in the
// working directory is merged in first (real environment wins), matching
// local development workflow.
func Load(role string) (*Config, error) {
	_ = godotenv.Load()

	port, ok := defaultPorts[role]
	if !ok {
		return nil, fmt.Errorf("config: unknown role %q", role)
	}
	port = envInt("PORT", port)

	cfg := &Config{
		Role:    role,
		Port:    port,
		BaseURL: envOrDefault("BASE_URL", fmt.Sprintf("http://localhost:%d", port)),

		DBDriver:  envOrDefault("DATABASE_DRIVER", "sqlite"),
		DBDSN:     envOrDefault("DATABASE_URL", "./threadpulse.db"),
		SecretKey: os.Getenv("SECRET_KEY"),

		RegistryURL: envOrDefault("REGISTRY_URL", "localhost:6379"),
		RegistryTTL: envDuration("SERVICE_DISCOVERY_TTL", 30*time.Second),

		APIKey: os.Getenv("A2A_API_KEY"),

		Topics:             splitList(os.Getenv("MONITORING_TOPICS")),
		IntervalHours:      envInt("MONITORING_INTERVAL_HOURS", 4),
		Cron:               os.Getenv("MONITORING_CRON"),
		RelevanceThreshold: envFloat("RELEVANCE_THRESHOLD", 0.7),
		KeywordWeight:      envFloat("KEYWORD_WEIGHT", 0.4),
		SemanticWeight:     envFloat("SEMANTIC_WEIGHT", 0.6),
		BatchMaxItems:      envInt("BATCH_MAX_ITEMS", 20),

		PlatformBaseURL:   envOrDefault("PLATFORM_BASE_URL", "https://oauth.reddit.com"),
		PlatformToken:     os.Getenv("PLATFORM_TOKEN"),
		PlatformRateLimit: envInt("PLATFORM_RATE_LIMIT", 100),
		LLMBaseURL:        os.Getenv("LLM_BASE_URL"),
		LLMToken:          os.Getenv("LLM_TOKEN"),
		LLMModel:          envOrDefault("LLM_MODEL", "claude-sonnet"),
		LLMEmbedModel:     envOrDefault("LLM_EMBED_MODEL", "text-embedding-3-small"),
		LLMTokenLimit:     envInt("LLM_TOKEN_LIMIT", 8000),

		SlackWebhookURL: os.Getenv("SLACK_WEBHOOK_URL"),
		SMTPHost:        os.Getenv("SMTP_HOST"),
		SMTPPort:        envInt("SMTP_PORT", 587),
		SMTPUsername:    os.Getenv("SMTP_USERNAME"),
		SMTPPassword:    os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:        os.Getenv("SMTP_FROM"),
		WebhookURL:      os.Getenv("WEBHOOK_URL"),
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		AlertRecipients: splitList(os.Getenv("ALERT_RECIPIENTS")),

		Retry: retry.Config{
			MaxAttempts: envInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   envDuration("RETRY_BASE_DELAY", time.Second),
			MaxDelay:    envDuration("RETRY_MAX_DELAY", 30*time.Second),
			Factor:      envFloat("RETRY_FACTOR", 2),
		},

		Breakers: breakerDefaults(),

		LogLevel: envOrDefault("LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("config: A2A_API_KEY is required")
	}
	if c.SecretKey != "" && len(c.SecretKey) != 32 {
		return fmt.Errorf("config: SECRET_KEY must be exactly 32 bytes, got %d", len(c.SecretKey))
	}
	if c.DBDriver != "sqlite" && c.DBDriver != "postgres" {
		return fmt.Errorf("config: DATABASE_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.RelevanceThreshold < 0 || c.RelevanceThreshold > 1 {
		return fmt.Errorf("config: RELEVANCE_THRESHOLD must be in [0,1], got %v", c.RelevanceThreshold)
	}
	if c.Cron != "" {
		if _, err := cron.ParseStandard(c.Cron); err != nil {
			return fmt.Errorf("config: MONITORING_CRON is not a valid cron expression: %w", err)
		}
	}
	if c.Role == RoleCoordinator && len(c.Topics) == 0 {
		return fmt.Errorf("config: MONITORING_TOPICS is required for the coordinator")
	}
	return nil
}

// breakerDefaults builds the per-dependency breaker configs from the
// environment, falling back to the documented defaults. Dependency names are
// upper-snaked for the env prefix: BREAKER_LLM_API_FAILURE_THRESHOLD etc.
func breakerDefaults() map[string]breaker.Config {
	deps := map[string]breaker.Config{
		"reddit-api": {FailureThreshold: 5, SuccessThreshold: 2, RecoveryTimeout: 60 * time.Second, CallTimeout: 30 * time.Second, HalfOpenMaxConcurrent: 3},
		"llm-api":    {FailureThreshold: 3, SuccessThreshold: 2, RecoveryTimeout: 120 * time.Second, CallTimeout: 30 * time.Second, HalfOpenMaxConcurrent: 3},
		"database":   {FailureThreshold: 5, SuccessThreshold: 1, RecoveryTimeout: 30 * time.Second, CallTimeout: 10 * time.Second, HalfOpenMaxConcurrent: 5},
	}
	for role := range defaultPorts {
		deps["peer:"+role] = breaker.Config{
			FailureThreshold:      5,
			SuccessThreshold:      2,
			RecoveryTimeout:       60 * time.Second,
			CallTimeout:           90 * time.Second,
			HalfOpenMaxConcurrent: 3,
		}
	}

	for name, cfg := range deps {
		prefix := "BREAKER_" + strings.ToUpper(strings.NewReplacer("-", "_", ":", "_").Replace(name)) + "_"
		cfg.FailureThreshold = envInt(prefix+"FAILURE_THRESHOLD", cfg.FailureThreshold)
		cfg.SuccessThreshold = envInt(prefix+"SUCCESS_THRESHOLD", cfg.SuccessThreshold)
		cfg.RecoveryTimeout = envDuration(prefix+"RECOVERY_TIMEOUT", cfg.RecoveryTimeout)
		cfg.CallTimeout = envDuration(prefix+"CALL_TIMEOUT", cfg.CallTimeout)
		cfg.HalfOpenMaxConcurrent = envInt(prefix+"HALF_OPEN_MAX_CONCURRENT", cfg.HalfOpenMaxConcurrent)
		deps[name] = cfg
	}
	return deps
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
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
