// Package config loads the gateway's runtime configuration from its
// GATEWAY_* environment surface, following the teacher's env-var-only
// singleton pattern (no config file parser).
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port int
	Host string
	Env  string // "development" or "production"

	// Auth surface, spec.md §4.8
	BearerToken         string
	HostedMode          bool
	CredentialMasterKey string

	// Session/transport limits, spec.md §3/§4.5/§4.6
	IdleTimeout           time.Duration
	RPCTimeout            time.Duration
	MaxConcurrentSessions int
	MaxMessageBytes       int
	RateLimitPerMin       int

	// Backend discovery
	BackendAutoDiscover bool
	AgentBinary         string

	// Interactive-login OIDC settings, consulted when a creation request's
	// auth.mode is "interactive" (spec.md §4.8, §9)
	OAuthIssuerURL    string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthRedirectURI  string

	// Data directories
	AppDataDir   string
	DatabasePath string

	// Debug settings
	DBLogQueries bool
	DebugModules string
}

var (
	cfg  *Config
	once sync.Once
)

// Get returns the global configuration (singleton).
func Get() *Config {
	once.Do(func() {
		cfg = load()
	})
	return cfg
}

func load() *Config {
	appDataDir := getEnv("GATEWAY_APP_DATA_DIR", "./.agentgateway")

	return &Config{
		Port: getEnvInt("GATEWAY_PORT", 8420),
		Host: getEnv("GATEWAY_HOST", "0.0.0.0"),
		Env:  getEnv("ENV", "development"),

		BearerToken:         getEnv("GATEWAY_BEARER_TOKEN", ""),
		HostedMode:          getEnv("GATEWAY_HOSTED_MODE", "") == "1",
		CredentialMasterKey: getEnv("GATEWAY_CREDENTIAL_MASTER_KEY", ""),

		IdleTimeout:           getEnvDuration("GATEWAY_IDLE_TIMEOUT", 30*time.Minute),
		RPCTimeout:            getEnvDuration("GATEWAY_RPC_TIMEOUT", 60*time.Second),
		MaxConcurrentSessions: getEnvInt("GATEWAY_MAX_CONCURRENT_SESSIONS", 50),
		MaxMessageBytes:       getEnvInt("GATEWAY_MAX_MESSAGE_BYTES", 10<<20),
		RateLimitPerMin:       getEnvInt("GATEWAY_RATE_LIMIT_PER_MIN", 120),

		BackendAutoDiscover: getEnv("GATEWAY_BACKEND_AUTO_DISCOVER", "1") == "1",
		AgentBinary:         getEnv("GATEWAY_AGENT_BINARY", "claude"),

		OAuthIssuerURL:    getEnv("GATEWAY_OAUTH_ISSUER_URL", ""),
		OAuthClientID:     getEnv("GATEWAY_OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnv("GATEWAY_OAUTH_CLIENT_SECRET", ""),
		OAuthRedirectURI:  getEnv("GATEWAY_OAUTH_REDIRECT_URI", ""),

		AppDataDir:   appDataDir,
		DatabasePath: getEnv("GATEWAY_DATABASE_PATH", filepath.Join(appDataDir, "gateway.sqlite")),

		DBLogQueries: getEnv("DB_LOG_QUERIES", "") == "1",
		DebugModules: getEnv("DEBUG", ""),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// GetAppDataDir returns the app data directory path.
func (c *Config) GetAppDataDir() string {
	return c.AppDataDir
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
