// Package config provides configuration management for the Hawk gateway.
// Loads settings from environment variables and .env files with validation and defaults.
// Supports credentials from the environment, a key file or the SQLite key database.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Credential sources.
const (
	SourceEnv    = "env"
	SourceFile   = "file"
	SourceSQLite = "sqlite"
)

// Replay backends.
const (
	ReplayMemory  = "memory"
	ReplaySQLite  = "sqlite"
	ReplayLevelDB = "leveldb"
)

// Config holds all configuration settings for the gateway and the signing client.
type Config struct {
	// Server Configuration
	Host     string // HTTP bind host address
	Port     string // HTTP bind port
	GRPCAddr string // gRPC listen address, empty disables the gRPC server

	// Authentication
	AuthScheme         string // Authorization scheme name
	ClockSkewSeconds   int    // Maximum allowed time difference for request timestamps
	SendChallenge      bool   // Whether rejections carry a WWW-Authenticate challenge
	NTPHost            string // Clock reference advertised in challenges
	RequirePayloadHash bool   // Reject requests with a body but no "hash" attribute
	MaxBodyBytes       int64  // Largest request body accepted

	// Credentials
	CredentialSource    string // env, file or sqlite
	CredentialsFile     string // YAML or TOML key file for the file source
	DatabasePath        string // SQLite database for the sqlite source and replay backend
	KeyID               string // Key identifier for the env source and the client
	Secret              string // Secret for the env source and the client
	Algorithm           string // MAC algorithm for the env source and the client
	CredentialCacheSize int    // LRU entries, 0 disables caching
	CredentialCacheTTL  int    // Seconds a cached credential stays valid

	// Replay Protection
	ReplayProtection   bool   // Reject reused nonces of authenticated requests
	ReplayBackend      string // memory, sqlite or leveldb
	ReplayLevelDBPath  string // LevelDB directory for the leveldb backend
	NonceCapacity      int    // Nonces remembered per key
	NonceRetentionSecs int    // How long nonces are remembered, at least twice the clock skew

	// Abuse Protection
	FailedAuthPerMinute int // Rejected requests per client per minute before throttling, 0 disables
	FailedAuthBurst     int // Burst of rejected requests allowed per client

	// Reverse Proxy
	TrustProxyHeaders bool // Honour X-Forwarded-Proto, X-Forwarded-For and X-Real-IP

	// Delegated Verification
	TrustedVerifyCallers []string // Key ids that receive rejection reasons from /v1/verify

	// Observability
	MetricsEnabled bool   // Serve Prometheus metrics on /metrics
	LogLevel       string // Log level (debug, info, warn, error)
	LogDir         string // Directory for rotated log files, empty logs to console only

	// Client Configuration
	TargetURL string // Base URL the signing client talks to
}

// Load reads configuration from environment variables and .env file.
// Returns a validated configuration instance.
// Automatically loads .env file if present, with environment variables taking precedence.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if file doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Host:     getEnv("HAWKD_HOST", "0.0.0.0"),
		Port:     getEnv("HAWKD_PORT", "8080"),
		GRPCAddr: getEnv("HAWKD_GRPC_ADDR", ""),

		AuthScheme:         getEnv("AUTH_SCHEME", "Hawk"),
		ClockSkewSeconds:   getEnvAsInt("CLOCK_SKEW_SECONDS", 60),
		SendChallenge:      getEnvAsBool("SEND_CHALLENGE", true),
		NTPHost:            getEnv("NTP_HOST", "pool.ntp.org"),
		RequirePayloadHash: getEnvAsBool("REQUIRE_PAYLOAD_HASH", false),
		MaxBodyBytes:       int64(getEnvAsInt("MAX_BODY_BYTES", 1<<20)),

		CredentialSource:    strings.ToLower(getEnv("CREDENTIAL_SOURCE", SourceEnv)),
		CredentialsFile:     getEnv("CREDENTIALS_FILE", "credentials.yaml"),
		DatabasePath:        getEnv("DB_PATH", "hawkd.db"),
		KeyID:               getEnv("HAWK_KEY_ID", ""),
		Secret:              getEnv("HAWK_SECRET", ""),
		Algorithm:           getEnv("HAWK_ALGORITHM", "sha256"),
		CredentialCacheSize: getEnvAsInt("CREDENTIAL_CACHE_SIZE", 1024),
		CredentialCacheTTL:  getEnvAsInt("CREDENTIAL_CACHE_TTL_SECONDS", 300),

		ReplayProtection:   getEnvAsBool("REPLAY_PROTECTION", true),
		ReplayBackend:      strings.ToLower(getEnv("REPLAY_BACKEND", ReplayMemory)),
		ReplayLevelDBPath:  getEnv("REPLAY_LEVELDB_PATH", "data/nonces"),
		NonceCapacity:      getEnvAsInt("NONCE_CAPACITY", 10000),
		NonceRetentionSecs: getEnvAsInt("NONCE_RETENTION_SECONDS", 0),

		FailedAuthPerMinute: getEnvAsInt("FAILED_AUTH_PER_MINUTE", 60),
		FailedAuthBurst:     getEnvAsInt("FAILED_AUTH_BURST", 20),

		TrustProxyHeaders:    getEnvAsBool("TRUST_PROXY_HEADERS", false),
		TrustedVerifyCallers: getEnvAsList("TRUSTED_VERIFY_CALLERS"),

		MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogDir:         getEnv("LOG_DIR", ""),

		TargetURL: getEnv("HAWK_TARGET_URL", "http://localhost:8080"),
	}

	return config, config.validate()
}

// validate ensures configuration values are present and consistent.
func (c *Config) validate() error {
	if c.ClockSkewSeconds < 0 {
		return fmt.Errorf("CLOCK_SKEW_SECONDS must not be negative")
	}
	if strings.TrimSpace(c.AuthScheme) == "" || strings.ContainsAny(c.AuthScheme, " \t\"") {
		return fmt.Errorf("AUTH_SCHEME must be a single token")
	}

	switch c.CredentialSource {
	case SourceEnv:
		if c.KeyID == "" || c.Secret == "" {
			return fmt.Errorf("HAWK_KEY_ID and HAWK_SECRET must be set when CREDENTIAL_SOURCE=env")
		}
	case SourceFile:
		if c.CredentialsFile == "" {
			return fmt.Errorf("CREDENTIALS_FILE must be set when CREDENTIAL_SOURCE=file")
		}
	case SourceSQLite:
		if c.DatabasePath == "" {
			return fmt.Errorf("DB_PATH must be set when CREDENTIAL_SOURCE=sqlite")
		}
	default:
		return fmt.Errorf("CREDENTIAL_SOURCE must be one of env, file, sqlite")
	}

	if c.ReplayProtection {
		switch c.ReplayBackend {
		case ReplayMemory, ReplaySQLite:
		case ReplayLevelDB:
			if c.ReplayLevelDBPath == "" {
				return fmt.Errorf("REPLAY_LEVELDB_PATH must be set when REPLAY_BACKEND=leveldb")
			}
		default:
			return fmt.Errorf("REPLAY_BACKEND must be one of memory, sqlite, leveldb")
		}
		if c.NonceCapacity <= 0 {
			return fmt.Errorf("NONCE_CAPACITY must be positive")
		}
	}

	// A nonce must outlive every timestamp the engine would still accept
	if minRetention := 2 * c.ClockSkewSeconds; c.NonceRetentionSecs < minRetention {
		c.NonceRetentionSecs = minRetention
	}
	if c.CredentialCacheSize < 0 {
		c.CredentialCacheSize = 0
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}

	return nil
}

// GetHTTPAddr returns the complete address for the HTTP server.
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// GetClockSkew returns the clock skew tolerance as a time.Duration.
func (c *Config) GetClockSkew() time.Duration {
	return time.Duration(c.ClockSkewSeconds) * time.Second
}

// GetCacheTTL returns how long resolved credentials may be cached.
func (c *Config) GetCacheTTL() time.Duration {
	return time.Duration(c.CredentialCacheTTL) * time.Second
}

// GetNonceRetention returns how long nonces are remembered.
func (c *Config) GetNonceRetention() time.Duration {
	return time.Duration(c.NonceRetentionSecs) * time.Second
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as integer or returns a default.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma separated environment variable, dropping empty items.
func getEnvAsList(key string) []string {
	var items []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// getEnvAsBool retrieves an environment variable as boolean or returns a default.
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
