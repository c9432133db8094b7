package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Environment        string   `yaml:"environment"`
	ServerPort         int      `yaml:"server_port"`
	LogLevel           string   `yaml:"log_level"`
	DBDriver           string   `yaml:"db_driver"`
	DatabaseURL        string   `yaml:"database_url"`
	RedisURL           string   `yaml:"redis_url"`
	JWTSecret          string   `yaml:"jwt_secret"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	FacilityTimezone   string   `yaml:"facility_timezone"`

	CollaboratorTimeoutMS     int `yaml:"collaborator_timeout_ms"`
	MembershipCacheTTLSeconds int `yaml:"membership_cache_ttl_seconds"`

	// AuditChainKey is hex encoded and must decode to 32 bytes.
	AuditChainKey string `yaml:"audit_chain_key"`

	RetentionDays            int    `yaml:"retention_days"`
	RetentionIntervalMinutes int    `yaml:"retention_interval_minutes"`
	ArchiveDir               string `yaml:"archive_dir"`

	// DoorBridgeURL empty selects the simulated hardware controller.
	DoorBridgeURL    string `yaml:"door_bridge_url"`
	ProximityMinRSSI int    `yaml:"proximity_min_rssi"`

	SuspiciousWindowMinutes int `yaml:"suspicious_window_minutes"`
	SuspiciousThreshold     int `yaml:"suspicious_threshold"`
	RateLimitPerMinute      int `yaml:"rate_limit_per_minute"`

	SeedFile string `yaml:"seed_file"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Environment:               "development",
		ServerPort:                8080,
		LogLevel:                  "info",
		DBDriver:                  "sqlite",
		DatabaseURL:               "./data/facilityaccess.db",
		CORSAllowedOrigins:        []string{"http://localhost:5173", "http://localhost:3000"},
		FacilityTimezone:          "UTC",
		CollaboratorTimeoutMS:     2000,
		MembershipCacheTTLSeconds: 60,
		RetentionDays:             365,
		RetentionIntervalMinutes:  60,
		ProximityMinRSSI:          -80,
		SuspiciousWindowMinutes:   30,
		SuspiciousThreshold:       5,
		RateLimitPerMinute:        100,
	}
}

// Load reads CONFIG_FILE (YAML) when set and then applies environment
// variables on top.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read CONFIG_FILE: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse CONFIG_FILE: %w", err)
		}
	}

	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.DBDriver = getEnv("DB_DRIVER", cfg.DBDriver)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.CORSAllowedOrigins = parseCSVEnv("CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.FacilityTimezone = getEnv("FACILITY_TIMEZONE", cfg.FacilityTimezone)
	cfg.AuditChainKey = getEnv("AUDIT_CHAIN_KEY", cfg.AuditChainKey)
	cfg.ArchiveDir = getEnv("ARCHIVE_DIR", cfg.ArchiveDir)
	cfg.DoorBridgeURL = getEnv("DOOR_BRIDGE_URL", cfg.DoorBridgeURL)
	cfg.SeedFile = getEnv("SEED_FILE", cfg.SeedFile)

	ints := []struct {
		key string
		dst *int
	}{
		{"SERVER_PORT", &cfg.ServerPort},
		{"COLLABORATOR_TIMEOUT_MS", &cfg.CollaboratorTimeoutMS},
		{"MEMBERSHIP_CACHE_TTL_SECONDS", &cfg.MembershipCacheTTLSeconds},
		{"RETENTION_DAYS", &cfg.RetentionDays},
		{"RETENTION_INTERVAL_MINUTES", &cfg.RetentionIntervalMinutes},
		{"PROXIMITY_MIN_RSSI", &cfg.ProximityMinRSSI},
		{"SUSPICIOUS_WINDOW_MINUTES", &cfg.SuspiciousWindowMinutes},
		{"SUSPICIOUS_THRESHOLD", &cfg.SuspiciousThreshold},
		{"RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute},
	}
	for _, f := range ints {
		v, err := getIntEnv(f.key, *f.dst)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "pgx", "mysql", "sqlite":
	default:
		return fmt.Errorf("invalid DB_DRIVER %q", c.DBDriver)
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid SERVER_PORT: %d", c.ServerPort)
	}
	if c.CollaboratorTimeoutMS <= 0 {
		return fmt.Errorf("COLLABORATOR_TIMEOUT_MS must be positive")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("RETENTION_DAYS must not be negative")
	}
	if c.ProximityMinRSSI > 0 || c.ProximityMinRSSI < -127 {
		return fmt.Errorf("PROXIMITY_MIN_RSSI must be between -127 and 0")
	}
	if c.AuditChainKey != "" {
		if _, err := c.ChainKey(); err != nil {
			return err
		}
	}
	if !c.IsDevelopment() {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required outside development")
		}
		if c.AuditChainKey == "" {
			return fmt.Errorf("AUDIT_CHAIN_KEY is required outside development")
		}
	}
	return nil
}

// ChainKey decodes AuditChainKey.
func (c *Config) ChainKey() ([]byte, error) {
	key, err := hex.DecodeString(c.AuditChainKey)
	if err != nil {
		return nil, fmt.Errorf("invalid AUDIT_CHAIN_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid AUDIT_CHAIN_KEY: want 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func parseCSVEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
