// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// TimeOfDay is a local wall-clock time boundary (no date, no timezone).
type TimeOfDay struct {
	Hour   int
	Minute int
}

// Minutes returns the boundary as minutes after midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// String formats the boundary as HH:MM.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// MarketHoursConfig holds the market timezone and the four daily boundaries.
// Boundaries must be strictly ordered:
// pre-market start < market open < market close < post-market end.
type MarketHoursConfig struct {
	Timezone       string
	PreMarketStart TimeOfDay
	MarketOpen     TimeOfDay
	MarketClose    TimeOfDay
	PostMarketEnd  TimeOfDay
}

// BackupConfig holds snapshot/offsite backup settings.
type BackupConfig struct {
	Enabled     bool
	Dir         string // Local snapshot directory (defaults to <DataDir>/backups)
	KeepLocal   int    // Number of local snapshots to retain
	S3Enabled   bool
	S3Endpoint  string // S3-compatible endpoint (R2, MinIO, AWS)
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
}

// Config holds application configuration
type Config struct {
	DataDir        string // Base directory for the cache database and snapshots
	Port           int
	LogLevel       string
	DevMode        bool
	CachingEnabled bool // When false, Put is a no-op and Get always misses

	MarketHours MarketHoursConfig

	// TTLOverrides maps data type -> session bucket -> TTL minutes.
	// Parsed from CACHE_TTL_OVERRIDES ("type.bucket=minutes,...").
	TTLOverrides map[string]map[string]int

	// MaxAgeOverrides maps data type -> absolute max age in hours.
	// Parsed from CACHE_MAX_AGE_OVERRIDES ("type=hours,...").
	MaxAgeOverrides map[string]int

	Backup BackupConfig
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("MARKETCACHE_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	marketHours, err := loadMarketHours()
	if err != nil {
		return nil, err
	}

	ttlOverrides, err := parseTTLOverrides(getEnv("CACHE_TTL_OVERRIDES", ""))
	if err != nil {
		return nil, err
	}

	maxAgeOverrides, err := parseMaxAgeOverrides(getEnv("CACHE_MAX_AGE_OVERRIDES", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:         absDataDir,
		Port:            getEnvAsInt("MARKETCACHE_PORT", 8010),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DevMode:         getEnvAsBool("DEV_MODE", false),
		CachingEnabled:  getEnvAsBool("CACHE_ENABLED", true),
		MarketHours:     marketHours,
		TTLOverrides:    ttlOverrides,
		MaxAgeOverrides: maxAgeOverrides,
		Backup:          loadBackupConfig(absDataDir),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and consistent
func (c *Config) Validate() error {
	mh := c.MarketHours
	boundaries := []TimeOfDay{mh.PreMarketStart, mh.MarketOpen, mh.MarketClose, mh.PostMarketEnd}
	for i := 1; i < len(boundaries); i++ {
		if boundaries[i-1].Minutes() >= boundaries[i].Minutes() {
			return fmt.Errorf("market hour boundaries must be strictly ordered: %s >= %s",
				boundaries[i-1], boundaries[i])
		}
	}
	return nil
}

// loadMarketHours reads the market timezone and daily boundaries.
// Defaults match US equity markets (America/New_York).
func loadMarketHours() (MarketHoursConfig, error) {
	cfg := MarketHoursConfig{
		Timezone: getEnv("MARKET_TIMEZONE", "America/New_York"),
	}

	var err error
	if cfg.PreMarketStart, err = parseTimeOfDay(getEnv("MARKET_PRE_OPEN", "04:00")); err != nil {
		return cfg, fmt.Errorf("invalid MARKET_PRE_OPEN: %w", err)
	}
	if cfg.MarketOpen, err = parseTimeOfDay(getEnv("MARKET_OPEN", "09:30")); err != nil {
		return cfg, fmt.Errorf("invalid MARKET_OPEN: %w", err)
	}
	if cfg.MarketClose, err = parseTimeOfDay(getEnv("MARKET_CLOSE", "16:00")); err != nil {
		return cfg, fmt.Errorf("invalid MARKET_CLOSE: %w", err)
	}
	if cfg.PostMarketEnd, err = parseTimeOfDay(getEnv("MARKET_POST_CLOSE", "20:00")); err != nil {
		return cfg, fmt.Errorf("invalid MARKET_POST_CLOSE: %w", err)
	}

	return cfg, nil
}

func loadBackupConfig(dataDir string) BackupConfig {
	return BackupConfig{
		Enabled:     getEnvAsBool("BACKUP_ENABLED", false),
		Dir:         getEnv("BACKUP_DIR", filepath.Join(dataDir, "backups")),
		KeepLocal:   getEnvAsInt("BACKUP_KEEP_LOCAL", 7),
		S3Enabled:   getEnvAsBool("BACKUP_S3_ENABLED", false),
		S3Endpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
		S3Region:    getEnv("BACKUP_S3_REGION", "auto"),
		S3Bucket:    getEnv("BACKUP_S3_BUCKET", ""),
		S3AccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),
	}
}

// parseTimeOfDay parses an "HH:MM" boundary.
func parseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("expected HH:MM, got %q", s)
	}

	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}

	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}

	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// parseTTLOverrides parses "data_type.bucket=minutes" pairs separated by commas.
// Example: "stock_data.market_hours=5,processed_news.weekend=720"
// A malformed entry is a configuration error and fails startup.
func parseTTLOverrides(raw string) (map[string]map[string]int, error) {
	overrides := make(map[string]map[string]int)
	if strings.TrimSpace(raw) == "" {
		return overrides, nil
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		keyVal := strings.SplitN(pair, "=", 2)
		if len(keyVal) != 2 {
			return nil, fmt.Errorf("malformed TTL override %q: expected type.bucket=minutes", pair)
		}

		typeBucket := strings.SplitN(keyVal[0], ".", 2)
		if len(typeBucket) != 2 || typeBucket[0] == "" || typeBucket[1] == "" {
			return nil, fmt.Errorf("malformed TTL override key %q: expected type.bucket", keyVal[0])
		}

		minutes, err := strconv.Atoi(strings.TrimSpace(keyVal[1]))
		if err != nil || minutes <= 0 {
			return nil, fmt.Errorf("malformed TTL override value %q: expected positive minutes", keyVal[1])
		}

		dataType := strings.TrimSpace(typeBucket[0])
		bucket := strings.TrimSpace(typeBucket[1])
		if overrides[dataType] == nil {
			overrides[dataType] = make(map[string]int)
		}
		overrides[dataType][bucket] = minutes
	}

	return overrides, nil
}

// parseMaxAgeOverrides parses "data_type=hours" pairs separated by commas.
func parseMaxAgeOverrides(raw string) (map[string]int, error) {
	overrides := make(map[string]int)
	if strings.TrimSpace(raw) == "" {
		return overrides, nil
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		keyVal := strings.SplitN(pair, "=", 2)
		if len(keyVal) != 2 || strings.TrimSpace(keyVal[0]) == "" {
			return nil, fmt.Errorf("malformed max-age override %q: expected type=hours", pair)
		}

		hours, err := strconv.Atoi(strings.TrimSpace(keyVal[1]))
		if err != nil || hours <= 0 {
			return nil, fmt.Errorf("malformed max-age override value %q: expected positive hours", keyVal[1])
		}

		overrides[strings.TrimSpace(keyVal[0])] = hours
	}

	return overrides, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
