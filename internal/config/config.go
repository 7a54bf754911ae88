package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Sheets   SheetsConfig   `yaml:"sheets"`
	Cache    CacheConfig    `yaml:"cache"`
	Sync     SyncConfig     `yaml:"sync"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns the listen address in host:port form
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds the destination Postgres configuration
type DatabaseConfig struct {
	URL                 string `yaml:"url"`
	MaxOpenConns        int    `yaml:"max_open_conns"`
	MaxIdleConns        int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMins int    `yaml:"conn_max_lifetime_mins"`
}

// ConnMaxLifetime returns the configured lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMins) * time.Minute
}

// RedisConfig holds the optional Redis tier configuration
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SheetsConfig holds spreadsheet source API configuration
type SheetsConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	RefreshToken   string `yaml:"refresh_token"`
	TokenURL       string `yaml:"token_url"`
}

// Timeout returns the configured timeout as a duration
func (c SheetsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheConfig holds the in-process cache tier configuration
type CacheConfig struct {
	TTLMinutes   int `yaml:"ttl_minutes"`
	Capacity     int `yaml:"capacity"`
	SweepMinutes int `yaml:"sweep_minutes"`
}

// TTL returns the configured entry lifetime as a duration
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// SweepInterval returns the configured sweep cadence as a duration
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepMinutes) * time.Minute
}

// SyncConfig holds pipeline tuning knobs
type SyncConfig struct {
	ChunkSize   int `yaml:"chunk_size"`
	Parallelism int `yaml:"parallelism"`
	MaxRetries  int `yaml:"max_retries"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"http://localhost:5173"}
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMins == 0 {
		cfg.Database.ConnMaxLifetimeMins = 30
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Sheets.BaseURL == "" {
		cfg.Sheets.BaseURL = "https://sheets.googleapis.com/v4"
	}
	if cfg.Sheets.TimeoutSeconds == 0 {
		cfg.Sheets.TimeoutSeconds = 45
	}
	if cfg.Sheets.TokenURL == "" {
		cfg.Sheets.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if cfg.Cache.TTLMinutes == 0 {
		cfg.Cache.TTLMinutes = 360
	}
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = 10000
	}
	if cfg.Cache.SweepMinutes == 0 {
		cfg.Cache.SweepMinutes = 5
	}
	if cfg.Sync.ChunkSize == 0 {
		cfg.Sync.ChunkSize = 1000
	}
	if cfg.Sync.Parallelism == 0 {
		cfg.Sync.Parallelism = 2
	}
	if cfg.Sync.MaxRetries == 0 {
		cfg.Sync.MaxRetries = 3
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env
// vars, so secrets can live in .env locally and in real env vars in
// deployment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SHEETS_BASE_URL"); v != "" {
		cfg.Sheets.BaseURL = v
	}
	if v := os.Getenv("SHEETS_CLIENT_ID"); v != "" {
		cfg.Sheets.ClientID = v
	}
	if v := os.Getenv("SHEETS_CLIENT_SECRET"); v != "" {
		cfg.Sheets.ClientSecret = v
	}
	if v := os.Getenv("SHEETS_REFRESH_TOKEN"); v != "" {
		cfg.Sheets.RefreshToken = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	return cfg, nil
}
