package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Server    ServerConfig
	App       AppConfig
	Backend   BackendConfig
	Redis     RedisConfig
	SessionDB SessionDBConfig
	Realtime  RealtimeConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"127.0.0.1"`
	Port            int           `envconfig:"SERVER_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Name        string   `envconfig:"APP_NAME" default:"tecnocard-edge-agent"`
	Environment string   `envconfig:"APP_ENV" default:"development"`
	Debug       bool     `envconfig:"APP_DEBUG" default:"false"`
	Version     string   `envconfig:"APP_VERSION" default:"1.0.0"`
	UnlockKey   string   `envconfig:"UNLOCK_KEY" default:""`   // Staff scanner unlock key
	ScannerKeys []string `envconfig:"SCANNER_KEYS" default:""` // Static keys accepted when Redis is down
	LocalTokens []string `envconfig:"LOCAL_TOKENS" default:""` // Tokenized direct-entry tokens
}

// BackendConfig holds the remote loyalty backend settings.
type BackendConfig struct {
	BaseURL      string        `envconfig:"BACKEND_BASE_URL" required:"true"`
	APIKey       string        `envconfig:"BACKEND_API_KEY" default:""`
	Timeout      time.Duration `envconfig:"BACKEND_TIMEOUT" default:"10s"`
	RutCacheSize int           `envconfig:"BACKEND_RUT_CACHE_SIZE" default:"256"`
}

// RedisConfig holds Redis settings for realtime events and staff tokens.
type RedisConfig struct {
	Enabled  bool   `envconfig:"REDIS_ENABLED" default:"true"`
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// SessionDBConfig holds local session persistence settings.
type SessionDBConfig struct {
	Type string `envconfig:"SESSION_DB_TYPE" default:"sqlite"` // sqlite, mysql, or memory
	Path string `envconfig:"SESSION_DB_PATH" default:"./data/session.db"`
	// MySQL settings (fleet deployments sharing one server)
	Host     string `envconfig:"SESSION_DB_HOST" default:"localhost"`
	Port     int    `envconfig:"SESSION_DB_PORT" default:"3306"`
	Name     string `envconfig:"SESSION_DB_NAME" default:"tecnocard"`
	User     string `envconfig:"SESSION_DB_USER" default:"root"`
	Password string `envconfig:"SESSION_DB_PASS" default:""`
	Device   string `envconfig:"SESSION_DB_DEVICE" default:"kiosk-1"`
}

// RealtimeConfig holds invalidation settings.
type RealtimeConfig struct {
	ChannelPrefix string        `envconfig:"REALTIME_CHANNEL_PREFIX" default:"tecnocard"`
	PollInterval  time.Duration `envconfig:"REALTIME_POLL_INTERVAL" default:"5m"`
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisAddress returns the Redis address in host:port format.
func (r *RedisConfig) RedisAddress() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DSN returns the MySQL data source name.
func (s *SessionDBConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		s.User, s.Password, s.Host, s.Port, s.Name)
}

// IsDevelopment returns true if running in development mode.
func (a *AppConfig) IsDevelopment() bool {
	return a.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (a *AppConfig) IsProduction() bool {
	return a.Environment == "production"
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
