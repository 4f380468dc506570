package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Calendar   CalendarConfig   `yaml:"calendar"`
	Booking    BookingConfig    `yaml:"booking"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Feed       FeedConfig       `yaml:"feed"`
}

// AppConfig identifies the primary-store namespace.
type AppConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	CacheTTLSeconds int      `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogQueries             bool   `yaml:"log_queries"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

// CalendarConfig configures the shared calendar mirror.
type CalendarConfig struct {
	Disabled        bool   `yaml:"disabled"`
	CalendarID      string `yaml:"calendar_id"`
	CredentialsFile string `yaml:"credentials_file"`
	Location        string `yaml:"location"`
	Endpoint        string `yaml:"endpoint"`
}

// BookingConfig holds the business constants of the studio.
type BookingConfig struct {
	RoomRate        int64  `yaml:"room_rate"`
	DefaultTimeZone string `yaml:"default_time_zone"`
}

// ReconcilerConfig holds the configuration for the calendar mirror reconciler.
type ReconcilerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"`
	Workers         int           `yaml:"workers"`
	BatchSize       int           `yaml:"batch_size"`
	BaseBackoffSecs int           `yaml:"base_backoff_seconds"`
	MaxBackoffSecs  int           `yaml:"max_backoff_seconds"`
	BaseBackoff     time.Duration `yaml:"-"`
	MaxBackoff      time.Duration `yaml:"-"`
}

// FeedConfig selects the change feed transport. An empty RedisURL keeps the
// feed in-process.
type FeedConfig struct {
	RedisURL string `yaml:"redis_url"`
}

// Load reads the configuration from the given path, overlays environment
// variables (including a .env file when present) and applies defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("could not read .env file: %v", err)
	}

	var cfg Config
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		log.Printf("config file %s not found; relying on environment", path)
	default:
		return nil, err
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.App.ID, "STUDIO_APP_ID")
	setString(&cfg.Database.DSN, "DATABASE_DSN")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Calendar.CalendarID, "GOOGLE_CALENDAR_ID")
	setString(&cfg.Calendar.CredentialsFile, "GOOGLE_CALENDAR_CREDENTIALS")
	setString(&cfg.Feed.RedisURL, "REDIS_URL")

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		} else {
			log.Printf("ignoring invalid PORT %q", v)
		}
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, o)
			}
		}
	}
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 30
	}

	if cfg.Booking.RoomRate <= 0 {
		cfg.Booking.RoomRate = 200000
	}
	if cfg.Booking.DefaultTimeZone == "" {
		cfg.Booking.DefaultTimeZone = "Asia/Jakarta"
	}

	if cfg.Calendar.Location == "" {
		cfg.Calendar.Location = "DJ Studio"
	}

	if cfg.Reconciler.IntervalSeconds <= 0 {
		cfg.Reconciler.IntervalSeconds = 30
	}
	cfg.Reconciler.Interval = time.Duration(cfg.Reconciler.IntervalSeconds) * time.Second
	if cfg.Reconciler.Workers <= 0 {
		log.Printf("reconciler.workers is not set or invalid; defaulting to 1")
		cfg.Reconciler.Workers = 1
	}
	if cfg.Reconciler.BatchSize <= 0 {
		cfg.Reconciler.BatchSize = 50
	}
	if cfg.Reconciler.BaseBackoffSecs <= 0 {
		cfg.Reconciler.BaseBackoffSecs = 30
	}
	if cfg.Reconciler.MaxBackoffSecs <= 0 {
		cfg.Reconciler.MaxBackoffSecs = 3600
	}
	cfg.Reconciler.BaseBackoff = time.Duration(cfg.Reconciler.BaseBackoffSecs) * time.Second
	cfg.Reconciler.MaxBackoff = time.Duration(cfg.Reconciler.MaxBackoffSecs) * time.Second
}

// Validate reports every missing required setting in one error.
func (c *Config) Validate() error {
	var missing []string
	if c.App.ID == "" {
		missing = append(missing, "app.id (STUDIO_APP_ID)")
	}
	if c.Database.DSN == "" {
		missing = append(missing, "database.dsn (DATABASE_DSN)")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "auth.jwt_secret (JWT_SECRET)")
	}
	if !c.Calendar.Disabled {
		if c.Calendar.CalendarID == "" {
			missing = append(missing, "calendar.calendar_id (GOOGLE_CALENDAR_ID)")
		}
		if c.Calendar.CredentialsFile == "" {
			missing = append(missing, "calendar.credentials_file (GOOGLE_CALENDAR_CREDENTIALS)")
		}
	}
	if len(c.Server.AllowedOrigins) == 0 {
		missing = append(missing, "server.allowed_origins (CORS_ALLOWED_ORIGINS)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		missing = append(missing, "server.port (PORT)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if _, err := time.LoadLocation(c.Booking.DefaultTimeZone); err != nil {
		return fmt.Errorf("booking.default_time_zone %q: %w", c.Booking.DefaultTimeZone, err)
	}
	return nil
}
