package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MinSecretLength is the smallest accepted signing secret, in bytes.
const MinSecretLength = 32

// Config aggregates runtime configuration for the service. It is built once
// by Load and passed by pointer into constructors; nothing mutates it later.
type Config struct {
	App       AppConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Logger    LoggerConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
	// CORSOrigins lists the browser origins allowed to send credentials.
	CORSOrigins []string
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
	QueryTimeout   time.Duration
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level   string
	Service string
	// Format is "json" or "console".
	Format string
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	JWTSecret         string
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	BcryptCost        int
	RefreshCookieName string
	CookiePath        string
	CookieDomain      string
	CookieSecure      bool
}

// RateLimitConfig selects the limiter backend and per-bucket quotas.
type RateLimitConfig struct {
	Backend        string
	LoginMax       int
	LoginWindow    time.Duration
	RegisterMax    int
	RegisterWindow time.Duration
	APIMax         int
	APIWindow      time.Duration
}

// Load reads configuration from environment variables, applying defaults
// where possible. Malformed numbers, malformed durations or a short signing
// secret are errors.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	var errs []error
	duration := func(key, fallback string) time.Duration {
		d, err := ParseDuration(getEnv(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return d
	}
	integer := func(key string, fallback int) int {
		n, err := getEnvAsInt(key, fallback)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return n
	}

	appEnv := getEnv("APP_ENV", "development")

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "auth-service"),
			Env:                   appEnv,
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "4000"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: integer("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
			CORSOrigins:           splitList(getEnv("CORS_ORIGIN", "http://localhost:5173")),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(integer("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(integer("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(integer("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(integer("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
			QueryTimeout:   duration("POSTGRES_QUERY_TIMEOUT", "5s"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level:   getEnv("LOG_LEVEL", "info"),
			Service: getEnv("APP_NAME", "auth-service"),
			Format:  getEnv("LOG_FORMAT", "json"),
		},
		Auth: AuthConfig{
			JWTSecret:         os.Getenv("JWT_SECRET"),
			AccessTokenTTL:    duration("JWT_EXPIRE", "15m"),
			RefreshTokenTTL:   duration("JWT_REFRESH_EXPIRE", "7d"),
			BcryptCost:        integer("AUTH_BCRYPT_COST", 12),
			RefreshCookieName: getEnv("AUTH_REFRESH_COOKIE_NAME", "refresh_token"),
			CookiePath:        getEnv("AUTH_COOKIE_PATH", "/"),
			CookieDomain:      os.Getenv("AUTH_COOKIE_DOMAIN"),
			CookieSecure:      getEnvAsBool("AUTH_COOKIE_SECURE", appEnv == "production"),
		},
		RateLimit: RateLimitConfig{
			Backend:        getEnv("RATE_LIMIT_BACKEND", "memory"),
			LoginMax:       integer("RATE_LIMIT_LOGIN_MAX", 5),
			LoginWindow:    duration("RATE_LIMIT_LOGIN_WINDOW", "15m"),
			RegisterMax:    integer("RATE_LIMIT_REGISTER_MAX", 5),
			RegisterWindow: duration("RATE_LIMIT_REGISTER_WINDOW", "15m"),
			APIMax:         integer("RATE_LIMIT_API_MAX", 100),
			APIWindow:      duration("RATE_LIMIT_API_WINDOW", "15m"),
		},
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that must hold before the service starts.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Auth.JWTSecret) < MinSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d bytes", MinSecretLength))
	}
	if c.Auth.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("JWT_EXPIRE must be positive"))
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_EXPIRE must be longer than JWT_EXPIRE"))
	}
	switch c.Logger.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.Logger.Format))
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimit.Backend))
	}
	quotas := []struct {
		name   string
		max    int
		window time.Duration
	}{
		{"LOGIN", c.RateLimit.LoginMax, c.RateLimit.LoginWindow},
		{"REGISTER", c.RateLimit.RegisterMax, c.RateLimit.RegisterWindow},
		{"API", c.RateLimit.APIMax, c.RateLimit.APIWindow},
	}
	for _, q := range quotas {
		if q.max <= 0 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_%s_MAX must be positive", q.name))
		}
		if q.window <= 0 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_%s_WINDOW must be positive", q.name))
		}
	}
	for _, origin := range c.App.CORSOrigins {
		if origin == "*" {
			errs = append(errs, errors.New("CORS_ORIGIN cannot be a wildcard when credentials are allowed"))
		}
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether internal error details may be exposed.
func (a AppConfig) IsDevelopment() bool {
	return a.Env == "development"
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// ParseDuration extends time.ParseDuration with a whole-day suffix ("7d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("malformed duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return d, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) (int, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	return strconv.Atoi(val)
}

func splitList(val string) []string {
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
