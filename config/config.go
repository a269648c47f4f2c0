package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr string
	Env  string

	DBDriver    string // "sqlite" or "postgres"
	DBPath      string
	DatabaseURL string

	JWTSecret   string
	TokenTTL    time.Duration
	RequireAuth bool

	AllowedOrigins []string
	MaxMessageSize int64
	SendBuffer     int
	WriteTimeout   time.Duration
	PongWait       time.Duration // 0 disables the transport read deadline
	PingInterval   time.Duration

	// Per-connection frame limit.
	FrameRate  float64
	FrameBurst int

	NameCacheSize int
	ControlSocket string
}

// Load reads configuration from environment variables, loading a .env file
// first when one is present.
func Load() *Config {
	_ = godotenv.Load()

	cfg := Default()

	if v := os.Getenv("RELAYCHAT_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("RELAYCHAT_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("RELAYCHAT_DB_DRIVER"); v != "" {
		cfg.DBDriver = strings.ToLower(v)
	}
	if v := os.Getenv("RELAYCHAT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("RELAYCHAT_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("RELAYCHAT_TOKEN_TTL"); v != "" {
		cfg.TokenTTL = parseDuration(v, cfg.TokenTTL)
	}
	if v := os.Getenv("RELAYCHAT_REQUIRE_AUTH"); v != "" {
		cfg.RequireAuth = parseBool(v, cfg.RequireAuth)
	}
	if v := os.Getenv("RELAYCHAT_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = parseList(v)
	}
	if v := os.Getenv("RELAYCHAT_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil && size > 0 {
			cfg.MaxMessageSize = size
		}
	}
	if v := os.Getenv("RELAYCHAT_SEND_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SendBuffer = n
		}
	}
	if v := os.Getenv("RELAYCHAT_WRITE_TIMEOUT"); v != "" {
		cfg.WriteTimeout = parseDuration(v, cfg.WriteTimeout)
	}
	if v := os.Getenv("RELAYCHAT_PONG_WAIT"); v != "" {
		cfg.PongWait = parseDuration(v, cfg.PongWait)
	}
	if v := os.Getenv("RELAYCHAT_PING_INTERVAL"); v != "" {
		cfg.PingInterval = parseDuration(v, cfg.PingInterval)
	}
	if v := os.Getenv("RELAYCHAT_FRAME_RATE"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r > 0 {
			cfg.FrameRate = r
		}
	}
	if v := os.Getenv("RELAYCHAT_FRAME_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.FrameBurst = n
		}
	}
	if v := os.Getenv("RELAYCHAT_NAME_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.NameCacheSize = n
		}
	}
	if v, ok := os.LookupEnv("RELAYCHAT_CONTROL_SOCKET"); ok {
		cfg.ControlSocket = v
	}

	return cfg
}

// Default returns the configuration used when no environment overrides are set.
func Default() *Config {
	return &Config{
		Addr:           ":3000",
		Env:            "development",
		DBDriver:       "sqlite",
		DBPath:         "relaychat.db",
		JWTSecret:      "dev-secret-change-me",
		TokenTTL:       24 * time.Hour,
		AllowedOrigins: []string{"http://localhost:3000"},
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   54 * time.Second,
		FrameRate:      20,
		FrameBurst:     40,
		NameCacheSize:  1024,
		ControlSocket:  "/tmp/relaychat.sock",
	}
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			return errors.New("config: sqlite driver requires RELAYCHAT_DB_PATH")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("config: postgres driver requires DATABASE_URL")
		}
	default:
		return errors.New("config: unknown database driver " + strconv.Quote(c.DBDriver))
	}
	if c.JWTSecret == "" {
		return errors.New("config: RELAYCHAT_JWT_SECRET must not be empty")
	}
	if c.PongWait > 0 && c.PingInterval >= c.PongWait {
		return errors.New("config: ping interval must be shorter than pong wait")
	}
	if c.Env == "production" && c.JWTSecret == Default().JWTSecret {
		return errors.New("config: default JWT secret is not allowed in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return d
	}
	// Bare integers are seconds.
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func parseBool(value string, fallback bool) bool {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return fallback
}

func parseList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
