package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config is the complete service configuration.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`

	HTTP      HTTPConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWKS      JWKSConfig
	JWT       JWTConfig
	Session   SessionConfig
	Login     LoginConfig
	Account   AccountConfig
	Email     EmailConfig
	External  ExternalProviderConfig
	OAuth2    OAuth2Config
	Owner     OwnerConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
	Prefix    PrefixConfig
}

// HTTPConfig describes how the service is reached.
type HTTPConfig struct {
	// BaseURL is the public URL and token issuer.
	BaseURL string `env:"BASE_URL" env-default:"http://localhost:4000"`
	// LoginURL is the sign-in page users are sent to when a flow needs
	// them to authenticate. Relative URLs resolve against BaseURL.
	LoginURL string `env:"LOGIN_URL" env-default:"/login"`
	// CORSOrigins are allowed in addition to every application's origins.
	CORSOrigins []string `env:"CORS_ALLOWED_ORIGINS" env-separator:","`
}

// Load reads the .env file next to the executable or in the working
// directory, if any, then the environment.
func Load() (Config, error) {
	loadEnvFile()
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadEnvFile() {
	candidates := []string{}
	if execPath, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(execPath), ".env"))
	}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, ".env"))
	}
	for _, envFile := range candidates {
		if _, err := os.Stat(envFile); err != nil {
			continue
		}
		slog.Info("Loading configuration from .env file", "path", envFile)
		if err := godotenv.Load(envFile); err != nil {
			slog.Warn("Failed to load .env file", "error", err)
		}
		return
	}
	slog.Debug("No .env file found (using environment variables or defaults)")
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AbsoluteLoginURL resolves LoginURL against BaseURL.
func (c HTTPConfig) AbsoluteLoginURL() string {
	if strings.HasPrefix(c.LoginURL, "http://") || strings.HasPrefix(c.LoginURL, "https://") {
		return c.LoginURL
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(c.LoginURL, "/")
}

// TracingConfig enables OTLP export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string  `env:"OTEL_SERVICE_NAME" env-default:"tenant-idm"`
	SampleRatio float64 `env:"OTEL_TRACES_SAMPLER_RATIO" env-default:"1"`
}
