package config

import (
	"fmt"
	"net/url"

	"github.com/tendant/tenant-idm/pkg/store"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// StoreConfig selects the document store backend.
type StoreConfig struct {
	Backend string `env:"STORE_BACKEND" env-default:"memory"`
	// Migrate runs the embedded goose migrations at startup.
	Migrate bool `env:"STORE_MIGRATE" env-default:"true"`
}

// DatabaseConfig holds PostgreSQL database configuration
type DatabaseConfig struct {
	Host     string `env:"IDM_PG_HOST" env-default:"localhost"`
	Port     uint16 `env:"IDM_PG_PORT" env-default:"5432"`
	Database string `env:"IDM_PG_DATABASE" env-default:"idm_db"`
	User     string `env:"IDM_PG_USER" env-default:"idm"`
	Password string `env:"IDM_PG_PASSWORD" env-default:"pwd"`
	Schema   string `env:"IDM_PG_SCHEMA" env-default:"public"`
}

// ToDatabaseURL converts the config to a PostgreSQL connection URL
func (d DatabaseConfig) ToDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.Database,
		RawQuery: "sslmode=disable&search_path=" + d.Schema + ",public",
	}
	return u.String()
}

// RedisConfig holds the Redis backend connection.
type RedisConfig struct {
	Addr      string `env:"REDIS_ADDR" env-default:"localhost:6379"`
	Username  string `env:"REDIS_USERNAME"`
	Password  string `env:"REDIS_PASSWORD"`
	DB        int    `env:"REDIS_DB" env-default:"0"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX" env-default:"idm"`
}

// ToStoreConfig converts the config to a store.RedisConfig.
func (r RedisConfig) ToStoreConfig() store.RedisConfig {
	return store.RedisConfig{
		Addr:      r.Addr,
		Username:  r.Username,
		Password:  r.Password,
		DB:        r.DB,
		KeyPrefix: r.KeyPrefix,
	}
}
