package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets in the file.
const (
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
	EnvAdminSecret   = "ADMIN_JWT_SECRET"
	EnvDatabaseURL   = "DATABASE_URL"
	EnvRedisURL      = "REDIS_URL"
)

// LoadEnv loads a dotenv file into the process environment without
// overriding variables that are already set. An explicit path must exist;
// the default ".env" is optional.
func LoadEnv(path string) error {
	if strings.TrimSpace(path) != "" {
		return godotenv.Load(path)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// applyEnv copies secrets from the environment into cfg.
func applyEnv(cfg *Config) {
	if v := getenv(EnvTelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := getenv(EnvAdminSecret); v != "" {
		cfg.Admin.JWTSecret = v
	}
	if v := getenv(EnvDatabaseURL); v != "" {
		cfg.Storage.DSN = v
	}
	if v := getenv(EnvRedisURL); v != "" {
		cfg.Storage.Redis.Addr = v
	}
}

func getenv(key string) string { return strings.TrimSpace(os.Getenv(key)) }
