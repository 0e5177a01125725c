package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// envOverrides are the settings that may come from the environment. Secrets
// belong here rather than in the config file.
type envOverrides struct {
	Addr          string `env:"IACNOTIFY_ADDR"`
	LogLevel      string `env:"IACNOTIFY_LOG_LEVEL"`
	StorageDriver string `env:"IACNOTIFY_STORAGE_DRIVER"`
	StorageDSN    string `env:"IACNOTIFY_STORAGE_DSN"`
	SMTPPassword  string `env:"IACNOTIFY_SMTP_PASSWORD"`
	TelegramToken string `env:"IACNOTIFY_TELEGRAM_TOKEN"`
	WebhookSecret string `env:"IACNOTIFY_WEBHOOK_SECRET"`
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. Variables already set are left alone.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays non-empty environment overrides onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.Addr, o.Addr)
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Storage.Driver, o.StorageDriver)
	set(&cfg.Storage.DSN, o.StorageDSN)
	set(&cfg.SMTP.Password, o.SMTPPassword)
	set(&cfg.Telegram.Token, o.TelegramToken)
	set(&cfg.Webhook.SigningSecret, o.WebhookSecret)
	return nil
}
