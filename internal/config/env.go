package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

const EnvPrefix = "VOICEFEEDBACK_"

// envOverrides are applied on top of the file on every (re)load. Empty values leave
// the file setting alone.
type envOverrides struct {
	LogLevel       string `env:"LOG_LEVEL"`
	Sink           string `env:"SINK"`
	TelegramToken  string `env:"TELEGRAM_TOKEN"`
	TelegramChatID int64  `env:"TELEGRAM_CHAT_ID"`
	StorageDriver  string `env:"STORAGE_DRIVER"`
	StoragePath    string `env:"STORAGE_PATH"`
	StatusToken    string `env:"STATUS_TOKEN"`
}

// ApplyEnv overlays VOICEFEEDBACK_* variables from the process environment.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, env.ToMap(os.Environ()))
}

func applyEnv(cfg *Config, environment map[string]string) error {
	if cfg == nil {
		return nil
	}
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{
		Prefix:      EnvPrefix,
		Environment: environment,
	}); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}

	if s := strings.TrimSpace(o.LogLevel); s != "" {
		cfg.Logging.Level = s
	}
	if s := strings.TrimSpace(o.Sink); s != "" {
		cfg.Sink.Driver = s
	}
	if s := strings.TrimSpace(o.TelegramToken); s != "" {
		cfg.Sink.Telegram.Token = s
	}
	if o.TelegramChatID != 0 {
		cfg.Sink.Telegram.ChatID = o.TelegramChatID
	}
	if s := strings.TrimSpace(o.StatusToken); s != "" {
		cfg.Status.Token = s
	}
	if o.StorageDriver != "" || o.StoragePath != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		if s := strings.TrimSpace(o.StorageDriver); s != "" {
			cfg.Storage.Driver = s
		}
		if s := strings.TrimSpace(o.StoragePath); s != "" {
			cfg.Storage.Path = s
		}
	}
	return nil
}
