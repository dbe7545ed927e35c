package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/uma-arai/sbcntr-lending/internal/common/database"
	"gopkg.in/yaml.v3"
)

// 通知の送信方式
const (
	NotifierModeLog    = "log"
	NotifierModeSES    = "ses"
	NotifierModeOutbox = "outbox"
)

type Config struct {
	Env string
	DB  database.Config
	SFN struct {
		TaskToken string
	}
	HTTP struct {
		Addr string
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
		CartTTL  time.Duration
	}
	Auth struct {
		AccessTokenSecret string
	}
	Notifier struct {
		Mode string
		From string
		// AdminRecipients は全通知に BCC される管理者の配信リストです
		AdminRecipients []string
	}
	Reminder struct {
		TimeOfDay string
		Location  *time.Location
	}
	EnableTracing bool
}

// fileConfig は LENDING_CONFIG_FILE で指定されるYAMLの構造です
type fileConfig struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Notifier struct {
		Mode            string   `yaml:"mode"`
		From            string   `yaml:"from"`
		AdminRecipients []string `yaml:"admin_recipients"`
	} `yaml:"notifier"`
	Reminder struct {
		TimeOfDay string `yaml:"time_of_day"`
		Timezone  string `yaml:"timezone"`
	} `yaml:"reminder"`
	Redis struct {
		Addr    string `yaml:"addr"`
		CartTTL string `yaml:"cart_ttl"`
	} `yaml:"redis"`
}

// IsLocal は ENV=LOCAL の場合に true を返します
func (c *Config) IsLocal() bool {
	return c.Env == "LOCAL"
}

// LoadConfig は設定を読み込みます
// 優先順位は 環境変数 > YAMLファイル > デフォルト値 です
func LoadConfig(taskToken string) (*Config, error) {
	// .envがあれば読み込む(存在しない場合は無視)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env file: %v", err)
	}

	var file fileConfig
	if path := os.Getenv("LENDING_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Env: os.Getenv("ENV"),
		DB: database.Config{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getEnvAsIntOrDefault("DB_PORT", 5432),
			UserName: getEnvOrDefault("DB_USERNAME", "sbcntrapp"),
			Password: getEnvOrDefault("DB_PASSWORD", "password"),
			DBName:   getEnvOrDefault("DB_NAME", "sbcntrapp"),
		},
		EnableTracing: false,
	}
	cfg.SFN.TaskToken = taskToken
	cfg.HTTP.Addr = getEnvOrDefault("HTTP_ADDR", firstNonEmpty(file.HTTP.Addr, ":8080"))
	cfg.Redis.Addr = getEnvOrDefault("REDIS_ADDR", firstNonEmpty(file.Redis.Addr, "localhost:6379"))
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Redis.DB = getEnvAsIntOrDefault("REDIS_DB", 0)
	cfg.Auth.AccessTokenSecret = os.Getenv("ACCESS_TOKEN_SECRET")
	cfg.Notifier.Mode = strings.ToLower(getEnvOrDefault("NOTIFIER_MODE", firstNonEmpty(file.Notifier.Mode, NotifierModeLog)))
	cfg.Notifier.From = getEnvOrDefault("NOTIFIER_FROM", firstNonEmpty(file.Notifier.From, "lending@example.com"))
	cfg.Notifier.AdminRecipients = file.Notifier.AdminRecipients
	if v := os.Getenv("ADMIN_RECIPIENTS"); v != "" {
		cfg.Notifier.AdminRecipients = splitList(v)
	}
	cfg.Reminder.TimeOfDay = getEnvOrDefault("REMINDER_TIME", firstNonEmpty(file.Reminder.TimeOfDay, "08:00"))

	ttl, err := time.ParseDuration(getEnvOrDefault("CART_TTL", firstNonEmpty(file.Redis.CartTTL, "72h")))
	if err != nil {
		return nil, fmt.Errorf("invalid CART_TTL: %w", err)
	}
	cfg.Redis.CartTTL = ttl

	loc, err := time.LoadLocation(getEnvOrDefault("REMINDER_TIMEZONE", firstNonEmpty(file.Reminder.Timezone, "UTC")))
	if err != nil {
		return nil, fmt.Errorf("invalid REMINDER_TIMEZONE: %w", err)
	}
	cfg.Reminder.Location = loc

	switch cfg.Notifier.Mode {
	case NotifierModeLog, NotifierModeSES, NotifierModeOutbox:
	default:
		return nil, fmt.Errorf("unknown NOTIFIER_MODE: %s", cfg.Notifier.Mode)
	}

	// 環境変数[SBCNTR_ENABLE_TRACING]を見てトレースを有効にする。対応しているTracingはAWS_XRAYのみ。
	// 環境変数[AWS_XRAY_SDK_DISABLED]がtrueの場合は必ずトレースを無効にする。
	enableKey := os.Getenv("SBCNTR_ENABLE_TRACING")
	if !sdkDisabled() && (strings.ToLower(enableKey) == "true" || enableKey == "1") {
		os.Setenv("AWS_XRAY_SDK_DISABLED", "FALSE")
		cfg.EnableTracing = true
	} else {
		os.Setenv("AWS_XRAY_SDK_DISABLED", "TRUE")
		cfg.EnableTracing = false
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	log.Printf("Environment variable %s is not set, using default value", key)
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Check if SDK is disabled
func sdkDisabled() bool {
	disableKey := os.Getenv("AWS_XRAY_SDK_DISABLED")
	return strings.ToLower(disableKey) == "true"
}
