package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DBDriver    string `mapstructure:"DB_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	JWTSigningKey   string   `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer       string   `mapstructure:"JWT_ISSUER"`
	PrivilegedRoles []string `mapstructure:"PRIVILEGED_ROLES"`
	StaffRoles      []string `mapstructure:"STAFF_ROLES"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	WebhookMaxBody string   `mapstructure:"WEBHOOK_MAX_BODY"`

	WhatsAppAppSecret    string `mapstructure:"WHATSAPP_APP_SECRET"`
	WhatsAppVerifyToken  string `mapstructure:"WHATSAPP_VERIFY_TOKEN"`
	MessengerAppSecret   string `mapstructure:"MESSENGER_APP_SECRET"`
	MessengerVerifyToken string `mapstructure:"MESSENGER_VERIFY_TOKEN"`
	MessengerPageToken   string `mapstructure:"MESSENGER_PAGE_TOKEN"`
	InstagramAppSecret   string `mapstructure:"INSTAGRAM_APP_SECRET"`
	InstagramVerifyToken string `mapstructure:"INSTAGRAM_VERIFY_TOKEN"`
	InstagramPageToken   string `mapstructure:"INSTAGRAM_PAGE_TOKEN"`

	GraphAPIURL  string        `mapstructure:"GRAPH_API_URL"`
	GraphTimeout time.Duration `mapstructure:"GRAPH_TIMEOUT"`

	TaskConcurrency int           `mapstructure:"TASK_CONCURRENCY"`
	TaskTimeout     time.Duration `mapstructure:"TASK_TIMEOUT"`

	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`

	LeadNotifyRoles   []string `mapstructure:"LEAD_NOTIFY_ROLES"`
	LeadDefaultMotive string   `mapstructure:"LEAD_DEFAULT_MOTIVE"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DB_DRIVER", "DATABASE_URL", "SQLITE_PATH", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"JWT_SIGNING_KEY", "JWT_ISSUER", "PRIVILEGED_ROLES", "STAFF_ROLES",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "WEBHOOK_MAX_BODY",
	"WHATSAPP_APP_SECRET", "WHATSAPP_VERIFY_TOKEN",
	"MESSENGER_APP_SECRET", "MESSENGER_VERIFY_TOKEN", "MESSENGER_PAGE_TOKEN",
	"INSTAGRAM_APP_SECRET", "INSTAGRAM_VERIFY_TOKEN", "INSTAGRAM_PAGE_TOKEN",
	"GRAPH_API_URL", "GRAPH_TIMEOUT",
	"TASK_CONCURRENCY", "TASK_TIMEOUT",
	"AMQP_URL", "AMQP_EXCHANGE",
	"LEAD_NOTIFY_ROLES", "LEAD_DEFAULT_MOTIVE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("SQLITE_PATH", "./data/omnihub.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("PRIVILEGED_ROLES", "admin")
	v.SetDefault("STAFF_ROLES", "admin,reception,sales,physician")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("WEBHOOK_MAX_BODY", "1M")
	v.SetDefault("GRAPH_API_URL", "https://graph.facebook.com/v19.0")
	v.SetDefault("GRAPH_TIMEOUT", "10s")
	v.SetDefault("TASK_CONCURRENCY", 32)
	v.SetDefault("TASK_TIMEOUT", "30s")
	v.SetDefault("AMQP_EXCHANGE", "clinic.notifications")
	v.SetDefault("LEAD_NOTIFY_ROLES", "admin,reception")
	v.SetDefault("LEAD_DEFAULT_MOTIVE", "Inbound message")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated env values arrive as a single element.
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.PrivilegedRoles = splitList(v.GetString("PRIVILEGED_ROLES"))
	cfg.StaffRoles = splitList(v.GetString("STAFF_ROLES"))
	cfg.LeadNotifyRoles = splitList(v.GetString("LEAD_NOTIFY_ROLES"))

	if cfg.DBDriver == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.JWTSigningKey == "" {
		log.Println("WARNING: JWT_SIGNING_KEY is empty; API and realtime authentication will reject every token.")
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a signing key of at least 32 bytes is required, and every provider that has
// a verify token configured must also have an app secret, otherwise its
// deliveries could never be authenticated.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER is \"postgres\"")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when DB_DRIVER is \"sqlite\"")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be \"postgres\" or \"sqlite\", got %q", c.DBDriver)
	}

	if !c.IsDev() && len(c.JWTSigningKey) < 32 {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 bytes outside development (ENV=%q)", c.Env)
	}

	providers := []struct {
		name, token, secret string
	}{
		{"WHATSAPP", c.WhatsAppVerifyToken, c.WhatsAppAppSecret},
		{"MESSENGER", c.MessengerVerifyToken, c.MessengerAppSecret},
		{"INSTAGRAM", c.InstagramVerifyToken, c.InstagramAppSecret},
	}
	for _, p := range providers {
		if p.token != "" && p.secret == "" {
			return fmt.Errorf("%s_APP_SECRET is required when %s_VERIFY_TOKEN is set", p.name, p.name)
		}
	}

	if c.TaskConcurrency <= 0 {
		return fmt.Errorf("TASK_CONCURRENCY must be positive, got %d", c.TaskConcurrency)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("TASK_TIMEOUT must be positive, got %s", c.TaskTimeout)
	}

	return nil
}
