package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port        int
	AppEnv      string
	LogLevel    string
	DatabaseURL string
	NatsURL     string
	NatsToken   string

	AuthUsername       string
	AuthPassword       string
	AuthPasswordHash   string
	TokenSecret        string
	TokenExpireMinutes int

	AllowDemoRoutes bool

	DeepseekAPIKey  string
	DeepseekBaseURL string

	WasenderBaseURL      string
	WasenderAPIKey       string
	WasenderSessionID    string
	WasenderWebhookToken string
	WasenderSyncEnabled  bool
	WasenderSyncPageSize int
	WasenderSyncMaxPages int
	WasenderPushOutbound bool
	WasenderTimeoutSecs  int

	SLAFirstReplyMinutes      int
	SLAOverdueNewMinutes      int
	SLAOverdueFollowUpMinutes int

	AutoSeedOnStartup bool
}

func Load() Config {
	return Config{
		Port:        envInt("CONTROLTOWER_PORT", 8760),
		AppEnv:      strings.ToLower(envStr("APP_ENV", "development")),
		LogLevel:    envStr("LOG_LEVEL", "info"),
		DatabaseURL: envStr("DATABASE_URL", ""),
		NatsURL:     envStr("NATS_URL", ""),
		NatsToken:   envStr("NATS_TOKEN", ""),

		AuthUsername:       envStr("APP_AUTH_USERNAME", "admin"),
		AuthPassword:       envStr("APP_AUTH_PASSWORD", "change-me-now"),
		AuthPasswordHash:   envStr("APP_AUTH_PASSWORD_HASH", ""),
		TokenSecret:        envStr("TOKEN_SECRET_KEY", "replace-this-secret"),
		TokenExpireMinutes: envInt("ACCESS_TOKEN_EXPIRE_MINUTES", 480),

		AllowDemoRoutes: envBool("ALLOW_DEMO_ROUTES", false),

		DeepseekAPIKey:  envStr("DEEPSEEK_API_KEY", ""),
		DeepseekBaseURL: envStr("DEEPSEEK_BASE_URL", "https://api.deepseek.com"),

		WasenderBaseURL:      envStr("WASENDER_BASE_URL", "https://www.wasenderapi.com"),
		WasenderAPIKey:       envStr("WASENDER_API_KEY", ""),
		WasenderSessionID:    envStr("WASENDER_SESSION_ID", ""),
		WasenderWebhookToken: envStr("WASENDER_WEBHOOK_TOKEN", ""),
		WasenderSyncEnabled:  envBool("WASENDER_SYNC_ENABLED", true),
		WasenderSyncPageSize: envInt("WASENDER_SYNC_PAGE_SIZE", 100),
		WasenderSyncMaxPages: envInt("WASENDER_SYNC_MAX_PAGES", 3),
		WasenderPushOutbound: envBool("WASENDER_PUSH_OUTBOUND", true),
		WasenderTimeoutSecs:  envInt("WASENDER_TIMEOUT_SECONDS", 20),

		SLAFirstReplyMinutes:      envInt("SLA_FIRST_REPLY_MINUTES", 10),
		SLAOverdueNewMinutes:      envInt("SLA_OVERDUE_NEW_MINUTES", 15),
		SLAOverdueFollowUpMinutes: envInt("SLA_OVERDUE_FOLLOW_UP_MINUTES", 60),

		AutoSeedOnStartup: envBool("AUTO_SEED_ON_STARTUP", false),
	}
}

// ValidateProduction refuses to run with default credentials outside of
// development.
func (c Config) ValidateProduction() error {
	if c.AppEnv != "production" {
		return nil
	}
	if c.AuthPassword == "change-me-now" && c.AuthPasswordHash == "" {
		return fmt.Errorf("APP_AUTH_PASSWORD must be changed in production")
	}
	if c.TokenSecret == "replace-this-secret" {
		return fmt.Errorf("TOKEN_SECRET_KEY must be configured in production")
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
