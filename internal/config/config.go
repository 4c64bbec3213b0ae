package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config aggregates application configuration values.
type Config struct {
	Addr    string
	DBPath  string
	Poll    time.Duration
	Workers int

	WebhookSecret string
	TeamEmail     string
	TemplateDir   string

	SMTP SMTPConfig

	ResponseDelay    time.Duration
	Nurturing2Delay  time.Duration
	Nurturing5Delay  time.Duration
	Nurturing7Delay  time.Duration
	WelcomeDelay     time.Duration
	TeamNotifyDelay  time.Duration
	MisfireGrace     time.Duration

	MaintenanceCron string
	RetentionDays   int
}

// SMTPConfig describes the outbound mail account.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

const (
	defaultAddr            = ":8080"
	defaultDBPath          = "gymflow.db"
	defaultPoll            = time.Second
	defaultWorkers         = 4
	defaultSMTPPort        = 587
	defaultMaintenanceCron = "0 3 * * *"
	defaultRetentionDays   = 90
)

// Load reads configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		Addr:          getEnv("ADDR", defaultAddr),
		DBPath:        getEnv("DB_PATH", defaultDBPath),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		TeamEmail:     getEnv("TEAM_EMAIL", "team@example.com"),
		TemplateDir:   getEnv("TEMPLATE_DIR", "templates/email"),
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "localhost"),
			User:     os.Getenv("SMTP_USER"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     getEnv("SMTP_FROM", "noreply@example.com"),
		},
		MaintenanceCron: getEnv("MAINTENANCE_CRON", defaultMaintenanceCron),
	}

	var err error
	if cfg.Poll, err = getDuration("POLL_INTERVAL", defaultPoll); err != nil {
		return Config{}, err
	}
	if cfg.Workers, err = getInt("WORKERS", defaultWorkers); err != nil {
		return Config{}, err
	}
	if cfg.SMTP.Port, err = getInt("SMTP_PORT", defaultSMTPPort); err != nil {
		return Config{}, err
	}
	if cfg.ResponseDelay, err = getDuration("RESPONSE_DELAY", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.Nurturing2Delay, err = getDuration("NURTURING_2_DELAY", 48*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.Nurturing5Delay, err = getDuration("NURTURING_5_DELAY", 120*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.Nurturing7Delay, err = getDuration("NURTURING_7_DELAY", 168*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.WelcomeDelay, err = getDuration("WELCOME_DELAY", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.TeamNotifyDelay, err = getDuration("TEAM_NOTIFY_DELAY", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.MisfireGrace, err = getDuration("MISFIRE_GRACE", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.RetentionDays, err = getInt("RETENTION_DAYS", defaultRetentionDays); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
