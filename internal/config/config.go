package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix             = "LIFELINE"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabaseDriver = DriverSQLite
	defaultDatabasePath   = "lifeline.db"
	defaultLogLevel       = "info"
	defaultCookieName     = "lifeline_session"
	defaultSessionIssuer  = "lifeline-auth"
	defaultRetentionDays  = 3
	defaultRetentionZone  = "UTC"
	defaultSendBuffer     = 64
	defaultSMTPPort       = 587
	defaultAlertsQueue    = "alerts"
	defaultAlertsWorkers  = 4
)

// Supported database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabaseDriver       string
	DatabasePath         string
	DatabaseDSN          string
	LogLevel             string
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	SessionAudience      string
	RetentionDays        int
	RetentionLocation    *time.Location
	AllowedOrigins       []string
	SendBuffer           int
	SMTP                 SMTPConfig
	Alerts               AlertsConfig
}

// SMTPConfig describes the outbound mail relay. An empty host disables SMTP.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Enabled reports whether a relay is configured.
func (c SMTPConfig) Enabled() bool {
	return strings.TrimSpace(c.Host) != ""
}

// AlertsConfig describes the optional redis-backed email queue.
type AlertsConfig struct {
	RedisURL    string
	Queue       string
	Concurrency int
}

// Queued reports whether alert emails go through the queue.
func (c AlertsConfig) Queued() bool {
	return strings.TrimSpace(c.RedisURL) != ""
}

// LoadDotEnv loads KEY=value pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.signing_secret", "")
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.audience", "")
	configViper.SetDefault("retention.days", defaultRetentionDays)
	configViper.SetDefault("retention.timezone", defaultRetentionZone)
	configViper.SetDefault("cors.allowed_origins", []string{"*"})
	configViper.SetDefault("ws.send_buffer", defaultSendBuffer)
	configViper.SetDefault("smtp.host", "")
	configViper.SetDefault("smtp.port", defaultSMTPPort)
	configViper.SetDefault("smtp.username", "")
	configViper.SetDefault("smtp.password", "")
	configViper.SetDefault("smtp.from", "")
	configViper.SetDefault("alerts.redis_url", "")
	configViper.SetDefault("alerts.queue", defaultAlertsQueue)
	configViper.SetDefault("alerts.concurrency", defaultAlertsWorkers)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		SessionAudience:      strings.TrimSpace(configViper.GetString("session.audience")),
		RetentionDays:        configViper.GetInt("retention.days"),
		AllowedOrigins:       splitList(configViper.GetStringSlice("cors.allowed_origins")),
		SendBuffer:           configViper.GetInt("ws.send_buffer"),
		SMTP: SMTPConfig{
			Host:     configViper.GetString("smtp.host"),
			Port:     configViper.GetInt("smtp.port"),
			Username: configViper.GetString("smtp.username"),
			Password: configViper.GetString("smtp.password"),
			From:     configViper.GetString("smtp.from"),
		},
		Alerts: AlertsConfig{
			RedisURL:    configViper.GetString("alerts.redis_url"),
			Queue:       configViper.GetString("alerts.queue"),
			Concurrency: configViper.GetInt("alerts.concurrency"),
		},
	}

	location, err := time.LoadLocation(strings.TrimSpace(configViper.GetString("retention.timezone")))
	if err != nil {
		return AppConfig{}, fmt.Errorf("retention.timezone: %w", err)
	}
	cfg.RetentionLocation = location

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("session.issuer is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverMySQL:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for mysql")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention.days must be positive")
	}
	if c.SMTP.Enabled() && strings.TrimSpace(c.SMTP.From) == "" {
		return fmt.Errorf("smtp.from is required when smtp.host is set")
	}
	return nil
}

// splitList accepts both list values and comma separated env strings.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
