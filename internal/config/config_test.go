package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabaseDriver != DriverSQLite || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.RetentionDays != 3 || cfg.RetentionLocation != time.UTC {
		t.Fatalf("unexpected retention defaults: %d %v", cfg.RetentionDays, cfg.RetentionLocation)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.SMTP.Enabled() || cfg.Alerts.Queued() {
		t.Fatalf("smtp and queue must be disabled by default")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("LIFELINE_SESSION_SIGNING_SECRET", "from-env")
	t.Setenv("LIFELINE_RETENTION_TIMEZONE", "Asia/Manila")
	t.Setenv("LIFELINE_CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("LIFELINE_DATABASE_DRIVER", "MySQL")
	t.Setenv("LIFELINE_DATABASE_DSN", "user:pass@tcp(localhost:3306)/lifeline?parseTime=true")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.SessionSigningSecret != "from-env" || cfg.DatabaseDriver != DriverMySQL {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.RetentionLocation.String() != "Asia/Manila" {
		t.Fatalf("unexpected retention location %v", cfg.RetentionLocation)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name   string
		values map[string]any
	}{
		{name: "missing secret", values: map[string]any{}},
		{name: "unknown driver", values: map[string]any{"session.signing_secret": "s", "database.driver": "postgres"}},
		{name: "mysql without dsn", values: map[string]any{"session.signing_secret": "s", "database.driver": "mysql"}},
		{name: "smtp without sender", values: map[string]any{"session.signing_secret": "s", "smtp.host": "smtp.example.com"}},
		{name: "bad timezone", values: map[string]any{"session.signing_secret": "s", "retention.timezone": "Mars/Olympus"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.values {
				configViper.Set(key, value)
			}
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadDotEnvIgnoresMissingFiles(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("LIFELINE_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("LIFELINE_TEST_DOTENV") })

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), envPath); err != nil {
		t.Fatalf("load dotenv failed: %v", err)
	}
	if os.Getenv("LIFELINE_TEST_DOTENV") != "loaded" {
		t.Fatalf("expected variable from .env to be loaded")
	}
}

func TestLoadDeviceThresholdOverrides(t *testing.T) {
	t.Setenv("LIFELINE_DETECTOR_IMPACT_G", "2.8")
	t.Setenv("LIFELINE_DETECTOR_STILLNESS_WINDOW", "3s")

	configViper := viper.New()
	ApplyDeviceDefaults(configViper)
	configViper.Set("device.server_url", "https://lifeline.example.com")
	configViper.Set("device.session_token", "token")
	configViper.Set("device.incident_db", filepath.Join(t.TempDir(), "incident.db"))

	cfg, err := LoadDevice(configViper)
	if err != nil {
		t.Fatalf("load device failed: %v", err)
	}
	if cfg.Thresholds.ImpactG != 2.8 || cfg.Thresholds.StillnessWindow != 3*time.Second {
		t.Fatalf("expected overrides, got impact=%v stillness=%v", cfg.Thresholds.ImpactG, cfg.Thresholds.StillnessWindow)
	}
	if cfg.Thresholds.FreefallG != 0.3 {
		t.Fatalf("expected default freefall threshold, got %v", cfg.Thresholds.FreefallG)
	}
	if cfg.AutoSendAfter != 30*time.Second || !cfg.Foreground {
		t.Fatalf("unexpected device defaults %+v", cfg)
	}
}

func TestLoadDeviceRequiresServer(t *testing.T) {
	configViper := viper.New()
	ApplyDeviceDefaults(configViper)
	configViper.Set("device.incident_db", filepath.Join(t.TempDir(), "incident.db"))
	if _, err := LoadDevice(configViper); err == nil {
		t.Fatalf("expected missing server url to fail")
	}
}
