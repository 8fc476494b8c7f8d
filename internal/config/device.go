package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/JullianMQ/lifeline/internal/detector"
	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

const (
	defaultAutoSendAfter = 30 * time.Second
	defaultCooldown      = 60 * time.Second
	defaultSnoozeWindow  = 90 * time.Second
	incidentDBName       = "incident.db"
	appDirectory         = "lifeline"
)

// DeviceConfig captures runtime configuration for the device agent.
type DeviceConfig struct {
	ServerURL      string
	SessionToken   string
	IncidentDBPath string
	AutoSendAfter  time.Duration
	Cooldown       time.Duration
	SnoozeWindow   time.Duration
	Foreground     bool
	LiveSocket     bool
	LogLevel       string
	Thresholds     detector.Thresholds
}

// ApplyDeviceDefaults configures device defaults, including every classifier
// threshold so each one can be overridden through LIFELINE_DETECTOR_* variables.
func ApplyDeviceDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("device.server_url", "")
	configViper.SetDefault("device.session_token", "")
	configViper.SetDefault("device.incident_db", "")
	configViper.SetDefault("device.auto_send_after", defaultAutoSendAfter)
	configViper.SetDefault("device.foreground", true)
	configViper.SetDefault("device.live_socket", true)
	configViper.SetDefault("incident.cooldown", defaultCooldown)
	configViper.SetDefault("incident.snooze_window", defaultSnoozeWindow)

	for key, value := range thresholdDefaults(detector.DefaultThresholds()) {
		configViper.SetDefault("detector."+key, value)
	}
}

// LoadDevice parses device configuration from viper.
func LoadDevice(configViper *viper.Viper) (DeviceConfig, error) {
	var decoded struct {
		Detector detector.Thresholds `mapstructure:"detector"`
	}
	if err := configViper.Unmarshal(&decoded); err != nil {
		return DeviceConfig{}, fmt.Errorf("detector thresholds: %w", err)
	}

	cfg := DeviceConfig{
		ServerURL:      strings.TrimSpace(configViper.GetString("device.server_url")),
		SessionToken:   strings.TrimSpace(configViper.GetString("device.session_token")),
		IncidentDBPath: strings.TrimSpace(configViper.GetString("device.incident_db")),
		AutoSendAfter:  configViper.GetDuration("device.auto_send_after"),
		Cooldown:       configViper.GetDuration("incident.cooldown"),
		SnoozeWindow:   configViper.GetDuration("incident.snooze_window"),
		Foreground:     configViper.GetBool("device.foreground"),
		LiveSocket:     configViper.GetBool("device.live_socket"),
		LogLevel:       configViper.GetString("log.level"),
		Thresholds:     detector.DefaultThresholds().Merge(decoded.Detector),
	}

	if cfg.IncidentDBPath == "" {
		path, err := xdg.DataFile(filepath.Join(appDirectory, incidentDBName))
		if err != nil {
			return DeviceConfig{}, fmt.Errorf("resolve incident database path: %w", err)
		}
		cfg.IncidentDBPath = path
	}

	if err := cfg.validate(); err != nil {
		return DeviceConfig{}, err
	}
	return cfg, nil
}

func (c DeviceConfig) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("device.server_url is required")
	}
	if c.SessionToken == "" {
		return fmt.Errorf("device.session_token is required")
	}
	if c.AutoSendAfter <= 0 {
		return fmt.Errorf("device.auto_send_after must be positive")
	}
	return nil
}

func thresholdDefaults(t detector.Thresholds) map[string]any {
	return map[string]any{
		"freefall_g":               t.FreefallG,
		"impact_g":                 t.ImpactG,
		"impact_window":            t.ImpactWindow,
		"bounce_window":            t.BounceWindow,
		"stillness_window":         t.StillnessWindow,
		"stillness_tolerance_g":    t.StillnessToleranceG,
		"settle_timeout":           t.SettleTimeout,
		"crash_g":                  t.CrashG,
		"crash_confirmed_g":        t.CrashConfirmedG,
		"abnormal_motion_g":        t.AbnormalMotionG,
		"rotation_confirm_rad_s":   t.RotationConfirmRadS,
		"rotation_candidate_rad_s": t.RotationCandidateRadS,
		"baseline_alpha":           t.BaselineAlpha,
		"impulse_min_delta_db":     t.ImpulseMinDeltaDB,
		"impulse_rise_db":          t.ImpulseRiseDB,
		"impulse_drop_db":          t.ImpulseDropDB,
		"impulse_verify_window":    t.ImpulseVerifyWindow,
		"sustained_delta_db":       t.SustainedDeltaDB,
		"sustained_floor_db":       t.SustainedFloorDB,
		"sustained_duration":       t.SustainedDuration,
		"movement_window":          t.MovementWindow,
		"movement_deviation_g":     t.MovementDeviationG,
	}
}
