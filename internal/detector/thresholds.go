package detector

import "time"

// Thresholds holds every tunable of the classifier. All values are
// empirically chosen and meant to be overridden at runtime.
type Thresholds struct {
	FreefallG           float64       `mapstructure:"freefall_g"`
	ImpactG             float64       `mapstructure:"impact_g"`
	ImpactWindow        time.Duration `mapstructure:"impact_window"`
	BounceWindow        time.Duration `mapstructure:"bounce_window"`
	StillnessWindow     time.Duration `mapstructure:"stillness_window"`
	StillnessToleranceG float64       `mapstructure:"stillness_tolerance_g"`
	SettleTimeout       time.Duration `mapstructure:"settle_timeout"`
	CrashG              float64       `mapstructure:"crash_g"`
	CrashConfirmedG     float64       `mapstructure:"crash_confirmed_g"`
	AbnormalMotionG     float64       `mapstructure:"abnormal_motion_g"`

	RotationConfirmRadS   float64 `mapstructure:"rotation_confirm_rad_s"`
	RotationCandidateRadS float64 `mapstructure:"rotation_candidate_rad_s"`

	BaselineAlpha       float64       `mapstructure:"baseline_alpha"`
	ImpulseMinDeltaDB   float64       `mapstructure:"impulse_min_delta_db"`
	ImpulseRiseDB       float64       `mapstructure:"impulse_rise_db"`
	ImpulseDropDB       float64       `mapstructure:"impulse_drop_db"`
	ImpulseVerifyWindow time.Duration `mapstructure:"impulse_verify_window"`
	SustainedDeltaDB    float64       `mapstructure:"sustained_delta_db"`
	SustainedFloorDB    float64       `mapstructure:"sustained_floor_db"`
	SustainedDuration   time.Duration `mapstructure:"sustained_duration"`
	MovementWindow      time.Duration `mapstructure:"movement_window"`
	MovementDeviationG  float64       `mapstructure:"movement_deviation_g"`
}

// DefaultThresholds returns the stock tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FreefallG:             0.3,
		ImpactG:               2.2,
		ImpactWindow:          1000 * time.Millisecond,
		BounceWindow:          800 * time.Millisecond,
		StillnessWindow:       2000 * time.Millisecond,
		StillnessToleranceG:   0.10,
		SettleTimeout:         5000 * time.Millisecond,
		CrashG:                3.0,
		CrashConfirmedG:       5.5,
		AbnormalMotionG:       1.8,
		RotationConfirmRadS:   3.1,
		RotationCandidateRadS: 0.9,
		BaselineAlpha:         0.02,
		ImpulseMinDeltaDB:     20,
		ImpulseRiseDB:         10,
		ImpulseDropDB:         10,
		ImpulseVerifyWindow:   1500 * time.Millisecond,
		SustainedDeltaDB:      15,
		SustainedFloorDB:      65,
		SustainedDuration:     3000 * time.Millisecond,
		MovementWindow:        1500 * time.Millisecond,
		MovementDeviationG:    0.35,
	}
}

// Merge returns t with every non-zero field of update applied.
func (t Thresholds) Merge(update Thresholds) Thresholds {
	mergeFloat(&t.FreefallG, update.FreefallG)
	mergeFloat(&t.ImpactG, update.ImpactG)
	mergeDuration(&t.ImpactWindow, update.ImpactWindow)
	mergeDuration(&t.BounceWindow, update.BounceWindow)
	mergeDuration(&t.StillnessWindow, update.StillnessWindow)
	mergeFloat(&t.StillnessToleranceG, update.StillnessToleranceG)
	mergeDuration(&t.SettleTimeout, update.SettleTimeout)
	mergeFloat(&t.CrashG, update.CrashG)
	mergeFloat(&t.CrashConfirmedG, update.CrashConfirmedG)
	mergeFloat(&t.AbnormalMotionG, update.AbnormalMotionG)
	mergeFloat(&t.RotationConfirmRadS, update.RotationConfirmRadS)
	mergeFloat(&t.RotationCandidateRadS, update.RotationCandidateRadS)
	mergeFloat(&t.BaselineAlpha, update.BaselineAlpha)
	mergeFloat(&t.ImpulseMinDeltaDB, update.ImpulseMinDeltaDB)
	mergeFloat(&t.ImpulseRiseDB, update.ImpulseRiseDB)
	mergeFloat(&t.ImpulseDropDB, update.ImpulseDropDB)
	mergeDuration(&t.ImpulseVerifyWindow, update.ImpulseVerifyWindow)
	mergeFloat(&t.SustainedDeltaDB, update.SustainedDeltaDB)
	mergeFloat(&t.SustainedFloorDB, update.SustainedFloorDB)
	mergeDuration(&t.SustainedDuration, update.SustainedDuration)
	mergeDuration(&t.MovementWindow, update.MovementWindow)
	mergeFloat(&t.MovementDeviationG, update.MovementDeviationG)
	return t
}

func mergeFloat(target *float64, value float64) {
	if value > 0 {
		*target = value
	}
}

func mergeDuration(target *time.Duration, value time.Duration) {
	if value > 0 {
		*target = value
	}
}
