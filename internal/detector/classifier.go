// Package detector classifies accelerometer, gyroscope and microphone streams
// into fall, crash and loud-event candidates.
package detector

import "time"

// Classifier is owned by a single monitoring session and is not safe for
// concurrent use. Push is expected to be called from the sensor loop.
type Classifier struct {
	sessionID  string
	thresholds Thresholds
	motion     motionState
	audio      audioState
}

// New constructs a classifier. Zero-valued threshold fields take defaults.
func New(sessionID string, thresholds Thresholds) *Classifier {
	return &Classifier{
		sessionID:  sessionID,
		thresholds: DefaultThresholds().Merge(thresholds),
	}
}

// Push consumes one sample and returns the events it produced, if any.
// Samples without a timestamp or with unusable numeric fields are dropped.
func (c *Classifier) Push(sample Sample) []Event {
	if sample.At.IsZero() {
		return nil
	}
	switch sample.Channel {
	case ChannelAccel:
		g, ok := magnitude(sample)
		if !ok {
			return nil
		}
		return c.pushAccel(sample.At, g)
	case ChannelGyro:
		speed, ok := magnitude(sample)
		if !ok {
			return nil
		}
		return c.pushGyro(sample.At, speed)
	case ChannelMic:
		level, ok := finite(sample.Level)
		if !ok {
			return nil
		}
		return c.pushMic(sample.At, level)
	default:
		return nil
	}
}

// Reset discards all episode state. The learned noise floor is kept so that
// a new session does not start from silence.
func (c *Classifier) Reset() {
	c.motion = motionState{}
	c.audio = audioState{
		baseline:    c.audio.baseline,
		hasBaseline: c.audio.hasBaseline,
	}
}

// SetThresholds applies every non-zero field of update.
func (c *Classifier) SetThresholds(update Thresholds) {
	c.thresholds = c.thresholds.Merge(update)
}

// Thresholds returns the tuning currently in effect.
func (c *Classifier) Thresholds() Thresholds {
	return c.thresholds
}

// Baseline returns the learned microphone noise floor.
func (c *Classifier) Baseline() (float64, bool) {
	return c.audio.baseline, c.audio.hasBaseline
}

func (c *Classifier) event(kind Kind, at time.Time, meta map[string]float64) Event {
	return Event{Kind: kind, At: at, SessionID: c.sessionID, Meta: meta}
}
