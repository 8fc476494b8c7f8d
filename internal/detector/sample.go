package detector

import (
	"math"
	"time"
)

// Channel identifies the sensor a sample came from.
type Channel string

const (
	ChannelAccel Channel = "accel"
	ChannelGyro  Channel = "gyro"
	ChannelMic   Channel = "mic"
)

// Sample is a single sensor reading. Accelerometer values are in g, gyroscope
// values in rad/s and microphone levels in dB. Fields a sensor does not
// report stay nil.
type Sample struct {
	Channel   Channel   `json:"channel"`
	At        time.Time `json:"at"`
	X         *float64  `json:"x,omitempty"`
	Y         *float64  `json:"y,omitempty"`
	Z         *float64  `json:"z,omitempty"`
	Magnitude *float64  `json:"magnitude,omitempty"`
	Level     *float64  `json:"level,omitempty"`
}

// Kind enumerates classifier outputs.
type Kind string

const (
	KindFallConfirmed  Kind = "FALL_CONFIRMED"
	KindFallPossible   Kind = "FALL_POSSIBLE"
	KindCrashCandidate Kind = "CRASH_CANDIDATE"
	KindCrashConfirmed Kind = "CRASH_CONFIRMED"
	KindAbnormalMotion Kind = "ABNORMAL_MOTION"
	KindLoudImpulse    Kind = "LOUD_IMPULSE"
	KindLoudSustained  Kind = "LOUD_SUSTAINED"
)

// Event is a classification emitted for one or more samples.
type Event struct {
	Kind      Kind               `json:"kind"`
	At        time.Time          `json:"at"`
	SessionID string             `json:"sessionId"`
	Meta      map[string]float64 `json:"meta,omitempty"`
}

func finite(value *float64) (float64, bool) {
	if value == nil {
		return 0, false
	}
	v := *value
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// magnitude prefers an explicit magnitude and falls back to the vector norm.
func magnitude(sample Sample) (float64, bool) {
	if value, ok := finite(sample.Magnitude); ok {
		return math.Abs(value), true
	}
	x, okX := finite(sample.X)
	y, okY := finite(sample.Y)
	z, okZ := finite(sample.Z)
	if !okX || !okY || !okZ {
		return 0, false
	}
	return math.Sqrt(x*x + y*y + z*z), true
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
