package detector

import (
	"math"
	"time"
)

type fallPhase int

const (
	phaseNormal fallPhase = iota
	phaseFreefall
	phaseImpact
)

type motionState struct {
	phase         fallPhase
	freefallAt    time.Time
	firstImpactAt time.Time
	impacts       int
	stillSince    time.Time
	sawRotation   bool
	peakG         float64
	peakRotation  float64

	// lastMovementAt outlives episodes; the audio path uses it to tell
	// handling noise from ambient sound.
	lastMovementAt time.Time
}

func (c *Classifier) pushAccel(at time.Time, g float64) []Event {
	t := c.thresholds
	var events []Event

	if math.Abs(g-1) > t.MovementDeviationG {
		c.motion.lastMovementAt = at
	}
	if g >= t.CrashG {
		events = append(events, c.event(KindCrashCandidate, at, map[string]float64{"g": g}))
	}
	if g >= t.CrashConfirmedG {
		events = append(events, c.event(KindCrashConfirmed, at, map[string]float64{"g": g}))
	}
	if g >= t.AbnormalMotionG && g < t.ImpactG {
		events = append(events, c.event(KindAbnormalMotion, at, map[string]float64{"g": g}))
	}

	return append(events, c.stepFall(at, g)...)
}

func (c *Classifier) stepFall(at time.Time, g float64) []Event {
	t := c.thresholds
	m := &c.motion

	switch m.phase {
	case phaseNormal:
		if g < t.FreefallG {
			c.resetEpisode()
			m.phase = phaseFreefall
			m.freefallAt = at
		}
	case phaseFreefall:
		if at.Sub(m.freefallAt) > t.ImpactWindow {
			c.resetEpisode()
			return c.stepFall(at, g)
		}
		if g >= t.ImpactG {
			m.phase = phaseImpact
			m.firstImpactAt = at
			m.stillSince = at
			m.impacts = 1
			m.peakG = g
		}
	case phaseImpact:
		if g >= t.ImpactG && at.Sub(m.firstImpactAt) <= t.BounceWindow {
			m.impacts++
			m.stillSince = at
			m.peakG = math.Max(m.peakG, g)
			return nil
		}
		if math.Abs(g-1) > t.StillnessToleranceG {
			m.stillSince = at
		}
		if at.Sub(m.stillSince) >= t.StillnessWindow {
			return c.decideFall(at)
		}
		if at.Sub(m.firstImpactAt) > t.SettleTimeout {
			c.resetEpisode()
		}
	}
	return nil
}

func (c *Classifier) decideFall(at time.Time) []Event {
	m := c.motion
	c.resetEpisode()
	if m.impacts > 1 {
		return nil
	}
	meta := map[string]float64{
		"impactG":      m.peakG,
		"freefallMs":   millis(m.firstImpactAt.Sub(m.freefallAt)),
		"rotationRadS": m.peakRotation,
	}
	if m.sawRotation {
		return []Event{c.event(KindFallConfirmed, at, meta)}
	}
	return []Event{c.event(KindFallPossible, at, meta)}
}

func (c *Classifier) resetEpisode() {
	c.motion = motionState{lastMovementAt: c.motion.lastMovementAt}
}

func (c *Classifier) pushGyro(at time.Time, speed float64) []Event {
	t := c.thresholds
	m := &c.motion

	if (m.phase == phaseFreefall || m.phase == phaseImpact) && speed >= t.RotationConfirmRadS {
		m.sawRotation = true
		m.peakRotation = math.Max(m.peakRotation, speed)
	}
	if speed >= t.RotationCandidateRadS {
		m.lastMovementAt = at
		return []Event{c.event(KindAbnormalMotion, at, map[string]float64{"radS": speed})}
	}
	return nil
}
