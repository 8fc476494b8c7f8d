package detector

import "time"

type audioState struct {
	baseline    float64
	hasBaseline bool
	previous    float64

	candidate   bool
	candidateAt time.Time
	peak        float64

	loudSince time.Time
}

func (c *Classifier) pushMic(at time.Time, level float64) []Event {
	t := c.thresholds
	a := &c.audio

	if !a.hasBaseline {
		a.baseline = level
		a.hasBaseline = true
		a.previous = level
		return nil
	}

	var events []Event
	loud := level > a.baseline+t.SustainedDeltaDB

	switch {
	case a.candidate && at.Sub(a.candidateAt) > t.ImpulseVerifyWindow:
		// never decayed: a sustained source, not an impulse
		a.candidate = false
	case a.candidate:
		if level > a.peak {
			a.peak = level
		}
		if a.peak-level >= t.ImpulseDropDB {
			events = append(events, c.event(KindLoudImpulse, at, map[string]float64{
				"peakDb":     a.peak,
				"baselineDb": a.baseline,
				"deltaDb":    a.peak - a.baseline,
			}))
			a.candidate = false
		}
	case level-a.baseline >= t.ImpulseMinDeltaDB && level-a.previous >= t.ImpulseRiseDB:
		a.candidate = true
		a.candidateAt = at
		a.peak = level
	}

	if loud && level >= t.SustainedFloorDB && c.sustainedAllowed(at) {
		if a.loudSince.IsZero() {
			a.loudSince = at
		} else if held := at.Sub(a.loudSince); held >= t.SustainedDuration {
			events = append(events, c.event(KindLoudSustained, at, map[string]float64{
				"levelDb":    level,
				"baselineDb": a.baseline,
				"heldMs":     millis(held),
			}))
			a.loudSince = at
		}
	} else {
		a.loudSince = time.Time{}
	}

	if !loud {
		a.baseline += t.BaselineAlpha * (level - a.baseline)
	}
	a.previous = level
	return events
}

func (c *Classifier) sustainedAllowed(at time.Time) bool {
	last := c.motion.lastMovementAt
	return last.IsZero() || at.Sub(last) > c.thresholds.MovementWindow
}
