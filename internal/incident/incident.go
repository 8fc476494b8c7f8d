// Package incident arbitrates classifier events into a single active,
// cooldown-gated emergency incident.
package incident

import (
	"time"

	"github.com/JullianMQ/lifeline/internal/detector"
)

// Reason names the condition behind an incident.
type Reason string

const (
	ReasonFall  Reason = "fall"
	ReasonCrash Reason = "crash"
)

// reasonFor maps qualifying detector kinds to a reason. New fused signals
// are added here.
func reasonFor(kind detector.Kind) (Reason, bool) {
	switch kind {
	case detector.KindFallConfirmed:
		return ReasonFall, true
	case detector.KindCrashConfirmed:
		return ReasonCrash, true
	default:
		return "", false
	}
}

// Incident is the single active emergency condition.
type Incident struct {
	ID          string             `json:"id"`
	Reason      Reason             `json:"reason"`
	CreatedAt   time.Time          `json:"createdAt"`
	Meta        map[string]float64 `json:"meta,omitempty"`
	UIShown     bool               `json:"uiShown"`
	SOSSent     bool               `json:"sosSent"`
	Acted       bool               `json:"acted"`
	SnoozeUntil time.Time          `json:"snoozeUntil"`
}

func (i Incident) snoozed(now time.Time) bool {
	return !i.SnoozeUntil.IsZero() && now.Before(i.SnoozeUntil)
}

func (i Incident) clone() Incident {
	if i.Meta == nil {
		return i
	}
	meta := make(map[string]float64, len(i.Meta))
	for key, value := range i.Meta {
		meta[key] = value
	}
	i.Meta = meta
	return i
}

// TransitionKind distinguishes incident lifecycle notifications.
type TransitionKind string

const (
	TransitionCreated TransitionKind = "created"
	TransitionCleared TransitionKind = "cleared"
)

// Transition is delivered to observers once per lifecycle change.
type Transition struct {
	Kind     TransitionKind
	Incident Incident
}

// Observer receives incident transitions.
type Observer interface {
	IncidentChanged(Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

// IncidentChanged calls f.
func (f ObserverFunc) IncidentChanged(transition Transition) {
	f(transition)
}
