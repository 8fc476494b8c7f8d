package incident

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JullianMQ/lifeline/internal/detector"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultCooldown     = 60 * time.Second
	defaultSnoozeWindow = 90 * time.Second
	defaultHydrationTTL = 10 * time.Minute
	defaultIOTimeout    = 5 * time.Second
	backgroundQueueSize = 32

	opHydrate = "incident.hydrate"
	opSave    = "incident.save"
	opDelete  = "incident.delete"
	opNotify  = "incident.notify"
	opCreate  = "incident.create"
)

// Notifier asks the platform to surface a call-style full-screen alert.
type Notifier interface {
	DisplayCallStyleNotification(ctx context.Context, incidentID string) error
}

// IDProvider issues incident identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider returns an IDProvider issuing UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ArbiterConfig wires the arbiter's collaborators. Store, Notifier and
// Foreground are optional.
type ArbiterConfig struct {
	Store        Store
	Notifier     Notifier
	Foreground   func() bool
	Clock        func() time.Time
	IDProvider   IDProvider
	Cooldown     time.Duration
	SnoozeWindow time.Duration
	HydrationTTL time.Duration
	Logger       *zap.Logger
}

type observerEntry struct {
	id       int64
	observer Observer
	live     atomic.Bool
}

// Arbiter owns the single active incident slot of a monitoring session.
// Storage and notifier calls run on a background worker so OnEvent never
// waits on I/O.
type Arbiter struct {
	store        Store
	notifier     Notifier
	foreground   func() bool
	clock        func() time.Time
	ids          IDProvider
	cooldown     time.Duration
	snoozeWindow time.Duration
	logger       *zap.Logger

	mu          sync.Mutex
	active      *Incident
	observers   []*observerEntry
	nextID      int64
	pending     []Transition
	dispatching bool
	closed      bool

	work chan func()
	done chan struct{}
}

// NewArbiter builds an arbiter and rehydrates a persisted incident that is
// younger than the hydration TTL. Older incidents are discarded.
func NewArbiter(ctx context.Context, cfg ArbiterConfig) *Arbiter {
	arbiter := &Arbiter{
		store:        cfg.Store,
		notifier:     cfg.Notifier,
		foreground:   cfg.Foreground,
		clock:        cfg.Clock,
		ids:          cfg.IDProvider,
		cooldown:     cfg.Cooldown,
		snoozeWindow: cfg.SnoozeWindow,
		logger:       cfg.Logger,
		work:         make(chan func(), backgroundQueueSize),
		done:         make(chan struct{}),
	}
	if arbiter.foreground == nil {
		arbiter.foreground = func() bool { return true }
	}
	if arbiter.clock == nil {
		arbiter.clock = time.Now
	}
	if arbiter.ids == nil {
		arbiter.ids = NewUUIDProvider()
	}
	if arbiter.cooldown <= 0 {
		arbiter.cooldown = defaultCooldown
	}
	if arbiter.snoozeWindow <= 0 {
		arbiter.snoozeWindow = defaultSnoozeWindow
	}
	if arbiter.logger == nil {
		arbiter.logger = zap.NewNop()
	}
	ttl := cfg.HydrationTTL
	if ttl <= 0 {
		ttl = defaultHydrationTTL
	}

	arbiter.hydrate(ctx, ttl)
	go arbiter.runBackground()
	return arbiter
}

func (a *Arbiter) hydrate(ctx context.Context, ttl time.Duration) {
	if a.store == nil {
		return
	}
	stored, err := a.store.Load(ctx)
	switch {
	case errors.Is(err, ErrNoIncident):
		return
	case err != nil:
		a.logError(opHydrate, "load_failed", err)
		return
	}
	if a.clock().Sub(stored.CreatedAt) > ttl {
		if err := a.store.Delete(ctx); err != nil {
			a.logError(opHydrate, "discard_failed", err, zap.String("incident_id", stored.ID))
		}
		return
	}
	a.active = &stored
}

// Subscribe registers an observer and returns its unsubscribe handle.
func (a *Arbiter) Subscribe(observer Observer) func() {
	a.mu.Lock()
	a.nextID++
	entry := &observerEntry{id: a.nextID, observer: observer}
	entry.live.Store(true)
	a.observers = append(a.observers, entry)
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.live.Store(false)
			a.mu.Lock()
			defer a.mu.Unlock()
			for index, candidate := range a.observers {
				if candidate.id == entry.id {
					a.observers = append(a.observers[:index:index], a.observers[index+1:]...)
					break
				}
			}
		})
	}
}

// OnEvent feeds a classifier event. It returns the incident it created, if any.
func (a *Arbiter) OnEvent(kind detector.Kind, detectedAt time.Time, meta map[string]float64) (Incident, bool) {
	a.mu.Lock()
	now := a.clock()

	if a.active != nil {
		if a.active.snoozed(now) || now.Sub(a.active.CreatedAt) < a.cooldown {
			a.mu.Unlock()
			return Incident{}, false
		}
		a.clearLocked()
	}

	reason, ok := reasonFor(kind)
	if !ok {
		a.mu.Unlock()
		a.dispatch()
		return Incident{}, false
	}

	id, err := a.ids.NewID()
	if err != nil {
		a.mu.Unlock()
		a.logError(opCreate, "id_generation_failed", err)
		a.dispatch()
		return Incident{}, false
	}

	created := Incident{
		ID:        id,
		Reason:    reason,
		CreatedAt: now,
		Meta:      make(map[string]float64, len(meta)+1),
	}
	for key, value := range meta {
		created.Meta[key] = value
	}
	if !detectedAt.IsZero() {
		created.Meta["detectedAtMs"] = float64(detectedAt.UnixMilli())
	}
	a.active = &created
	a.pending = append(a.pending, Transition{Kind: TransitionCreated, Incident: created.clone()})
	a.saveLocked()
	if !a.foreground() {
		a.notifyLocked(created.ID)
	}
	snapshot := created.clone()
	a.mu.Unlock()

	a.dispatch()
	return snapshot, true
}

// Active returns the current incident.
func (a *Arbiter) Active() (Incident, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return Incident{}, false
	}
	return a.active.clone(), true
}

// ExpireIfDue clears the active incident once its cooldown has elapsed and
// no snooze is pending. It reports whether an incident was cleared.
func (a *Arbiter) ExpireIfDue() bool {
	a.mu.Lock()
	now := a.clock()
	if a.active == nil || a.active.snoozed(now) || now.Sub(a.active.CreatedAt) < a.cooldown {
		a.mu.Unlock()
		return false
	}
	a.clearLocked()
	a.mu.Unlock()
	a.dispatch()
	return true
}

// SnoozeActive opens the decline grace period during which re-triggering is
// suppressed.
func (a *Arbiter) SnoozeActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return false
	}
	a.active.SnoozeUntil = a.clock().Add(a.snoozeWindow)
	a.saveLocked()
	return true
}

// Decline records the user's dismissal: it consumes the action and snoozes.
func (a *Arbiter) Decline(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil || a.active.ID != id {
		return false
	}
	a.active.Acted = true
	a.active.SnoozeUntil = a.clock().Add(a.snoozeWindow)
	a.saveLocked()
	return true
}

// TryAct claims the single terminal action of an incident. Exactly one
// caller receives true, so a user tap and an auto-trigger cannot both fire.
func (a *Arbiter) TryAct(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil || a.active.ID != id || a.active.Acted {
		return false
	}
	a.active.Acted = true
	a.saveLocked()
	return true
}

// MarkUIShown records that the incident screen was displayed.
func (a *Arbiter) MarkUIShown(id string) bool {
	return a.update(id, func(incident *Incident) { incident.UIShown = true })
}

// MarkSOSSent records that the SOS left the device.
func (a *Arbiter) MarkSOSSent(id string) bool {
	return a.update(id, func(incident *Incident) { incident.SOSSent = true })
}

func (a *Arbiter) update(id string, mutate func(*Incident)) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil || a.active.ID != id {
		return false
	}
	mutate(a.active)
	a.saveLocked()
	return true
}

// ClearIncident drops the active incident and its persisted copy.
func (a *Arbiter) ClearIncident() {
	a.mu.Lock()
	if a.active != nil {
		a.clearLocked()
	} else {
		a.deleteLocked()
	}
	a.mu.Unlock()
	a.dispatch()
}

// Reset is ClearIncident for session teardown.
func (a *Arbiter) Reset() {
	a.ClearIncident()
}

// Close stops the background worker after draining queued storage calls.
func (a *Arbiter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.work)
	a.mu.Unlock()
	<-a.done
}

func (a *Arbiter) clearLocked() {
	cleared := a.active.clone()
	a.active = nil
	a.pending = append(a.pending, Transition{Kind: TransitionCleared, Incident: cleared})
	a.deleteLocked()
}

// dispatch delivers queued transitions. Only one goroutine delivers at a
// time; transitions raised from inside an observer are queued and delivered
// after the current one, never re-entrantly.
func (a *Arbiter) dispatch() {
	a.mu.Lock()
	if a.dispatching {
		a.mu.Unlock()
		return
	}
	a.dispatching = true
	for len(a.pending) > 0 {
		transition := a.pending[0]
		a.pending = a.pending[1:]
		observers := append([]*observerEntry(nil), a.observers...)
		a.mu.Unlock()
		for _, entry := range observers {
			if entry.live.Load() {
				entry.observer.IncidentChanged(transition)
			}
		}
		a.mu.Lock()
	}
	a.dispatching = false
	a.mu.Unlock()
}

func (a *Arbiter) saveLocked() {
	if a.store == nil || a.active == nil {
		return
	}
	snapshot := a.active.clone()
	a.enqueueLocked(opSave, func(ctx context.Context) error {
		return a.store.Save(ctx, snapshot)
	})
}

func (a *Arbiter) deleteLocked() {
	if a.store == nil {
		return
	}
	a.enqueueLocked(opDelete, func(ctx context.Context) error {
		return a.store.Delete(ctx)
	})
}

func (a *Arbiter) notifyLocked(id string) {
	if a.notifier == nil {
		return
	}
	a.enqueueLocked(opNotify, func(ctx context.Context) error {
		return a.notifier.DisplayCallStyleNotification(ctx, id)
	})
}

func (a *Arbiter) enqueueLocked(operation string, job func(context.Context) error) {
	if a.closed {
		return
	}
	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultIOTimeout)
		defer cancel()
		if err := job(ctx); err != nil {
			a.logError(operation, "background_call_failed", err)
		}
	}
	select {
	case a.work <- task:
	default:
		a.logger.Warn("incident background queue full", zap.String("operation", operation))
	}
}

func (a *Arbiter) runBackground() {
	defer close(a.done)
	for task := range a.work {
		task()
	}
}

func (a *Arbiter) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.logger.Error("incident arbiter error", attrs...)
}
