package incident

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/JullianMQ/lifeline/internal/detector"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memoryStore struct {
	mu      sync.Mutex
	stored  *Incident
	saves   int
	deletes int
	saveErr error
}

func (s *memoryStore) Save(_ context.Context, incident Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	copied := incident
	s.stored = &copied
	return nil
}

func (s *memoryStore) Load(context.Context) (Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stored == nil {
		return Incident{}, ErrNoIncident
	}
	return *s.stored, nil
}

func (s *memoryStore) Delete(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	s.stored = nil
	return nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *recordingNotifier) DisplayCallStyleNotification(_ context.Context, incidentID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, incidentID)
	return nil
}

func newTestArbiter(t *testing.T, clock *fakeClock, store Store) *Arbiter {
	t.Helper()
	arbiter := NewArbiter(context.Background(), ArbiterConfig{
		Store:  store,
		Clock:  clock.Now,
		Logger: zap.NewNop(),
	})
	t.Cleanup(arbiter.Close)
	return arbiter
}

func TestOnEventCreatesIncidentForQualifyingKinds(t *testing.T) {
	clock := newFakeClock()
	store := &memoryStore{}
	arbiter := newTestArbiter(t, clock, store)

	if _, created := arbiter.OnEvent(detector.KindFallPossible, clock.Now(), nil); created {
		t.Fatalf("FALL_POSSIBLE must not create an incident")
	}
	if _, created := arbiter.OnEvent(detector.KindLoudImpulse, clock.Now(), nil); created {
		t.Fatalf("LOUD_IMPULSE must not create an incident")
	}

	incident, created := arbiter.OnEvent(detector.KindCrashConfirmed, clock.Now(), map[string]float64{"g": 6.1})
	if !created {
		t.Fatalf("expected CRASH_CONFIRMED to create an incident")
	}
	if incident.Reason != ReasonCrash || incident.ID == "" {
		t.Fatalf("unexpected incident: %#v", incident)
	}
	if incident.Meta["g"] != 6.1 {
		t.Fatalf("expected meta to be carried, got %v", incident.Meta)
	}

	arbiter.Close()
	stored, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("expected incident to be persisted: %v", err)
	}
	if stored.ID != incident.ID {
		t.Fatalf("persisted id mismatch: %s vs %s", stored.ID, incident.ID)
	}
}

func TestSecondConfirmationWithinCooldownIsIgnored(t *testing.T) {
	clock := newFakeClock()
	arbiter := newTestArbiter(t, clock, nil)

	var created []Transition
	arbiter.Subscribe(ObserverFunc(func(transition Transition) {
		created = append(created, transition)
	}))

	first, ok := arbiter.OnEvent(detector.KindFallConfirmed, clock.Now(), nil)
	if !ok {
		t.Fatalf("expected first confirmation to create an incident")
	}
	clock.Advance(30 * time.Second)
	if _, ok := arbiter.OnEvent(detector.KindFallConfirmed, clock.Now(), nil); ok {
		t.Fatalf("expected second confirmation within cooldown to be a no-op")
	}

	active, ok := arbiter.Active()
	if !ok || active.ID != first.ID {
		t.Fatalf("expected the first incident to remain active")
	}
	if len(created) != 1 || created[0].Kind != TransitionCreated {
		t.Fatalf("expected a single created transition, got %#v", created)
	}
}

func TestIncidentPastCooldownIsReplaced(t *testing.T) {
	clock := newFakeClock()
	arbiter := newTestArbiter(t, clock, nil)

	var kinds []TransitionKind
	arbiter.Subscribe(ObserverFunc(func(transition Transition) {
		kinds = append(kinds, transition.Kind)
	}))

	first, _ := arbiter.OnEvent(detector.KindFallConfirmed, clock.Now(), nil)
	clock.Advance(61 * time.Second)
	second, ok := arbiter.OnEvent(detector.KindCrashConfirmed, clock.Now(), nil)
	if !ok {
		t.Fatalf("expected a new incident after cooldown")
	}
	if second.ID == first.ID {
		t.Fatalf("expected a fresh incident id")
	}
	expected := []TransitionKind{TransitionCreated, TransitionCleared, TransitionCreated}
	if len(kinds) != len(expected) {
		t.Fatalf("unexpected transitions: %v", kinds)
	}
	for index := range expected {
		if kinds[index] != expected[index] {
			t.Fatalf("unexpected transitions: %v", kinds)
		}
	}
}

func TestSnoozeSuppressesRetriggerBeyondCooldown(t *testing.T) {
	clock := newFakeClock()
	arbiter := newTestArbiter(t, clock, nil)

	incident, _ := arbiter.OnEvent(detector.KindFallConfirmed, clock.Now(), nil)
	if !arbiter.Decline(incident.ID) {
		t.Fatalf("expected decline to apply to the active incident")
	}

	clock.Advance(75 * time.Second)
	if _, ok := arbiter.OnEvent(detector.KindFallConfirmed, clock.Now(), nil); ok {
		t.Fatalf("expected snooze to suppress re-triggering")
	}
	if arbiter.ExpireIfDue() {
		t.Fatalf("expected snoozed incident to stay active")
	}

	clock.Advance(20 * time.Second)
	if _, ok := arbiter.OnEvent(detector.KindFallConfirmed, clock.Now(), nil); !ok {
		t.Fatalf("expected a new incident once the snooze elapsed")
	}
}

func TestTryActIsSingleUse(t *testing.T) {
	clock := newFakeClock()
	arbiter := newTestArbiter(t, clock, nil)
	incident, _ := arbiter.OnEvent(detector.KindFallConfirmed, clock.Now(), nil)

	var wins sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wins.Add(1)
		go func() {
			defer wins.Done()
			results <- arbiter.TryAct(incident.ID)
		}()
	}
	wins.Wait()
	close(results)

	winners := 0
	for result := range results {
		if result {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if arbiter.Decline(incident.ID) && arbiter.TryAct(incident.ID) {
		t.Fatalf("acted incident must not be claimable again")
	}
	if arbiter.TryAct("other-id") {
		t.Fatalf("unknown incident ids must not be claimable")
	}
}

func TestObserversRunInOrderAndNeverReentrantly(t *testing.T) {
	clock := newFakeClock()
	arbiter := newTestArbiter(t, clock, nil)

	var order []string
	depth := 0
	arbiter.Subscribe(ObserverFunc(func(transition Transition) {
		depth++
		defer func() { depth-- }()
		if depth > 1 {
			t.Errorf("observer invoked re-entrantly")
		}
		order = append(order, "first:"+string(transition.Kind))
		if transition.Kind == TransitionCreated {
			arbiter.ClearIncident()
		}
	}))
	unsubscribe := arbiter.Subscribe(ObserverFunc(func(transition Transition) {
		order = append(order, "second:"+string(transition.Kind))
	}))

	arbiter.OnEvent(detector.KindFallConfirmed, clock.Now(), nil)

	expected := []string{"first:created", "second:created", "first:cleared", "second:cleared"}
	if len(order) != len(expected) {
		t.Fatalf("unexpected delivery order: %v", order)
	}
	for index := range expected {
		if order[index] != expected[index] {
			t.Fatalf("unexpected delivery order: %v", order)
		}
	}

	unsubscribe()
	unsubscribe()
	order = nil
	clock.Advance(2 * time.Minute)
	arbiter.OnEvent(detector.KindFallConfirmed, clock.Now(), nil)
	for _, entry := range order {
		if entry == "second:created" {
			t.Fatalf("unsubscribed observer received a transition")
		}
	}
}

func TestBackgroundNotificationOnlyWhenNotForeground(t *testing.T) {
	clock := newFakeClock()
	notifier := &recordingNotifier{}
	foreground := true
	arbiter := NewArbiter(context.Background(), ArbiterConfig{
		Notifier:   notifier,
		Foreground: func() bool { return foreground },
		Clock:      clock.Now,
	})

	arbiter.OnEvent(detector.KindFallConfirmed, clock.Now(), nil)
	clock.Advance(2 * time.Minute)
	foreground = false
	second, _ := arbiter.OnEvent(detector.KindFallConfirmed, clock.Now(), nil)
	arbiter.Close()

	if len(notifier.ids) != 1 || notifier.ids[0] != second.ID {
		t.Fatalf("expected a single call-style notification for the background incident, got %v", notifier.ids)
	}
}

func TestHydrationDiscardsStaleIncidents(t *testing.T) {
	clock := newFakeClock()
	store := &memoryStore{stored: &Incident{
		ID:        "stale",
		Reason:    ReasonFall,
		CreatedAt: clock.Now().Add(-11 * time.Minute),
	}}
	arbiter := newTestArbiter(t, clock, store)
	if _, ok := arbiter.Active(); ok {
		t.Fatalf("expected stale incident to be discarded")
	}
	if store.deletes != 1 {
		t.Fatalf("expected stale incident to be deleted, got %d deletes", store.deletes)
	}

	fresh := &memoryStore{stored: &Incident{
		ID:        "fresh",
		Reason:    ReasonCrash,
		CreatedAt: clock.Now().Add(-2 * time.Minute),
	}}
	rehydrated := newTestArbiter(t, clock, fresh)
	active, ok := rehydrated.Active()
	if !ok || active.ID != "fresh" {
		t.Fatalf("expected fresh incident to be rehydrated, got %#v", active)
	}
}

func TestPersistenceFailuresAreSwallowed(t *testing.T) {
	clock := newFakeClock()
	core, logs := observer.New(zapcore.ErrorLevel)
	store := &memoryStore{saveErr: errors.New("disk full")}
	arbiter := NewArbiter(context.Background(), ArbiterConfig{
		Store:  store,
		Clock:  clock.Now,
		Logger: zap.New(core),
	})

	if _, ok := arbiter.OnEvent(detector.KindFallConfirmed, clock.Now(), nil); !ok {
		t.Fatalf("expected incident creation despite storage failure")
	}
	arbiter.Close()

	if logs.FilterField(zap.String("operation", opSave)).Len() != 1 {
		t.Fatalf("expected the failed save to be logged, got %v", logs.All())
	}
}

func TestGormStoreRoundTrip(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "incident.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	store, err := NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Load(ctx); !errors.Is(err, ErrNoIncident) {
		t.Fatalf("expected ErrNoIncident on empty store, got %v", err)
	}

	created := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	original := Incident{
		ID:          "incident-1",
		Reason:      ReasonFall,
		CreatedAt:   created,
		Meta:        map[string]float64{"impactG": 3.2},
		UIShown:     true,
		SnoozeUntil: created.Add(90 * time.Second),
	}
	if err := store.Save(ctx, original); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	original.SOSSent = true
	if err := store.Save(ctx, original); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.ID != original.ID || !loaded.SOSSent || !loaded.UIShown {
		t.Fatalf("unexpected incident: %#v", loaded)
	}
	if !loaded.CreatedAt.Equal(created) || !loaded.SnoozeUntil.Equal(original.SnoozeUntil) {
		t.Fatalf("timestamps did not survive: %#v", loaded)
	}
	if loaded.Meta["impactG"] != 3.2 {
		t.Fatalf("meta did not survive: %#v", loaded.Meta)
	}

	if err := store.Delete(ctx); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, ErrNoIncident) {
		t.Fatalf("expected empty store after delete, got %v", err)
	}
}
