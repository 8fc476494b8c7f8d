package alerttransport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JullianMQ/lifeline/internal/incident"
	"go.uber.org/zap"
)

const (
	defaultAutoSendAfter = 30 * time.Second
	sosTimeout           = 45 * time.Second
)

var (
	// ErrAlreadyHandled is returned when the incident was already sent or declined.
	ErrAlreadyHandled = errors.New("alerttransport: incident already handled")
	// ErrNoDelivery is returned when neither REST nor the websocket accepted the SOS.
	ErrNoDelivery = errors.New("alerttransport: sos not delivered")
)

// IncidentControl is the slice of the arbiter the bridge drives.
type IncidentControl interface {
	Subscribe(observer incident.Observer) func()
	TryAct(id string) bool
	Decline(id string) bool
	MarkUIShown(id string) bool
	MarkSOSSent(id string) bool
}

// SOSPoster delivers the SOS over REST.
type SOSPoster interface {
	PostSOS(ctx context.Context, report LocationReport) (PostResponse, error)
}

// LiveSOS delivers the SOS over the websocket.
type LiveSOS interface {
	SendSOS() error
}

// EvidenceCapture starts media capture for a confirmed incident.
type EvidenceCapture interface {
	OnConfirmedIncident(incidentID string)
}

// BridgeConfig wires the bridge.
type BridgeConfig struct {
	Incidents     IncidentControl
	Poster        SOSPoster
	Live          LiveSOS
	Evidence      EvidenceCapture
	Locations     *LocationTracker
	AutoSendAfter time.Duration
	Logger        *zap.Logger
}

// Bridge turns created incidents into SOS deliveries. A countdown sends the
// SOS automatically unless the user sends or declines it first.
type Bridge struct {
	incidents     IncidentControl
	poster        SOSPoster
	live          LiveSOS
	evidence      EvidenceCapture
	locations     *LocationTracker
	autoSendAfter time.Duration
	logger        *zap.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.Mutex
	timers      map[string]*time.Timer
	wg          sync.WaitGroup
	unsubscribe func()
}

// NewBridge subscribes the bridge to the incident source.
func NewBridge(ctx context.Context, cfg BridgeConfig) (*Bridge, error) {
	if cfg.Incidents == nil {
		return nil, errors.New("alerttransport: incident control required")
	}
	if cfg.Poster == nil && cfg.Live == nil {
		return nil, errors.New("alerttransport: sos poster or live socket required")
	}
	autoSendAfter := cfg.AutoSendAfter
	if autoSendAfter <= 0 {
		autoSendAfter = defaultAutoSendAfter
	}
	locations := cfg.Locations
	if locations == nil {
		locations = NewLocationTracker()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bridgeCtx, cancel := context.WithCancel(ctx)
	bridge := &Bridge{
		incidents:     cfg.Incidents,
		poster:        cfg.Poster,
		live:          cfg.Live,
		evidence:      cfg.Evidence,
		locations:     locations,
		autoSendAfter: autoSendAfter,
		logger:        logger,
		ctx:           bridgeCtx,
		cancel:        cancel,
		timers:        make(map[string]*time.Timer),
	}
	bridge.unsubscribe = cfg.Incidents.Subscribe(bridge)
	return bridge, nil
}

// IncidentChanged implements incident.Observer.
func (b *Bridge) IncidentChanged(transition incident.Transition) {
	id := transition.Incident.ID
	switch transition.Kind {
	case incident.TransitionCreated:
		b.incidents.MarkUIShown(id)
		b.startCountdown(id)
		b.logger.Info("incident countdown started",
			zap.String("incident_id", id),
			zap.String("reason", string(transition.Incident.Reason)),
			zap.Duration("auto_send_after", b.autoSendAfter),
		)
	case incident.TransitionCleared:
		b.stopCountdown(id)
	}
}

// SendNow is the user's explicit "send SOS" action.
func (b *Bridge) SendNow(ctx context.Context, id string) error {
	if !b.incidents.TryAct(id) {
		return ErrAlreadyHandled
	}
	b.stopCountdown(id)
	return b.deliver(ctx, id)
}

// Decline is the user's "I'm OK" action. It cancels the countdown and snoozes detection.
func (b *Bridge) Decline(id string) bool {
	b.stopCountdown(id)
	return b.incidents.Decline(id)
}

// Close stops pending countdowns and waits for in-flight deliveries.
func (b *Bridge) Close() {
	b.unsubscribe()
	b.mu.Lock()
	for id, timer := range b.timers {
		if timer.Stop() {
			b.wg.Done()
		}
		delete(b.timers, id)
	}
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
}

func (b *Bridge) startCountdown(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.timers[id]; exists {
		return
	}
	b.wg.Add(1)
	b.timers[id] = time.AfterFunc(b.autoSendAfter, func() {
		defer b.wg.Done()
		b.mu.Lock()
		delete(b.timers, id)
		b.mu.Unlock()
		if !b.incidents.TryAct(id) {
			return
		}
		b.logger.Info("auto sending sos", zap.String("incident_id", id))
		if err := b.deliver(b.ctx, id); err != nil {
			b.logger.Error("auto sos failed", zap.String("incident_id", id), zap.Error(err))
		}
	})
}

func (b *Bridge) stopCountdown(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	timer, ok := b.timers[id]
	if !ok {
		return
	}
	if timer.Stop() {
		b.wg.Done()
	}
	delete(b.timers, id)
}

func (b *Bridge) deliver(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, sosTimeout)
	defer cancel()

	delivered := false
	var failures []error
	if b.poster != nil {
		report, ok := b.locations.Last()
		if !ok {
			failures = append(failures, errors.New("no known location"))
		} else {
			report.Timestamp = report.Timestamp.UTC()
			if _, err := b.poster.PostSOS(ctx, report); err != nil {
				b.logger.Error("sos post failed", zap.String("incident_id", id), zap.Error(err))
				failures = append(failures, err)
			} else {
				delivered = true
			}
		}
	}
	if b.live != nil {
		if err := b.live.SendSOS(); err != nil {
			b.logger.Warn("live sos failed", zap.String("incident_id", id), zap.Error(err))
			failures = append(failures, err)
		} else {
			delivered = true
		}
	}
	if !delivered {
		return errors.Join(append([]error{ErrNoDelivery}, failures...)...)
	}

	b.incidents.MarkSOSSent(id)
	if b.evidence != nil {
		b.evidence.OnConfirmedIncident(id)
	}
	b.logger.Info("sos delivered", zap.String("incident_id", id), zap.Int("failed_channels", len(failures)))
	return nil
}

// LocationTracker holds the most recent device location.
type LocationTracker struct {
	mu     sync.RWMutex
	last   LocationReport
	hasFix bool
}

// NewLocationTracker constructs an empty tracker.
func NewLocationTracker() *LocationTracker {
	return &LocationTracker{}
}

// Update records a new fix.
func (t *LocationTracker) Update(report LocationReport) {
	t.mu.Lock()
	t.last = report
	t.hasFix = true
	t.mu.Unlock()
}

// Last returns the latest fix, if any.
func (t *LocationTracker) Last() (LocationReport, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last, t.hasFix
}
