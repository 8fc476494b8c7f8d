package alerttransport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/JullianMQ/lifeline/internal/util"
	"go.uber.org/zap"
)

const (
	typeConnected = "connected"

	defaultReconnectAttempts = 8
	defaultReconnectBase     = 500 * time.Millisecond
	defaultReconnectMax      = 30 * time.Second
)

// ErrNotConnected is returned by LiveLink.SendSOS while no socket is up.
var ErrNotConnected = errors.New("alerttransport: live socket not connected")

// LiveLinkConfig wires a reconnecting websocket.
type LiveLinkConfig struct {
	Socket    SocketConfig
	Backoff   util.Backoff
	OnMessage func(Inbound)
	Logger    *zap.Logger
}

// LiveLink keeps a websocket to the room server open for the whole session.
// Dropped connections are redialed with backoff; SendSOS always targets the
// socket that is currently live.
type LiveLink struct {
	socketConfig SocketConfig
	backoff      util.Backoff
	onMessage    func(Inbound)
	logger       *zap.Logger

	mu      sync.Mutex
	current *Socket
	roomIDs []string
}

// NewLiveLink applies defaults. Nothing is dialed until Run.
func NewLiveLink(cfg LiveLinkConfig) *LiveLink {
	backoff := cfg.Backoff
	if backoff.MaxAttempts <= 0 {
		backoff.MaxAttempts = defaultReconnectAttempts
	}
	if backoff.BaseDelay <= 0 {
		backoff.BaseDelay = defaultReconnectBase
	}
	if backoff.MaxDelay <= 0 {
		backoff.MaxDelay = defaultReconnectMax
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	socketConfig := cfg.Socket
	if socketConfig.Logger == nil {
		socketConfig.Logger = logger
	}
	return &LiveLink{
		socketConfig: socketConfig,
		backoff:      backoff,
		onMessage:    cfg.OnMessage,
		logger:       logger,
	}
}

// Run dials, reads until the connection drops and dials again until ctx ends.
// Authentication failures stop the loop since retrying cannot fix them.
func (l *LiveLink) Run(ctx context.Context) error {
	for {
		socket, err := l.dial(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if !isTransient(err) {
				l.logger.Error("live socket rejected", zap.Error(err))
				return err
			}
			l.logger.Warn("live socket still unreachable", zap.Error(err))
			if !sleepContext(ctx, l.backoff.MaxDelay) {
				return ctx.Err()
			}
			continue
		}

		l.attach(socket)
		err = socket.Run(ctx, l.handle)
		l.detach(socket)
		socket.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Info("live socket dropped; reconnecting", zap.Error(err))
		if !sleepContext(ctx, l.backoff.Delay(1)) {
			return ctx.Err()
		}
	}
}

// SendSOS sends the emergency trigger over the current socket.
func (l *LiveLink) SendSOS() error {
	l.mu.Lock()
	socket := l.current
	l.mu.Unlock()
	if socket == nil {
		return ErrNotConnected
	}
	return socket.SendSOS()
}

// RoomIDs returns the rooms the server reported on the latest connect.
func (l *LiveLink) RoomIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.roomIDs...)
}

func (l *LiveLink) dial(ctx context.Context) (*Socket, error) {
	var socket *Socket
	err := util.Retry(ctx, l.backoff, isTransient, func(ctx context.Context) error {
		dialed, err := DialSocket(ctx, l.socketConfig)
		if err != nil {
			l.logger.Debug("live socket dial failed", zap.Error(err))
			return err
		}
		socket = dialed
		return nil
	})
	return socket, err
}

func (l *LiveLink) attach(socket *Socket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = socket
}

func (l *LiveLink) detach(socket *Socket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == socket {
		l.current = nil
	}
}

func (l *LiveLink) handle(message Inbound) {
	if message.Type == typeConnected {
		var connected struct {
			RoomIDs []string `json:"roomIds"`
		}
		if err := json.Unmarshal(message.Payload, &connected); err == nil {
			l.mu.Lock()
			l.roomIDs = connected.RoomIDs
			l.mu.Unlock()
			l.logger.Info("live socket connected", zap.Strings("room_ids", connected.RoomIDs))
		}
	}
	if l.onMessage != nil {
		l.onMessage(message)
	}
}

func sleepContext(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
