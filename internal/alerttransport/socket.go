package alerttransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	socketWriteWait = 10 * time.Second
	socketPongWait  = 60 * time.Second
	socketPath      = "/ws"

	typeEmergencySOS = "emergency-sos"
)

var errSocketClosed = errors.New("alerttransport: socket closed")

// Inbound is a message received from the server.
type Inbound struct {
	Type    string
	RoomID  string
	Payload json.RawMessage
}

// SocketConfig describes the websocket endpoint.
type SocketConfig struct {
	ServerURL    string
	SessionToken string
	Dialer       *websocket.Dialer
	Logger       *zap.Logger
}

// Socket is the device's live connection to the room server.
type Socket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
	logger  *zap.Logger
}

// DialSocket opens the websocket at ServerURL's /ws endpoint. http and
// https URLs are mapped to ws and wss.
func DialSocket(ctx context.Context, cfg SocketConfig) (*Socket, error) {
	endpoint, err := socketURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if token := strings.TrimSpace(cfg.SessionToken); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, response, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("alerttransport: websocket dial: %w", &StatusError{StatusCode: response.StatusCode, Message: err.Error()})
		}
		return nil, fmt.Errorf("alerttransport: websocket dial: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Socket{conn: conn, closed: make(chan struct{}), logger: logger}, nil
}

// Send writes one JSON message.
func (s *Socket) Send(message any) error {
	select {
	case <-s.closed:
		return errSocketClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(message)
}

// SendSOS asks the server to activate every room the user owns.
func (s *Socket) SendSOS() error {
	return s.Send(map[string]string{"type": typeEmergencySOS})
}

// Run reads inbound messages until ctx ends or the connection fails. The
// handler runs on the reading goroutine.
func (s *Socket) Run(ctx context.Context, handler func(Inbound)) error {
	stop := context.AfterFunc(ctx, func() {
		s.Close()
	})
	defer stop()

	_ = s.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	s.conn.SetPingHandler(func(appData string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(socketPongWait))
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(socketWriteWait))
	})
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(socketPongWait))
		var envelope struct {
			Type   string `json:"type"`
			RoomID string `json:"roomId"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			s.logger.Warn("discarding malformed server message", zap.Error(err))
			continue
		}
		if handler != nil {
			handler(Inbound{Type: envelope.Type, RoomID: envelope.RoomID, Payload: payload})
		}
	}
}

// Close sends a normal close frame and releases the connection.
func (s *Socket) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "device shutdown"),
			time.Now().Add(socketWriteWait))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}

func socketURL(serverURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil || parsed.Host == "" {
		return "", errMissingServerURL
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("alerttransport: unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + socketPath
	return parsed.String(), nil
}
