// Package alerttransport carries device-side incidents and locations to the
// Lifeline server over REST and the live websocket.
package alerttransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JullianMQ/lifeline/internal/util"
	"go.uber.org/zap"
)

const (
	locationPath       = "/location"
	sosPath            = "/sos"
	defaultHTTPTimeout = 10 * time.Second
	defaultAttempts    = 4
	defaultBaseDelay   = 250 * time.Millisecond
	maxErrorBody       = 4096
)

var errMissingServerURL = errors.New("alerttransport: server url required")

// LocationReport is the body of POST /location and POST /sos.
type LocationReport struct {
	Latitude          float64   `json:"latitude"`
	Longitude         float64   `json:"longitude"`
	Accuracy          *float64  `json:"accuracy,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	FormattedLocation string    `json:"formattedLocation,omitempty"`
	RoomID            string    `json:"roomId,omitempty"`
	SOS               bool      `json:"sos,omitempty"`
}

// PostResponse is the server reply to an accepted report.
type PostResponse struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Rooms     []string  `json:"rooms"`
}

// StatusError is returned for non-2xx replies.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("alerttransport: server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("alerttransport: server returned %d", e.StatusCode)
}

// Temporary reports whether retrying may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// ClientConfig wires the REST client.
type ClientConfig struct {
	ServerURL    string
	SessionToken string
	HTTPClient   *http.Client
	Backoff      util.Backoff
	Logger       *zap.Logger
}

// Client posts location and SOS reports, retrying transient failures.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	backoff util.Backoff
	logger  *zap.Logger
}

// NewClient validates the configuration and applies defaults.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if baseURL == "" {
		return nil, errMissingServerURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	backoff := cfg.Backoff
	if backoff.MaxAttempts <= 0 {
		backoff.MaxAttempts = defaultAttempts
	}
	if backoff.BaseDelay <= 0 {
		backoff.BaseDelay = defaultBaseDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		token:   strings.TrimSpace(cfg.SessionToken),
		http:    httpClient,
		backoff: backoff,
		logger:  logger,
	}, nil
}

// PostLocation sends a routine location update.
func (c *Client) PostLocation(ctx context.Context, report LocationReport) (PostResponse, error) {
	return c.post(ctx, locationPath, report)
}

// PostSOS sends an SOS report; the server emails the user's contacts.
func (c *Client) PostSOS(ctx context.Context, report LocationReport) (PostResponse, error) {
	report.SOS = true
	return c.post(ctx, sosPath, report)
}

func (c *Client) post(ctx context.Context, path string, report LocationReport) (PostResponse, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return PostResponse{}, fmt.Errorf("alerttransport: encode report: %w", err)
	}
	var response PostResponse
	attempt := 0
	err = util.Retry(ctx, c.backoff, isTransient, func(ctx context.Context) error {
		attempt++
		result, err := c.send(ctx, path, body)
		if err != nil {
			c.logger.Warn("report delivery failed",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		response = result
		return nil
	})
	if err != nil {
		return PostResponse{}, err
	}
	return response, nil
}

func (c *Client) send(ctx context.Context, path string, body []byte) (PostResponse, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return PostResponse{}, err
	}
	request.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	response, err := c.http.Do(request)
	if err != nil {
		return PostResponse{}, err
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxErrorBody*16))
	if err != nil {
		return PostResponse{}, err
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: response.StatusCode}
		var decoded struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(payload, &decoded) == nil {
			statusErr.Code = decoded.Error
			statusErr.Message = decoded.Message
		} else if len(payload) <= maxErrorBody {
			statusErr.Message = strings.TrimSpace(string(payload))
		}
		return PostResponse{}, statusErr
	}
	var result PostResponse
	if err := json.Unmarshal(payload, &result); err != nil {
		return PostResponse{}, fmt.Errorf("alerttransport: decode response: %w", err)
	}
	return result, nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
