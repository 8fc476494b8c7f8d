// Package alerts delivers SOS alert emails to a user's emergency contacts.
package alerts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMissingRecipient = errors.New("alerts: recipient email required")
	ErrMissingSender    = errors.New("alerts: sender address required")
	ErrMissingHost      = errors.New("alerts: smtp host required")
)

// Alert is the template data for one SOS email.
type Alert struct {
	UserID            string    `json:"userId"`
	UserName          string    `json:"userName"`
	UserPhone         string    `json:"userPhone"`
	ContactName       string    `json:"contactName"`
	Latitude          float64   `json:"latitude"`
	Longitude         float64   `json:"longitude"`
	FormattedLocation string    `json:"formattedLocation,omitempty"`
	RecordedAt        time.Time `json:"recordedAt"`
	RoomIDs           []string  `json:"roomIds,omitempty"`
}

// Mailer sends one alert to one recipient.
type Mailer interface {
	Send(ctx context.Context, toEmail string, alert Alert) error
}
