package alerts

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// LogMailer writes alerts to the log instead of sending them. It is used
// when no SMTP relay is configured.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer constructs a LogMailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, toEmail string, alert Alert) error {
	if strings.TrimSpace(toEmail) == "" {
		return ErrMissingRecipient
	}
	subject, _, err := Render(alert)
	if err != nil {
		return err
	}
	m.logger.Warn("sos email not sent: smtp disabled",
		zap.String("recipient", toEmail),
		zap.String("subject", subject),
		zap.String("user_id", alert.UserID),
		zap.Float64("latitude", alert.Latitude),
		zap.Float64("longitude", alert.Longitude),
	)
	return nil
}
