package alerts

import (
	"context"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

const defaultSMTPPort = 587

// SMTPConfig describes the outgoing mail server.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Logger   *zap.Logger
}

// SMTPMailer sends alerts through an SMTP relay.
type SMTPMailer struct {
	client *mail.Client
	from   string
	logger *zap.Logger
}

// NewSMTPMailer builds the SMTP client. No connection is made until Send.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, ErrMissingHost
	}
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		return nil, ErrMissingSender
	}
	port := cfg.Port
	if port <= 0 {
		port = defaultSMTPPort
	}
	options := []mail.Option{
		mail.WithPort(port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		options = append(options,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(host, options...)
	if err != nil {
		return nil, fmt.Errorf("alerts: smtp client: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPMailer{client: client, from: from, logger: logger}, nil
}

// Send renders the alert and delivers it to toEmail.
func (m *SMTPMailer) Send(ctx context.Context, toEmail string, alert Alert) error {
	message, err := m.buildMessage(toEmail, alert)
	if err != nil {
		return err
	}
	if err := m.client.DialAndSendWithContext(ctx, message); err != nil {
		return fmt.Errorf("alerts: smtp send: %w", err)
	}
	m.logger.Info("sos email sent",
		zap.String("user_id", alert.UserID),
		zap.String("recipient", toEmail),
	)
	return nil
}

func (m *SMTPMailer) buildMessage(toEmail string, alert Alert) (*mail.Msg, error) {
	recipient := strings.TrimSpace(toEmail)
	if recipient == "" {
		return nil, ErrMissingRecipient
	}
	subject, body, err := Render(alert)
	if err != nil {
		return nil, err
	}
	message := mail.NewMsg()
	if err := message.From(m.from); err != nil {
		return nil, fmt.Errorf("alerts: sender address: %w", err)
	}
	if err := message.To(recipient); err != nil {
		return nil, fmt.Errorf("alerts: recipient address: %w", err)
	}
	message.Subject(subject)
	message.SetBodyString(mail.TypeTextPlain, body)
	return message, nil
}
