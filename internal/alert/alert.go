// Package alert sends operator notification emails for delivery anomalies.
package alert

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"
)

// SMTPConfig holds the outbound mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// OperatorEmail receives the alerts. Empty disables sending; alerts
	// are still logged.
	OperatorEmail string
}

// Mailer sends timeout alerts over SMTP. Satisfies fanout.AlertSender.
type Mailer struct {
	cfg    SMTPConfig
	client *mail.Client
	logger *slog.Logger
}

// NewMailer builds a mailer. When the config names no SMTP host or no
// operator address, the mailer degrades to log-only.
func NewMailer(cfg SMTPConfig, logger *slog.Logger) (*Mailer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mailer{cfg: cfg, logger: logger}
	if cfg.Host == "" || cfg.OperatorEmail == "" {
		return m, nil
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	m.client = client
	return m, nil
}

// SendTimeoutAlert notifies the operator that a subscription's delivery
// timed out and the timeout was widened.
func (m *Mailer) SendTimeoutAlert(ctx context.Context, serviceName, webhookURL string, newTimeoutMs int64, cause string) error {
	m.logger.Warn("webhook delivery timeout alert",
		"subscription", serviceName, "webhookUrl", webhookURL,
		"newTimeoutMs", newTimeoutMs, "cause", cause)

	if m.client == nil {
		return nil
	}

	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return fmt.Errorf("alert from address: %w", err)
	}
	if err := msg.To(m.cfg.OperatorEmail); err != nil {
		return fmt.Errorf("alert to address: %w", err)
	}
	msg.Subject(fmt.Sprintf("[inletmail] webhook timeout: %s", serviceName))
	msg.SetBodyString(mail.TypeTextPlain, fmt.Sprintf(
		"Webhook delivery to subscription %q timed out.\n\n"+
			"Endpoint: %s\n"+
			"Timeout widened to: %d ms\n"+
			"Error: %s\n\n"+
			"The subscription remains active; repeated timeouts keep widening the\n"+
			"timeout up to the 30 minute cap.\n",
		serviceName, webhookURL, newTimeoutMs, cause))

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}
	return nil
}
