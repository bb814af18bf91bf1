// Package notify tells operators about failed ingestion runs.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/jordan-wright/email"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("lrs-analytics/internal/notify")

// Failure describes a failed ingestion run with enough context to restart it.
type Failure struct {
	RunId     string
	Watermark time.Time
	At        time.Time
	Err       error
}

type Notifier interface {
	NotifyFailure(ctx context.Context, failure Failure) error
}

// Noop drops every notification, it is used when no smtp server is configured.
type Noop struct{}

func (Noop) NotifyFailure(context.Context, Failure) error {
	return nil
}

type SmtpConfig struct {
	Server       string   `json:"server"`
	Port         int      `json:"port"`
	EmailAddress string   `json:"email_address"`
	Password     string   `json:"password"`
	To           []string `json:"to"`
}

// Enabled reports whether enough is configured to send mail.
func (c SmtpConfig) Enabled() bool {
	return c.Server != "" && c.EmailAddress != "" && len(c.To) > 0
}

// SendFunc delivers a mail, it matches (*email.Email).Send.
type SendFunc func(mail *email.Email, addr string, auth smtp.Auth) error

type Email struct {
	config SmtpConfig
	send   SendFunc
}

func NewEmail(config SmtpConfig) Email {
	return NewEmailWithSender(config, func(mail *email.Email, addr string, auth smtp.Auth) error {
		return mail.Send(addr, auth)
	})
}

func NewEmailWithSender(config SmtpConfig, send SendFunc) Email {
	if config.Port == 0 {
		config.Port = 587
	}
	return Email{config: config, send: send}
}

// New picks the email notifier when smtp is configured and Noop otherwise.
func New(config SmtpConfig) Notifier {
	if !config.Enabled() {
		return Noop{}
	}
	return NewEmail(config)
}

// FailureMail renders the notification for failure.
func FailureMail(from string, to []string, failure Failure) *email.Email {
	rerun := "Re-run the ingestion without --since to fetch everything again."
	if !failure.Watermark.IsZero() {
		rerun = fmt.Sprintf(
			"Re-run the ingestion with --since %s to resume from the same watermark.",
			failure.Watermark.UTC().Format(time.RFC3339),
		)
	}

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("LRS Analytics <%s>", from)
	mail.To = to
	mail.Subject = fmt.Sprintf("Ingestion run %s failed", failure.RunId)
	mail.Text = []byte(fmt.Sprintf(`The statement ingestion run %s failed at %s.

Error: %v

Nothing from this run was committed. %s`,
		failure.RunId,
		failure.At.UTC().Format(time.RFC3339),
		failure.Err,
		rerun,
	))
	return mail
}

func (e Email) NotifyFailure(ctx context.Context, failure Failure) error {
	_, span := tracer.Start(ctx, "notify:NotifyFailure")
	defer span.End()

	mail := FailureMail(e.config.EmailAddress, e.config.To, failure)
	addr := fmt.Sprintf("%s:%d", e.config.Server, e.config.Port)

	err := e.send(mail, addr, smtp.PlainAuth("", e.config.EmailAddress, e.config.Password, e.config.Server))
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = e.send(mail, addr, nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send email")
		return err
	}
	return nil
}
