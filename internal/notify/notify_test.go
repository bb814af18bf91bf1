package notify

import (
	"context"
	"errors"
	"net/smtp"
	"testing"
	"time"

	"github.com/jordan-wright/email"
	"github.com/stretchr/testify/require"
)

func TestFailureMail(t *testing.T) {
	mail := FailureMail("lrs@example.com", []string{"ops@example.com"}, Failure{
		RunId:     "abc123",
		Watermark: time.Date(2025, time.June, 11, 12, 0, 0, 0, time.UTC),
		At:        time.Date(2025, time.June, 20, 8, 0, 0, 0, time.UTC),
		Err:       errors.New("lrs: fetch failed on page 2"),
	})

	require.Equal(t, "LRS Analytics <lrs@example.com>", mail.From)
	require.Equal(t, []string{"ops@example.com"}, mail.To)
	require.Contains(t, mail.Subject, "abc123")
	require.Contains(t, string(mail.Text), "page 2")
	require.Contains(t, string(mail.Text), "--since 2025-06-11T12:00:00Z")
}

func TestFailureMailWithoutWatermark(t *testing.T) {
	mail := FailureMail("lrs@example.com", []string{"ops@example.com"}, Failure{
		RunId: "abc123",
		At:    time.Date(2025, time.June, 20, 8, 0, 0, 0, time.UTC),
		Err:   errors.New("lrs: fetch failed on page 1"),
	})

	text := string(mail.Text)
	require.Contains(t, text, "without --since")
	require.NotContains(t, text, "--since none")
	require.NotContains(t, text, "--since 0001")
}

func TestEmailRetriesWithoutAuth(t *testing.T) {
	var auths []smtp.Auth
	var addrs []string
	sender := func(mail *email.Email, addr string, auth smtp.Auth) error {
		auths = append(auths, auth)
		addrs = append(addrs, addr)
		if auth != nil {
			return errors.New("smtp: server doesn't support AUTH")
		}
		return nil
	}

	notifier := NewEmailWithSender(SmtpConfig{
		Server:       "smtp.example.com",
		EmailAddress: "lrs@example.com",
		To:           []string{"ops@example.com"},
	}, sender)

	err := notifier.NotifyFailure(context.Background(), Failure{RunId: "r", Err: errors.New("boom")})
	require.NoError(t, err)
	require.Len(t, auths, 2)
	require.Nil(t, auths[1])
	require.Equal(t, "smtp.example.com:587", addrs[0])
}

func TestEmailReportsSendFailure(t *testing.T) {
	notifier := NewEmailWithSender(SmtpConfig{Server: "s", EmailAddress: "a@b", To: []string{"c@d"}}, func(*email.Email, string, smtp.Auth) error {
		return errors.New("connection refused")
	})
	require.ErrorContains(t, notifier.NotifyFailure(context.Background(), Failure{}), "connection refused")
}

func TestNewPicksNoop(t *testing.T) {
	require.IsType(t, Noop{}, New(SmtpConfig{}))
	require.IsType(t, Email{}, New(SmtpConfig{Server: "s", EmailAddress: "a@b", To: []string{"c@d"}}))
}
