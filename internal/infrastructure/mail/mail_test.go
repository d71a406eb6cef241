package mail

import (
	"bytes"
	"context"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomail "github.com/wneessen/go-mail"
)

func capture(t *testing.T, m *SMTPMailer) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	m.send = func(_ context.Context, msg *gomail.Msg) error {
		_, err := msg.WriteTo(&buf)
		return err
	}
	return &buf
}

func TestSMTPMailerBuildsMessage(t *testing.T) {
	m := NewSMTPMailer("relay:25", "crm@example.com")
	buf := capture(t, m)

	require.NoError(t, m.Send(context.Background(), "a@example.com, b@example.com", "Deal\napproved", "line1\nline2"))
	raw := buf.String()
	assert.Contains(t, raw, "From: <crm@example.com>")
	assert.Contains(t, raw, "<a@example.com>")
	assert.Contains(t, raw, "<b@example.com>")
	assert.Contains(t, raw, "Subject: Deal approved\r\n")
	assert.Contains(t, raw, "Content-Type: text/plain; charset=UTF-8")
	assert.Contains(t, raw, "line1")
	assert.Contains(t, raw, "line2")
}

func TestSMTPMailerEncodesNonASCIISubject(t *testing.T) {
	m := NewSMTPMailer("relay:25", "crm@example.com")
	buf := capture(t, m)

	require.NoError(t, m.Send(context.Background(), "sales@example.com", "Müller approved", "Grüße"))
	raw := buf.String()
	assert.Contains(t, raw, "Subject: =?UTF-8?")
	assert.NotContains(t, raw, "Subject: Müller approved")
}

func TestSMTPMailerRejectsBadRecipients(t *testing.T) {
	m := NewSMTPMailer("relay:25", "crm@example.com")
	buf := capture(t, m)

	assert.Error(t, m.Send(context.Background(), " , ", "s", "b"))
	assert.Error(t, m.Send(context.Background(), "not an address", "s", "b"))
	assert.Zero(t, buf.Len())
}

func TestSMTPMailerRejectsBadAddress(t *testing.T) {
	m := NewSMTPMailer("relay-without-port", "crm@example.com")
	assert.Error(t, m.Send(context.Background(), "a@example.com", "s", "b"))
}

func TestLogMailer(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	require.NoError(t, NewLogMailer(logger).Send(context.Background(), "a@example.com", "Hi", "body"))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "a@example.com", hook.LastEntry().Data["to"])
}
