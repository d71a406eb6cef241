// Package mail delivers the emails sent by the send_email activity.
package mail

import (
	"context"
	"net"
	"strconv"
	"strings"

	"crm-flow/internal/logging"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	gomail "github.com/wneessen/go-mail"
)

// SMTPMailer sends plain-text mail through an SMTP relay without
// authentication. STARTTLS is used when the relay offers it.
type SMTPMailer struct {
	addr string
	from string
	send func(ctx context.Context, msg *gomail.Msg) error
}

func NewSMTPMailer(addr, from string) *SMTPMailer {
	m := &SMTPMailer{addr: addr, from: from}
	m.send = m.dialAndSend
	return m
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := m.message(splitRecipients(to), subject, body)
	if err != nil {
		return err
	}
	if err := m.send(ctx, msg); err != nil {
		return errors.Wrapf(err, "smtp send via %s", m.addr)
	}
	return nil
}

func (m *SMTPMailer) message(to []string, subject, body string) (*gomail.Msg, error) {
	if len(to) == 0 {
		return nil, errors.New("no recipients")
	}
	msg := gomail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return nil, errors.Wrap(err, "sender address")
	}
	if err := msg.To(to...); err != nil {
		return nil, errors.Wrap(err, "recipient address")
	}
	msg.Subject(sanitizeHeader(subject))
	msg.SetDate()
	msg.SetBodyString(gomail.TypeTextPlain, body)
	return msg, nil
}

func (m *SMTPMailer) dialAndSend(ctx context.Context, msg *gomail.Msg) error {
	host, portStr, err := net.SplitHostPort(m.addr)
	if err != nil {
		return errors.Wrap(err, "smtp address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.Wrap(err, "smtp port")
	}
	client, err := gomail.NewClient(host,
		gomail.WithPort(port),
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
	)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}

// LogMailer logs mail instead of sending it. Used when no relay is configured.
type LogMailer struct {
	log logrus.FieldLogger
}

func NewLogMailer(log logrus.FieldLogger) *LogMailer {
	return &LogMailer{log: logging.Component(log, "mail")}
}

func (m *LogMailer) Send(_ context.Context, to, subject, _ string) error {
	m.log.WithFields(logrus.Fields{"to": to, "subject": subject}).Info("email suppressed, no SMTP relay configured")
	return nil
}

func splitRecipients(to string) []string {
	var out []string
	for _, r := range strings.Split(to, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
