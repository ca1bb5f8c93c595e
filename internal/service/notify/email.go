package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSink sends plain-text alert mails over SMTP.
type EmailSink struct {
	addr     string
	from     string
	to       []string
	auth     smtp.Auth
	sendMail sendMailFunc
}

// NewEmailSink creates a sink for the SMTP server at addr (host:port).
// Credentials are optional.
func NewEmailSink(addr, from string, to []string, username, password string) *EmailSink {
	s := &EmailSink{addr: addr, from: from, to: to, sendMail: smtp.SendMail}
	if username != "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		s.auth = smtp.PlainAuth("", username, password, host)
	}
	return s
}

func (s *EmailSink) Name() string { return "email" }

// Send delivers the message. net/smtp takes no context, so the call runs in
// a goroutine and Send returns when ctx expires; the goroutine finishes on
// its own.
func (s *EmailSink) Send(ctx context.Context, a Alert) error {
	if len(s.to) == 0 {
		return fmt.Errorf("email sink: no recipients")
	}
	msg := s.message(a)
	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(s.addr, s.auth, s.from, s.to, msg)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("email sink: %w", ctx.Err())
	}
}

func (s *EmailSink) message(a Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.to, ", "))
	fmt.Fprintf(&b, "Subject: [TrapFlow] %s trap %s\r\n", a.Tier, a.CanonicalType)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", a.Summary)
	fmt.Fprintf(&b, "alert_id:   %s\r\n", a.AlertID)
	fmt.Fprintf(&b, "ingest_id:  %s\r\n", a.IngestID)
	fmt.Fprintf(&b, "timestamp:  %s\r\n", a.Timestamp.Format(time.RFC3339Nano))
	if a.Source != "" {
		fmt.Fprintf(&b, "source:     %s\r\n", a.Source)
	}
	return []byte(b.String())
}
