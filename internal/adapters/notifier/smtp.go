package notifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/core"
)

// SMTPSender mails notifications through an SMTP relay
type SMTPSender struct {
	addr   string
	from   string
	to     []string
	logger *zap.Logger
	now    func() time.Time
}

// NewSMTPSender creates a new SMTP sender
func NewSMTPSender(host string, port int, from string, to []string, logger *zap.Logger) *SMTPSender {
	return &SMTPSender{
		addr:   net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		from:   from,
		to:     to,
		logger: logger,
		now:    time.Now,
	}
}

// Send delivers one notification as a plain text email
func (s *SMTPSender) Send(ctx context.Context, msg *core.Notification) error {
	if len(s.to) == 0 || s.from == "" {
		return fmt.Errorf("%w: smtp sender and recipients must be configured", core.ErrPermanentDelivery)
	}

	err := s.deliver(ctx, s.message(msg))
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
		return fmt.Errorf("%w: %v", core.ErrPermanentDelivery, err)
	}
	return err
}

func (s *SMTPSender) deliver(ctx context.Context, data []byte) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set connection deadline: %w", err)
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(hostname); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}

	if err := c.Mail(s.from, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}

	recipientOK := false
	for _, recipient := range s.to {
		if err := c.Rcpt(recipient, nil); err != nil {
			s.logger.Warn("RCPT TO failed for recipient",
				zap.String("recipient", recipient),
				zap.Error(err))
			continue
		}
		recipientOK = true
	}
	if !recipientOK {
		return fmt.Errorf("%w: all recipients were rejected", core.ErrPermanentDelivery)
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA command failed: %w", err)
	}

	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return fmt.Errorf("failed to send email data: %w", err)
	}

	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	if err := c.Quit(); err != nil {
		// The message was accepted before QUIT
		s.logger.Warn("QUIT command failed", zap.Error(err))
	}

	return nil
}

func (s *SMTPSender) message(msg *core.Notification) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Title))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Text(), "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}
