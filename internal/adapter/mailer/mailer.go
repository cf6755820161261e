// Package mailer delivers notification email.
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taxbracket/backend/internal/domain"
)

// Log writes mail to the logger instead of sending it. Used in development
// and when no SMTP host is configured.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a logging mailer.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Send(ctx context.Context, m domain.Mail) error {
	l.logger.Info("mail",
		zap.String("from", m.From),
		zap.String("to", m.To),
		zap.String("reply_to", m.ReplyTo),
		zap.String("subject", m.Subject),
		zap.Int("html_bytes", len(m.HTML)),
	)
	return nil
}

// SMTPConfig holds relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// SMTP relays mail through an authenticated SMTP server with STARTTLS.
type SMTP struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now  func() time.Time
}

// NewSMTP creates an SMTP mailer.
func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTP{cfg: cfg, send: smtp.SendMail, now: time.Now}, nil
}

func (s *SMTP) Send(ctx context.Context, m domain.Mail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	from, err := mail.ParseAddress(m.From)
	if err != nil {
		return fmt.Errorf("from address: %w", err)
	}
	to, err := mail.ParseAddress(m.To)
	if err != nil {
		return fmt.Errorf("to address: %w", err)
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.send(addr, auth, from.Address, []string{to.Address}, buildMessage(m, s.now())); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to.Address, err)
	}
	return nil
}

func buildMessage(m domain.Mail, date time.Time) []byte {
	var b bytes.Buffer
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	header("From", m.From)
	header("To", m.To)
	if m.ReplyTo != "" {
		header("Reply-To", m.ReplyTo)
	}
	header("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	header("Date", date.Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/html; charset="utf-8"`)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(m.HTML, "\r\n", "\n"), "\n", "\r\n"))
	return b.Bytes()
}
