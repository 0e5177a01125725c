package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	logx "iacnotify/pkg/logx"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLS is "implicit" (port 465 style), "starttls" or "none".
	TLS string
}

// SMTPSender sends plain text mail over SMTP, one connection per message.
type SMTPSender struct {
	cfg SMTPConfig
	now func() time.Time
	log logx.Logger
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		return nil, errors.New("smtp host is empty")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("smtp from %q: %w", cfg.From, err)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.TLS)) {
	case "":
		cfg.TLS = "starttls"
	case "implicit", "starttls", "none":
		cfg.TLS = strings.ToLower(strings.TrimSpace(cfg.TLS))
	default:
		return nil, fmt.Errorf("smtp tls %q: want implicit|starttls|none", cfg.TLS)
	}
	return &SMTPSender{cfg: cfg, now: time.Now, log: logx.Nop()}, nil
}

func (s *SMTPSender) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s.log = log
}

// ParseRecipients parses "a@x, b@y" with an optional "mailto:" prefix.
func ParseRecipients(dest string) ([]string, error) {
	dest = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(dest), "mailto:"))
	if dest == "" {
		return nil, Permanent(errors.New("no email recipients"))
	}
	list, err := mail.ParseAddressList(dest)
	if err != nil {
		return nil, Permanent(fmt.Errorf("invalid email destination: %w", err))
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out, nil
}

func (s *SMTPSender) SendEmail(ctx context.Context, destination, subject, body string) error {
	rcpts, err := ParseRecipients(destination)
	if err != nil {
		return err
	}
	msg := s.buildMessage(rcpts, subject, body)

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return Transient(fmt.Errorf("smtp dial: %w", err))
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return classifySMTP(err)
	}
	defer c.Close()

	if s.cfg.TLS == "starttls" {
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return classifySMTP(err)
		}
	}
	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return classifySMTP(err)
		}
	}
	if err := c.Mail(s.cfg.From); err != nil {
		return classifySMTP(err)
	}
	for _, r := range rcpts {
		if err := c.Rcpt(r); err != nil {
			return classifySMTP(err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return classifySMTP(err)
	}
	if _, err := w.Write(msg); err != nil {
		return classifySMTP(err)
	}
	if err := w.Close(); err != nil {
		return classifySMTP(err)
	}
	// The server accepted the message at end of DATA. A failed QUIT must not
	// cause a retry that would send it twice.
	if err := c.Quit(); err != nil {
		s.log.Warn("smtp quit failed after message accepted", logx.String("host", s.cfg.Host), logx.Err(err))
	}
	return nil
}

func (s *SMTPSender) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: 10 * time.Second}
	if s.cfg.TLS == "implicit" {
		td := &tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: s.cfg.Host}}
		return td.DialContext(ctx, "tcp", addr)
	}
	return d.DialContext(ctx, "tcp", addr)
}

func (s *SMTPSender) buildMessage(rcpts []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(rcpts, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// classifySMTP maps SMTP reply codes: 4xx transient, 5xx permanent.
func classifySMTP(err error) error {
	if err == nil {
		return nil
	}
	var te *textproto.Error
	if errors.As(err, &te) {
		if te.Code >= 400 && te.Code < 500 {
			return Transient(err)
		}
		return Permanent(err)
	}
	if IsTransient(err) {
		return Transient(err)
	}
	return Permanent(err)
}
