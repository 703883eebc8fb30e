package messaging

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/OutreachPipe/internal/util"
	"gopkg.in/gomail.v2"
)

// ProviderSMTP names SMTP delivery in message records.
const ProviderSMTP = "smtp"

// SMTPOpts holds SMTP delivery settings.
type SMTPOpts struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	// Encryption is "SSL", "STARTTLS" or empty for plain SMTP.
	Encryption string
}

// SMTPOption configures an SMTPSender.
type SMTPOption func(*SMTPOpts)

// WithSMTPServer sets the SMTP host and port.
func WithSMTPServer(host string, port int) SMTPOption {
	return func(o *SMTPOpts) { o.Host, o.Port = host, port }
}

// WithSMTPAuth sets the SMTP credentials.
func WithSMTPAuth(username, password string) SMTPOption {
	return func(o *SMTPOpts) { o.Username, o.Password = username, password }
}

// WithSMTPFrom sets the sender address and display name.
func WithSMTPFrom(address, name string) SMTPOption {
	return func(o *SMTPOpts) { o.From, o.FromName = address, name }
}

// WithSMTPEncryption selects "SSL", "STARTTLS" or plain.
func WithSMTPEncryption(mode string) SMTPOption {
	return func(o *SMTPOpts) { o.Encryption = mode }
}

// mailDialer is the part of *gomail.Dialer the sender uses.
type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPSender delivers EMAIL steps with gomail.
type SMTPSender struct {
	dialer   mailDialer
	from     string
	fromName string
	domain   string
}

// NewSMTPSender creates an SMTP sender from options.
func NewSMTPSender(opts ...SMTPOption) (*SMTPSender, error) {
	cfg := SMTPOpts{Port: 587}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("SMTP host must be provided")
	}
	from, err := CanonicalizeEmail(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("SMTP from address: %w", err)
	}

	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	switch strings.ToUpper(cfg.Encryption) {
	case "SSL", "TLS":
		d.SSL = true
	case "STARTTLS":
		d.TLSConfig = &tls.Config{ServerName: cfg.Host}
	default:
		d.SSL = false
	}
	slog.Debug("NewSMTPSender", "host", cfg.Host, "port", cfg.Port, "encryption", cfg.Encryption, "auth_set", cfg.Username != "")
	return newSMTPSenderWithDialer(d, from, cfg.FromName), nil
}

func newSMTPSenderWithDialer(d mailDialer, from, fromName string) *SMTPSender {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 {
		domain = from[i+1:]
	}
	return &SMTPSender{dialer: d, from: from, fromName: fromName, domain: domain}
}

func (s *SMTPSender) Send(ctx context.Context, msg OutboundMessage) (SendResult, error) {
	to, err := CanonicalizeEmail(msg.To)
	if err != nil {
		return SendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}

	messageID := fmt.Sprintf("<%s@%s>", util.Token(), s.domain)
	m := gomail.NewMessage()
	if s.fromName != "" {
		m.SetAddressHeader("From", s.from, s.fromName)
	} else {
		m.SetHeader("From", s.from)
	}
	m.SetHeader("To", to)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetHeader("Auto-Submitted", "auto-generated")
	m.SetBody("text/plain", msg.Body)

	if err := s.dialer.DialAndSend(m); err != nil {
		slog.Error("SMTPSender.Send failed", "to", to, "error", err)
		return SendResult{}, sendError(ProviderSMTP, msg, err)
	}
	slog.Debug("SMTPSender.Send succeeded", "to", to, "messageID", messageID)
	return SendResult{Provider: ProviderSMTP, MessageID: messageID}, nil
}
