// Package twilio wraps the Twilio REST API for SMS and WhatsApp delivery in OutreachPipe.
package twilio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	twiliogo "github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender sends text messages through Twilio and returns the message SID.
type Sender interface {
	SendSMS(ctx context.Context, to string, body string) (string, error)
	SendWhatsApp(ctx context.Context, to string, body string) (string, error)
}

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID   string
	AuthToken    string
	FromNumber   string // SMS sender, E.164
	FromWhatsApp string // WhatsApp sender, "whatsapp:+1234567890" or bare E.164
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the SMS sender number.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithFromWhatsApp sets the WhatsApp sender number.
func WithFromWhatsApp(from string) Option {
	return func(o *Opts) { o.FromWhatsApp = from }
}

// Client wraps the Twilio REST client.
type Client struct {
	client       *twiliogo.RestClient
	fromNumber   string
	fromWhatsApp string
}

// NewClient creates a Twilio client. Unset options fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and
// TWILIO_WHATSAPP_FROM environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.FromWhatsApp == "" {
		cfg.FromWhatsApp = os.Getenv("TWILIO_WHATSAPP_FROM")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "",
		"FromWhatsApp_set", cfg.FromWhatsApp != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" && cfg.FromWhatsApp == "" {
		return nil, fmt.Errorf("at least one sender number must be provided")
	}

	client := twiliogo.NewRestClientWithParams(
		twiliogo.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:       client,
		fromNumber:   cfg.FromNumber,
		fromWhatsApp: WhatsAppAddress(cfg.FromWhatsApp),
	}, nil
}

// WhatsAppAddress prefixes a number with the "whatsapp:" scheme Twilio expects.
func WhatsAppAddress(number string) string {
	if number == "" || strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

// SendSMS sends a text message and returns its SID.
func (c *Client) SendSMS(ctx context.Context, to string, body string) (string, error) {
	if c.fromNumber == "" {
		return "", fmt.Errorf("twilio SMS sender number not configured")
	}
	return c.create(ctx, to, c.fromNumber, body)
}

// SendWhatsApp sends a WhatsApp message through Twilio and returns its SID.
func (c *Client) SendWhatsApp(ctx context.Context, to string, body string) (string, error) {
	if c.fromWhatsApp == "" {
		return "", fmt.Errorf("twilio WhatsApp sender number not configured")
	}
	return c.create(ctx, WhatsAppAddress(to), c.fromWhatsApp, body)
}

func (c *Client) create(ctx context.Context, to, from, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio CreateMessage failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio message sent", "to", to, "sid", sid)
	return sid, nil
}

// MockClient records messages instead of calling Twilio (for tests).
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	To       string
	Body     string
	WhatsApp bool
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendSMS(ctx context.Context, to string, body string) (string, error) {
	return m.record(SentMessage{To: to, Body: body})
}

func (m *MockClient) SendWhatsApp(ctx context.Context, to string, body string) (string, error) {
	return m.record(SentMessage{To: to, Body: body, WhatsApp: true})
}

func (m *MockClient) record(msg SentMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.SentMessages = append(m.SentMessages, msg)
	return fmt.Sprintf("SM%032d", len(m.SentMessages)), nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.SentMessages))
	copy(out, m.SentMessages)
	return out
}
