// Package whatsapp delivers OutreachPipe WHATSAPP steps directly through a
// linked WhatsApp device using whatsmeow.
//
// The device is linked once (QR or numeric pairing code); the session lives in
// a SQLite or Postgres database so later starts reconnect without pairing.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode"

	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	// DefaultSQLitePath is the session database used when no DSN is configured.
	DefaultSQLitePath = "/var/lib/outreachpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID server for regular user accounts.
	JIDSuffix = "s.whatsapp.net"
)

// WhatsAppSender sends a text message and returns the server message ID.
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
}

// Opts holds session storage and pairing settings.
type Opts struct {
	DBDSN       string // session database DSN
	QRPath      string // file to write pairing codes to instead of stdout
	NumericCode bool   // print the raw pairing code instead of a QR block
}

// Option configures the client.
type Option func(*Opts)

// WithDBDSN sets the session database DSN.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes pairing codes to path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints raw pairing codes instead of QR blocks.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client sends outreach messages from a linked device.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient opens the session store, pairs the device when it has no session
// yet and connects.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = DefaultSQLitePath
	}
	driver := sessionDriver(cfg.DBDSN)
	slog.Debug("whatsapp.NewClient: options", "driver", driver, "qr_path_set", cfg.QRPath != "", "numeric_code", cfg.NumericCode)

	ctx := context.Background()
	container, err := sqlstore.New(ctx, driver, cfg.DBDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("open WhatsApp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load WhatsApp device: %w", err)
	}

	wa := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))
	if wa.Store.ID == nil {
		err = pair(ctx, wa, cfg)
	} else {
		err = wa.Connect()
	}
	if err != nil {
		return nil, fmt.Errorf("connect to WhatsApp: %w", err)
	}
	slog.Info("whatsapp.NewClient: connected", "device", wa.Store.ID)
	return &Client{waClient: wa}, nil
}

// sessionDriver picks the database/sql driver for the session DSN.
func sessionDriver(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	if !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("whatsapp session database does not enable foreign keys; whatsmeow expects them",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}
	return "sqlite3"
}

// pair connects an unlinked device and prints pairing codes until the
// pairing channel closes.
func pair(ctx context.Context, wa *whatsmeow.Client, cfg Opts) error {
	slog.Info("whatsapp: no session found, waiting for device pairing")
	codes, err := wa.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("open pairing channel: %w", err)
	}
	if err := wa.Connect(); err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("create pairing code file: %w", err)
		}
		defer f.Close()
		out = f
	}
	for evt := range codes {
		if evt.Event != "code" {
			slog.Info("whatsapp: pairing event", "event", evt.Event)
			continue
		}
		writePairingCode(out, evt.Code, cfg.NumericCode)
	}
	return nil
}

func writePairingCode(w io.Writer, code string, numeric bool) {
	if numeric {
		fmt.Fprintln(w, code)
		return
	}
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}

// UserJID turns an E.164 number ("+15550100" or "15550100") into a user JID.
func UserJID(number string) (types.JID, error) {
	digits := strings.TrimPrefix(strings.TrimSpace(number), "+")
	if digits == "" {
		return types.JID{}, fmt.Errorf("recipient cannot be empty")
	}
	for _, r := range digits {
		if !unicode.IsDigit(r) {
			return types.JID{}, fmt.Errorf("recipient %q is not an E.164 number", number)
		}
	}
	return types.NewJID(digits, JIDSuffix), nil
}

// SendMessage sends body as a plain text message to the E.164 number to.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if c.waClient == nil || c.waClient.Store == nil {
		return "", fmt.Errorf("whatsapp client not connected")
	}
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}
	jid, err := UserJID(to)
	if err != nil {
		return "", err
	}

	resp, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body})
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", jid.User, err)
	}
	slog.Debug("whatsapp.Client.SendMessage: sent", "to", jid.User, "id", resp.ID, "body_length", len(body))
	return string(resp.ID), nil
}

// Disconnect closes the connection to the WhatsApp servers.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient records messages instead of sending them.
type MockClient struct {
	mu   sync.Mutex
	Sent []SentMessage
	Err  error
}

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return fmt.Sprintf("3EB0%016X", len(m.Sent)), nil
}
