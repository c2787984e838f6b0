// Package whatsapp wraps the whatsmeow client so reminders can be delivered
// over WhatsApp instead of SMS.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/BookingPipe/internal/store"
)

const (
	// DefaultSQLitePath is where the whatsmeow device store lives when no DSN is given.
	DefaultSQLitePath = "/var/lib/bookingpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID server for regular users.
	JIDSuffix = "s.whatsapp.net"
)

// Sender sends a plain-text WhatsApp message.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow device store DSN
	QRPath      string // path to write the login QR code
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow device store DSN.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints the pairing code instead of rendering a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// resolveDriver picks the database/sql driver for the device store DSN.
func resolveDriver(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// Client wraps a connected whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient opens the device store, logs in (printing a QR code on first run)
// and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = DefaultSQLitePath
	}
	driver := resolveDriver(dsn)
	if driver == "sqlite3" && !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("whatsapp.NewClient: SQLite device store without foreign keys; add ?_foreign_keys=on", "dsn", dsn)
	}
	slog.Debug("whatsapp.NewClient: opening device store", "driver", driver)

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID != nil {
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
		slog.Info("whatsapp.NewClient: connected")
		return &Client{waClient: waClient}, nil
	}

	slog.Info("whatsapp.NewClient: login required, starting QR flow")
	qrChan, _ := waClient.GetQRChannel(ctx)
	if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Debug("whatsapp.NewClient: login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	slog.Info("whatsapp.NewClient: connected")
	return &Client{waClient: waClient}, nil
}

// RecipientJID turns a phone number in any common format into a user JID.
func RecipientJID(to string) (types.JID, error) {
	var b strings.Builder
	for _, r := range to {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() < 6 {
		return types.JID{}, fmt.Errorf("invalid WhatsApp recipient %q", to)
	}
	return types.NewJID(b.String(), JIDSuffix), nil
}

// SendMessage sends body as a plain conversation message.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	jid, err := RecipientJID(to)
	if err != nil {
		return err
	}
	msg := &waE2E.Message{Conversation: &body}
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("whatsapp.Client.SendMessage: send failed", "to", jid.User, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", jid.User, err)
	}
	slog.Debug("whatsapp.Client.SendMessage: sent", "to", jid.User, "bodyLength", len(body))
	return nil
}

// Close disconnects from WhatsApp.
func (c *Client) Close() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient records messages instead of sending them.
type MockClient struct {
	mu   sync.Mutex
	sent []string
	Err  error
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	if _, err := RecipientJID(to); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, to+": "+body)
	return nil
}

// Sent returns "recipient: body" for every captured message.
func (m *MockClient) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

var (
	_ Sender = (*Client)(nil)
	_ Sender = (*MockClient)(nil)
)
