// Package whatsapp links LobikoPipe to a WhatsApp account as a companion
// device through whatsmeow.
//
// Inbound traffic leaves the package already parsed: callers Subscribe with
// Handlers and receive models.Response and models.Receipt values, never raw
// whatsmeow events.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/lobikohealth/LobikoPipe/internal/models"
	"github.com/lobikohealth/LobikoPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// ErrNotConnected is returned when sending through a client that never linked.
var ErrNotConnected = errors.New("whatsapp: client not connected")

// Sender sends a text message to a phone number.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Handlers receive inbound traffic. Nil fields are skipped.
type Handlers struct {
	Message func(models.Response)
	Receipt func(models.Receipt)
}

// Opts configures NewClient.
type Opts struct {
	DeviceDSN   string // whatsmeow device store
	QRPath      string // pairing code destination, stdout when empty
	NumericCode bool   // print the raw pairing code instead of a QR block
}

// Option configures NewClient.
type Option func(*Opts)

// WithDeviceDSN sets the whatsmeow device store DSN (SQLite file or Postgres URL).
func WithDeviceDSN(dsn string) Option {
	return func(o *Opts) { o.DeviceDSN = dsn }
}

// WithQRCodeOutput writes the pairing code to path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints the pairing code as text.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client is a linked whatsmeow device.
type Client struct {
	wa *whatsmeow.Client
}

// NewClient opens the device store and connects, pairing first when the store
// holds no device identity yet.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DeviceDSN == "" {
		return nil, errors.New("whatsapp: device store DSN is required")
	}

	driver := store.DetectDSNType(cfg.DeviceDSN)
	if driver == "sqlite3" && !strings.Contains(cfg.DeviceDSN, "foreign_keys") {
		slog.Warn("WhatsApp.NewClient: device store without foreign keys", "hint", "append ?_foreign_keys=on")
	}
	container, err := sqlstore.New(ctx, driver, cfg.DeviceDSN, waLog.Stdout("WhatsmeowStore", "WARN", true))
	if err != nil {
		return nil, fmt.Errorf("open whatsmeow device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load whatsmeow device: %w", err)
	}

	c := &Client{wa: whatsmeow.NewClient(device, waLog.Stdout("Whatsmeow", "INFO", true))}
	if c.wa.Store.ID == nil {
		if err := c.pair(ctx, cfg); err != nil {
			return nil, err
		}
	} else if err := c.wa.Connect(); err != nil {
		return nil, fmt.Errorf("connect to WhatsApp: %w", err)
	}
	slog.Info("WhatsApp.NewClient: connected", "jid", c.wa.Store.ID)
	return c, nil
}

// pair links a new device, printing each pairing code until the phone scans
// one or the codes run out.
func (c *Client) pair(ctx context.Context, cfg Opts) error {
	codes, err := c.wa.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("open pairing channel: %w", err)
	}
	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("connect to WhatsApp for pairing: %w", err)
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

	slog.Info("WhatsApp.pair: scan the code from WhatsApp > Linked devices", "output", cfg.QRPath)
	last := ""
	for item := range codes {
		last = item.Event
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			if cfg.NumericCode {
				fmt.Fprintln(out, item.Code)
			} else {
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, out)
			}
		case whatsmeow.QRChannelSuccess.Event:
			slog.Info("WhatsApp.pair: device linked")
		default:
			slog.Warn("WhatsApp.pair: pairing event", "event", item.Event, "error", item.Error)
		}
	}
	if last != whatsmeow.QRChannelSuccess.Event {
		c.wa.Disconnect()
		return fmt.Errorf("whatsapp pairing did not complete (last event %q)", last)
	}
	return nil
}

// Subscribe routes inbound messages and receipts to h.
func (c *Client) Subscribe(h Handlers) uint32 {
	return c.wa.AddEventHandler(func(evt interface{}) { dispatch(h, evt) })
}

// dispatch turns one whatsmeow event into a Handlers call.
func dispatch(h Handlers, evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		resp, ok := ParseMessage(v)
		if !ok {
			slog.Debug("WhatsApp.dispatch: skipped message", "id", v.Info.ID)
			return
		}
		if h.Message != nil {
			h.Message(resp)
		}
	case *events.Receipt:
		receipt, ok := ParseReceipt(v)
		if ok && h.Receipt != nil {
			h.Receipt(receipt)
		}
	case *events.Connected:
		slog.Info("WhatsApp: connected")
	case *events.Disconnected:
		slog.Warn("WhatsApp: disconnected")
	case *events.LoggedOut:
		slog.Error("WhatsApp: device logged out, pairing required", "reason", v.Reason)
	}
}

// IsConnected reports whether the device is online and logged in.
func (c *Client) IsConnected() bool {
	return c != nil && c.wa != nil && c.wa.IsConnected() && c.wa.IsLoggedIn()
}

// SendMessage sends body as a plain text message to the phone number to.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c == nil || c.wa == nil {
		return ErrNotConnected
	}
	user := strings.TrimPrefix(to, "+")
	if user == "" {
		return models.ErrEmptyRecipient
	}
	if body == "" {
		return models.ErrEmptyMessage
	}

	jid := types.NewJID(user, types.DefaultUserServer)
	resp, err := c.wa.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body})
	if err != nil {
		slog.Error("WhatsApp.SendMessage failed", "error", err, "to", user)
		return fmt.Errorf("send to %s: %w", user, err)
	}
	slog.Debug("WhatsApp.SendMessage delivered to server", "to", user, "id", resp.ID)
	return nil
}

// Disconnect closes the connection. Safe on an unconnected client.
func (c *Client) Disconnect() {
	if c != nil && c.wa != nil {
		c.wa.Disconnect()
	}
}

// MockClient records sent messages and replays inbound traffic to its
// subscribers. Use it in place of Client in tests.
type MockClient struct {
	mu       sync.Mutex
	sent     []SentMessage
	handlers []Handlers
	Err      error
	Offline  bool
}

// SentMessage is a message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

func (m *MockClient) Subscribe(h Handlers) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
	return uint32(len(m.handlers))
}

// Deliver feeds a raw whatsmeow event to every subscriber.
func (m *MockClient) Deliver(evt interface{}) {
	m.mu.Lock()
	handlers := append([]Handlers(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		dispatch(h, evt)
	}
}

func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.Offline
}

// Disconnect marks the mock offline.
func (m *MockClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Offline = true
}
