// Package cloudapi talks to the Meta WhatsApp Cloud API: outbound text
// messages over the Graph API and parsing of inbound webhook deliveries.
package cloudapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	// DefaultBaseURL is the Graph API root including its version.
	DefaultBaseURL = "https://graph.facebook.com/v20.0"
	// DefaultRetryMax is the number of retries for 429 and 5xx answers.
	DefaultRetryMax = 3
	// DefaultRequestTimeout bounds one HTTP attempt.
	DefaultRequestTimeout = 10 * time.Second
)

// Sender sends WhatsApp text through the Cloud API. Implemented by Client and MockClient.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Cloud API client.
type Opts struct {
	Token         string
	PhoneNumberID string
	BaseURL       string
	RetryMax      int
	HTTPClient    *http.Client
}

// Option defines a configuration option for the Cloud API client.
type Option func(*Opts)

// WithToken sets the permanent or system-user access token.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithPhoneNumberID sets the sending business phone number id.
func WithPhoneNumberID(id string) Option {
	return func(o *Opts) { o.PhoneNumberID = id }
}

// WithBaseURL overrides the Graph API root (tests point it at httptest).
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = strings.TrimRight(url, "/") }
}

// WithRetryMax sets how many times a failed request is retried.
func WithRetryMax(n int) Option {
	return func(o *Opts) { o.RetryMax = n }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client sends messages with retry and exponential backoff.
type Client struct {
	http          *retryablehttp.Client
	baseURL       string
	token         string
	phoneNumberID string
}

// NewClient builds a Client. Missing options fall back to WHATSAPP_CLOUD_TOKEN
// and WHATSAPP_CLOUD_PHONE_NUMBER_ID.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{BaseURL: DefaultBaseURL, RetryMax: DefaultRetryMax}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("WHATSAPP_CLOUD_TOKEN")
	}
	if cfg.PhoneNumberID == "" {
		cfg.PhoneNumberID = os.Getenv("WHATSAPP_CLOUD_PHONE_NUMBER_ID")
	}
	slog.Debug("Cloud API client config loaded", "Token_set", cfg.Token != "", "PhoneNumberID_set", cfg.PhoneNumberID != "")
	if cfg.Token == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("cloud API token and phone number id must be provided")
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = slog.Default()
	if cfg.HTTPClient != nil {
		rc.HTTPClient = cfg.HTTPClient
	} else {
		rc.HTTPClient.Timeout = DefaultRequestTimeout
	}

	return &Client{
		http:          rc,
		baseURL:       cfg.BaseURL,
		token:         cfg.Token,
		phoneNumberID: cfg.PhoneNumberID,
	}, nil
}

type textMessage struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendMessage sends a text message. to is an E.164 number with or without "+".
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	payload, err := json.Marshal(textMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(to, "+"),
		Type:             "text",
		Text:             textBody{Body: body},
	})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, payload)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("CloudAPI SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out sendResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if out.Error != nil {
			msg = fmt.Sprintf("%s (code %d)", out.Error.Message, out.Error.Code)
		}
		slog.Error("CloudAPI SendMessage rejected", "to", to, "status", resp.StatusCode, "error", msg)
		return fmt.Errorf("cloud API rejected message to %s: status %d: %s", to, resp.StatusCode, msg)
	}

	id := ""
	if len(out.Messages) > 0 {
		id = out.Messages[0].ID
	}
	slog.Debug("CloudAPI message sent", "to", to, "id", id)
	return nil
}

// MockClient records messages instead of calling the Graph API.
type MockClient struct {
	mu   sync.Mutex
	sent []SentMessage
	Err  error
}

// SentMessage is a message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(_ context.Context, to string, body string) error {
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
