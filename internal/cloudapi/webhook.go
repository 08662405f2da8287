package cloudapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lobikohealth/LobikoPipe/internal/models"
)

// SignatureHeader carries the HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Hub-Signature-256"

// WebhookPayload is the envelope Meta posts to the webhook.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the changes of one business account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change is one notification.
type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

// Value holds inbound messages and delivery statuses.
type Value struct {
	MessagingProduct string           `json:"messaging_product"`
	Contacts         []Contact        `json:"contacts"`
	Messages         []InboundMessage `json:"messages"`
	Statuses         []Status         `json:"statuses"`
}

// Contact is the sender profile.
type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// InboundMessage is a message sent by a user. Exactly one of the typed
// objects is set, according to Type.
type InboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image    *Media `json:"image,omitempty"`
	Audio    *Media `json:"audio,omitempty"`
	Video    *Media `json:"video,omitempty"`
	Document *Media `json:"document,omitempty"`
	Button   *struct {
		Text string `json:"text"`
	} `json:"button,omitempty"`
}

// Media references an attachment held by Meta.
type Media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Status is a delivery report for a message we sent.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// ParseWebhook decodes a webhook body.
func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	return &p, nil
}

// Responses returns the inbound messages of the payload as responses.
// Unsupported message types (reactions, locations, stickers) are skipped.
func (p *WebhookPayload) Responses() []models.Response {
	var out []models.Response
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			for _, m := range c.Value.Messages {
				if r, ok := m.response(); ok {
					out = append(out, r)
				}
			}
		}
	}
	return out
}

// Receipts returns the delivery statuses of the payload.
func (p *WebhookPayload) Receipts() []models.Receipt {
	var out []models.Receipt
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			for _, s := range c.Value.Statuses {
				status, ok := receiptStatus(s.Status)
				if !ok {
					continue
				}
				out = append(out, models.Receipt{To: "+" + s.RecipientID, Status: status, Time: parseUnix(s.Timestamp)})
			}
		}
	}
	return out
}

func (m InboundMessage) response() (models.Response, bool) {
	r := models.Response{
		From:      "+" + m.From,
		Time:      parseUnix(m.Timestamp),
		MessageID: m.ID,
		Channel:   models.ChannelCloudAPI,
	}
	switch m.Type {
	case "text":
		if m.Text == nil {
			return r, false
		}
		r.Body = m.Text.Body
	case "button":
		if m.Button == nil {
			return r, false
		}
		r.Body = m.Button.Text
	case "image":
		r.Media = m.Image.descriptor(models.MediaTypeImage)
	case "audio":
		r.Media = m.Audio.descriptor(models.MediaTypeAudio)
	case "video":
		r.Media = m.Video.descriptor(models.MediaTypeVideo)
	case "document":
		r.Media = m.Document.descriptor(models.MediaTypeDocument)
	default:
		return r, false
	}
	return r, m.From != "" && (r.Body != "" || r.Media != nil)
}

func (m *Media) descriptor(t models.MediaType) *models.MediaDescriptor {
	if m == nil || m.ID == "" {
		return nil
	}
	return &models.MediaDescriptor{Type: t, Ref: m.ID, MimeType: m.MimeType, FileName: m.Filename, Caption: m.Caption}
}

func receiptStatus(s string) (models.MessageStatus, bool) {
	switch s {
	case "sent":
		return models.MessageStatusSent, true
	case "delivered":
		return models.MessageStatusDelivered, true
	case "read":
		return models.MessageStatusRead, true
	case "failed":
		return models.MessageStatusFailed, true
	}
	return "", false
}

func parseUnix(ts string) int64 {
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// VerifySignature checks the X-Hub-Signature-256 header ("sha256=<hex>")
// against the app secret.
func VerifySignature(appSecret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the header value Meta would send for body.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
