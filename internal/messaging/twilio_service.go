package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lobikohealth/LobikoPipe/internal/models"
	"github.com/lobikohealth/LobikoPipe/internal/twiliowhatsapp"
	"github.com/twilio/twilio-go/client"
)

// TwilioSignatureHeader carries Twilio's request signature.
const TwilioSignatureHeader = "X-Twilio-Signature"

// emptyTwiML acknowledges a webhook without sending anything back.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// Compile-time check that TwilioService implements Service.
var _ Service = (*TwilioService)(nil)

// TwilioService implements the Service interface using Twilio API.
// Inbound messages arrive through TwilioWebhookHandler.
type TwilioService struct {
	client     twiliowhatsapp.Sender // Could be real Twilio client or MockClient
	events     *eventChannels
	validator  *client.RequestValidator
	webhookURL string
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithTwilioSignatureValidation rejects webhook calls whose X-Twilio-Signature
// does not match authToken. webhookURL is the public URL configured in the
// Twilio console, which is what Twilio signs.
func WithTwilioSignatureValidation(authToken, webhookURL string) TwilioOption {
	return func(s *TwilioService) {
		v := client.NewRequestValidator(authToken)
		s.validator = &v
		s.webhookURL = webhookURL
	}
}

// NewTwilioService creates a new TwilioService around client.
func NewTwilioService(sender twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client: sender,
		events: newEventChannels("TwilioService"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
// It removes all non-numeric characters, including the "whatsapp:" prefix.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := CanonicalizePhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio (inbound arrives over HTTP)
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	if s.events.stop() {
		slog.Info("TwilioService stopped and channels closed")
	}
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.events.isStopped() {
		return ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}

	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}

	s.events.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel for sent message receipts
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.events.receipts
}

// Responses returns the channel for incoming messages
func (s *TwilioService) Responses() <-chan models.Response {
	return s.events.responses
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them as models.Response into the Responses() channel.
// A message with several attachments yields one response per attachment.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Twilio webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.Validate(s.webhookURL, params, r.Header.Get(TwilioSignatureHeader)) {
			slog.Warn("Twilio webhook signature mismatch", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	responses, err := parseTwilioForm(r)
	if err != nil {
		slog.Warn("Twilio webhook missing fields", "error", err)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	dropped := 0
	for _, response := range responses {
		slog.Info("Inbound WhatsApp message from Twilio", "from", response.From, "messageID", response.MessageID, "media", response.Media != nil)
		if !s.events.emitResponse(response) {
			dropped++
		}
	}
	if dropped > 0 {
		// Twilio redelivers on 5xx; inbound dedup drops the parts already queued.
		slog.Warn("Twilio webhook not fully queued", "dropped", dropped, "total", len(responses))
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}

func parseTwilioForm(r *http.Request) ([]models.Response, error) {
	from := strings.TrimPrefix(r.FormValue("From"), "whatsapp:")
	body := r.FormValue("Body")
	sid := r.FormValue("MessageSid")
	numMedia, _ := strconv.Atoi(r.FormValue("NumMedia"))

	if from == "" {
		return nil, fmt.Errorf("missing From")
	}
	if body == "" && numMedia == 0 {
		return nil, fmt.Errorf("missing Body")
	}

	now := time.Now().Unix()
	if numMedia == 0 {
		return []models.Response{{From: from, Body: body, Time: now, MessageID: sid, Channel: models.ChannelTwilio}}, nil
	}

	out := make([]models.Response, 0, numMedia)
	for i := 0; i < numMedia; i++ {
		url := r.FormValue(fmt.Sprintf("MediaUrl%d", i))
		if url == "" {
			continue
		}
		mime := r.FormValue(fmt.Sprintf("MediaContentType%d", i))
		id := sid
		if i > 0 {
			id = fmt.Sprintf("%s/%d", sid, i)
		}
		media := &models.MediaDescriptor{Type: models.MediaTypeFromMIME(mime), Ref: url, MimeType: mime}
		if i == 0 {
			media.Caption = body
		}
		out = append(out, models.Response{From: from, Time: now, MessageID: id, Media: media, Channel: models.ChannelTwilio})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("NumMedia=%d without media URLs", numMedia)
	}
	return out, nil
}
