package messaging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lobikohealth/LobikoPipe/internal/cloudapi"
	"github.com/lobikohealth/LobikoPipe/internal/models"
)

// MaxWebhookBodyBytes bounds a Cloud API webhook delivery.
const MaxWebhookBodyBytes = 1 << 20

// Compile-time check that CloudAPIService implements Service.
var _ Service = (*CloudAPIService)(nil)

// CloudAPIService implements Service over the Meta WhatsApp Cloud API.
// Inbound messages and statuses arrive through WebhookHandler.
type CloudAPIService struct {
	client      cloudapi.Sender
	events      *eventChannels
	verifyToken string
	appSecret   string
}

// NewCloudAPIService creates a CloudAPIService. verifyToken answers Meta's
// subscription handshake; a non-empty appSecret turns on payload signature checks.
func NewCloudAPIService(client cloudapi.Sender, verifyToken, appSecret string) *CloudAPIService {
	return &CloudAPIService{
		client:      client,
		events:      newEventChannels("CloudAPIService"),
		verifyToken: verifyToken,
		appSecret:   appSecret,
	}
}

// ValidateAndCanonicalizeRecipient strips formatting from a phone number.
func (s *CloudAPIService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start is a no-op; inbound arrives over HTTP.
func (s *CloudAPIService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *CloudAPIService) Stop() error {
	if s.events.stop() {
		slog.Info("CloudAPIService stopped and channels closed")
	}
	return nil
}

// SendMessage sends text through the Graph API and emits a sent receipt.
func (s *CloudAPIService) SendMessage(ctx context.Context, to string, body string) error {
	if s.events.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("CloudAPIService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	s.events.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel of delivery statuses.
func (s *CloudAPIService) Receipts() <-chan models.Receipt {
	return s.events.receipts
}

// Responses returns the channel of inbound messages.
func (s *CloudAPIService) Responses() <-chan models.Response {
	return s.events.responses
}

// WebhookHandler serves both the GET subscription handshake and POST deliveries.
func (s *CloudAPIService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.verify(w, r)
	case http.MethodPost:
		s.receive(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *CloudAPIService) verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || s.verifyToken == "" || q.Get("hub.verify_token") != s.verifyToken {
		slog.Warn("CloudAPIService webhook verification rejected", "mode", q.Get("hub.mode"))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, q.Get("hub.challenge"))
}

func (s *CloudAPIService) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes))
	if err != nil {
		slog.Warn("CloudAPIService webhook body unreadable", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.appSecret != "" && !cloudapi.VerifySignature(s.appSecret, body, r.Header.Get(cloudapi.SignatureHeader)) {
		slog.Warn("CloudAPIService webhook signature mismatch", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	payload, err := cloudapi.ParseWebhook(body)
	if err != nil {
		slog.Warn("CloudAPIService webhook payload invalid", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	responses := payload.Responses()
	dropped := 0
	for _, response := range responses {
		if !s.events.emitResponse(response) {
			dropped++
		}
	}
	for _, receipt := range payload.Receipts() {
		s.events.emitReceipt(receipt)
	}
	if dropped > 0 {
		// Meta retries non-2xx deliveries; inbound dedup drops the parts already queued.
		slog.Warn("CloudAPIService webhook not fully queued", "dropped", dropped, "total", len(responses))
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	slog.Debug("CloudAPIService webhook processed", "responses", len(responses))
	w.WriteHeader(http.StatusOK)
}
