package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/lobikohealth/LobikoPipe/internal/models"
	"github.com/lobikohealth/LobikoPipe/internal/whatsapp"
)

// Compile-time check that WhatsAppService implements Service.
var _ Service = (*WhatsAppService)(nil)

// eventSource is the inbound side of a linked device.
type eventSource interface {
	Subscribe(h whatsapp.Handlers) uint32
	IsConnected() bool
	Disconnect()
}

// WhatsAppService implements Service on a whatsmeow linked device.
type WhatsAppService struct {
	client whatsapp.Sender
	source eventSource // nil when the client only sends
	events *eventChannels
}

// NewWhatsAppService wraps client. Clients that also implement Subscribe
// deliver inbound traffic once Start is called.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client: client,
		events: newEventChannels("WhatsAppService"),
	}
	if src, ok := client.(eventSource); ok {
		service.source = src
	} else {
		slog.Debug("WhatsAppService created with a send-only client")
	}
	return service
}

// ValidateAndCanonicalizeRecipient strips formatting from a phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start subscribes to the device's inbound traffic.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.source == nil {
		return nil
	}
	id := s.source.Subscribe(whatsapp.Handlers{
		Message: func(r models.Response) { s.events.emitResponse(r) },
		Receipt: s.events.emitReceipt,
	})
	slog.Debug("WhatsAppService subscribed", "handlerID", id)
	return nil
}

// Connected reports whether the device is online. Send-only clients count as
// connected.
func (s *WhatsAppService) Connected() bool {
	return s.source == nil || s.source.IsConnected()
}

// Stop disconnects from WhatsApp and closes the event channels.
func (s *WhatsAppService) Stop() error {
	if s.source != nil {
		s.source.Disconnect()
	}
	if s.events.stop() {
		slog.Info("WhatsAppService stopped and channels closed")
	}
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.events.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	slog.Debug("WhatsAppService SendMessage invoked", "to", canonicalTo, "body_length", len(body))
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	s.events.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.events.receipts
}

// Responses returns a channel of incoming response events.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.events.responses
}
