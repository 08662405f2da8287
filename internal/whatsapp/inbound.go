package whatsapp

import (
	"strings"

	"github.com/lobikohealth/LobikoPipe/internal/models"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// ParseMessage converts a whatsmeow message event into an inbound response.
// It returns false for events that carry nothing a patient could have sent:
// our own messages, group chats, reactions and protocol messages.
func ParseMessage(evt *events.Message) (models.Response, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.Response{}, false
	}

	resp := models.Response{
		From:      "+" + evt.Info.Sender.User,
		Time:      evt.Info.Timestamp.Unix(),
		MessageID: string(evt.Info.ID),
		Channel:   models.ChannelWhatsmeow,
	}

	msg := evt.Message
	switch {
	case msg.GetConversation() != "":
		resp.Body = msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		resp.Body = msg.GetExtendedTextMessage().GetText()
	default:
		resp.Media = parseMedia(msg, resp.MessageID)
		if resp.Media == nil {
			return models.Response{}, false
		}
	}
	return resp, strings.TrimSpace(resp.Body) != "" || resp.Media != nil
}

func parseMedia(msg *waE2E.Message, messageID string) *models.MediaDescriptor {
	var d *models.MediaDescriptor
	switch {
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		d = &models.MediaDescriptor{Type: models.MediaTypeImage, Ref: m.GetDirectPath(), MimeType: m.GetMimetype(), Caption: m.GetCaption()}
	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		d = &models.MediaDescriptor{Type: models.MediaTypeAudio, Ref: m.GetDirectPath(), MimeType: m.GetMimetype()}
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		d = &models.MediaDescriptor{Type: models.MediaTypeVideo, Ref: m.GetDirectPath(), MimeType: m.GetMimetype(), Caption: m.GetCaption()}
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		d = &models.MediaDescriptor{
			Type: models.MediaTypeDocument, Ref: m.GetDirectPath(), MimeType: m.GetMimetype(),
			FileName: m.GetFileName(), Caption: m.GetCaption(),
		}
	default:
		return nil
	}
	if d.Ref == "" {
		// Without a direct path the message id still lets an operator find it.
		d.Ref = messageID
	}
	return d
}

// ParseReceipt converts a delivery or read receipt. Other receipt types are
// skipped.
func ParseReceipt(evt *events.Receipt) (models.Receipt, bool) {
	if evt == nil {
		return models.Receipt{}, false
	}
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return models.Receipt{}, false
	}
	return models.Receipt{To: evt.MessageSource.Chat.User, Status: status, Time: evt.Timestamp.Unix()}, true
}
