// Package models defines the core data structures for LobikoPipe.
//
// It includes inbound message events, delivery receipts, the clinic records
// (patients, physicians, consultation sessions, messages) and the JSON envelope
// shared by the HTTP handlers.
package models

import (
	"errors"
	"strings"
)

// Validation constants for API payloads
const (
	// MaxMessageLength defines the maximum allowed length of a physician message
	MaxMessageLength = 4096
	// MaxNameLength defines the maximum allowed length of a physician name
	MaxNameLength = 200
)

// Error variables for payload validation
var (
	ErrEmptyRecipient     = errors.New("recipient cannot be empty")
	ErrEmptyMessage       = errors.New("message cannot be empty")
	ErrMessageTooLong     = errors.New("message exceeds maximum length")
	ErrMissingPhysicianID = errors.New("physician_id is required")
	ErrEmptyPhysicianName = errors.New("physician name cannot be empty")
	ErrPhysicianNameLong  = errors.New("physician name exceeds maximum length")
)

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Channel identifies the transport an inbound message arrived on.
type Channel string

const (
	ChannelWhatsmeow Channel = "whatsmeow"
	ChannelTwilio    Channel = "twilio"
	ChannelCloudAPI  Channel = "cloudapi"
)

type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// MediaType classifies inbound attachments.
type MediaType string

const (
	MediaTypeImage    MediaType = "image"
	MediaTypeAudio    MediaType = "audio"
	MediaTypeVideo    MediaType = "video"
	MediaTypeDocument MediaType = "document"
	MediaTypeOther    MediaType = "other"
)

// MediaTypeFromMIME maps a MIME type such as "image/jpeg" to a MediaType.
func MediaTypeFromMIME(mime string) MediaType {
	major, _, _ := strings.Cut(strings.ToLower(mime), "/")
	switch major {
	case "image":
		return MediaTypeImage
	case "audio":
		return MediaTypeAudio
	case "video":
		return MediaTypeVideo
	case "application", "text":
		return MediaTypeDocument
	default:
		return MediaTypeOther
	}
}

// MediaDescriptor references an attachment held by the messaging provider.
// Only the reference is kept; the bytes are never downloaded here.
type MediaDescriptor struct {
	Type     MediaType `json:"type"`
	Ref      string    `json:"ref"`
	MimeType string    `json:"mime_type,omitempty"`
	FileName string    `json:"file_name,omitempty"`
	Caption  string    `json:"caption,omitempty"`
}

// Response represents an incoming message from a WhatsApp user.
type Response struct {
	From      string           `json:"from"`
	Body      string           `json:"body"`
	Time      int64            `json:"time"`
	MessageID string           `json:"message_id,omitempty"` // provider id, used for dedup
	Media     *MediaDescriptor `json:"media,omitempty"`
	Channel   Channel          `json:"channel,omitempty"`
}

// API Response types for consistent JSON responses

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
