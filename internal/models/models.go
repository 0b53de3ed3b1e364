// Package models defines the core data structures for FlowPipe.
//
// It includes the flow, session, campaign and dispatch records shared across modules,
// the error taxonomy, and the JSON envelope used by the management API.
package models

import (
	"errors"
	"strings"
	"time"
)

// Error variables for better error handling and testability
var (
	ErrNotFound          = errors.New("not found")
	ErrEmptyTenant       = errors.New("tenant cannot be empty")
	ErrEmptyContact      = errors.New("contact cannot be empty")
	ErrEmptyRecipient    = errors.New("recipient cannot be empty")
	ErrEmptyPayload      = errors.New("payload has no content")
	ErrInvalidMediaType  = errors.New("invalid media type")
	ErrPermanent         = errors.New("permanent delivery failure")
	ErrDuplicateInbound  = errors.New("inbound message already processed")
	ErrSessionTerminated = errors.New("session already terminated")
)

// MediaType is the kind of content carried by an outbound payload.
type MediaType string

const (
	MediaText     MediaType = "text"
	MediaImage    MediaType = "image"
	MediaAudio    MediaType = "audio"
	MediaVideo    MediaType = "video"
	MediaDocument MediaType = "document"
)

// IsValidMediaType checks if the given media type is supported.
func IsValidMediaType(mt MediaType) bool {
	switch mt {
	case MediaText, MediaImage, MediaAudio, MediaVideo, MediaDocument:
		return true
	default:
		return false
	}
}

// Payload is one outbound message segment handed to a channel.
type Payload struct {
	Type     MediaType `json:"type"`
	Text     string    `json:"text,omitempty"`
	URL      string    `json:"url,omitempty"`
	Caption  string    `json:"caption,omitempty"`
	FileName string    `json:"fileName,omitempty"`
	// Voice asks the channel to deliver text as speech when it can.
	Voice bool `json:"voice,omitempty"`
}

// Validate checks that the payload carries something sendable.
func (p Payload) Validate() error {
	mt := p.Type
	if mt == "" {
		mt = MediaText
	}
	if !IsValidMediaType(mt) {
		return ErrInvalidMediaType
	}
	if mt == MediaText && strings.TrimSpace(p.Text) == "" {
		return ErrEmptyPayload
	}
	if mt != MediaText && p.URL == "" {
		return ErrEmptyPayload
	}
	return nil
}

// Summary returns the text representation of the payload used for conversation history.
func (p Payload) Summary() string {
	if p.Type == "" || p.Type == MediaText {
		return p.Text
	}
	if p.Caption != "" {
		return p.Caption
	}
	return "[" + string(p.Type) + "]"
}

// MessageStatus represents the delivery status of a message.
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

// Receipt is the acknowledgement a channel returns for a send.
type Receipt struct {
	To        string        `json:"to"`
	MessageID string        `json:"messageId,omitempty"`
	Status    MessageStatus `json:"status"`
	Time      int64         `json:"time"`
}

// InboundPayload is a message received from a contact on a channel.
type InboundPayload struct {
	MessageID string    `json:"messageId,omitempty"`
	From      string    `json:"from"`
	Body      string    `json:"body"`
	Type      MediaType `json:"type,omitempty"`
	Time      time.Time `json:"time"`
}

// Field returns the named payload field for condition evaluation.
func (p InboundPayload) Field(name string) (string, bool) {
	switch strings.ToLower(name) {
	case "body", "text":
		return p.Body, true
	case "from":
		return p.From, true
	case "type":
		if p.Type == "" {
			return string(MediaText), true
		}
		return string(p.Type), true
	case "messageid":
		return p.MessageID, true
	default:
		return "", false
	}
}

// InboundMessage couples an inbound payload with its tenant, as emitted by channel services.
type InboundMessage struct {
	TenantID string         `json:"tenantId"`
	Payload  InboundPayload `json:"payload"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusScheduled indicates an API request resulted in scheduled work.
	APIStatusScheduled APIStatus = "scheduled"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  APIStatus   `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Kind    ErrorKind   `json:"kind,omitempty"`    // error kind for diagnostics
	NodeID  string      `json:"nodeId,omitempty"`  // originating flow node, when known
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Message: message, Result: result}
}

// Scheduled creates a scheduled API response.
func Scheduled(result interface{}) APIResponse {
	return APIResponse{Status: APIStatusScheduled, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}

// ErrorFrom builds an error response carrying the diagnostic kind and node of err.
func ErrorFrom(err error) APIResponse {
	d := Diagnose(err)
	return APIResponse{Status: APIStatusError, Message: d.Message, Kind: d.Kind, NodeID: d.NodeID}
}
