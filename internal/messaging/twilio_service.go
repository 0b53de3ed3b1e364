package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Inbound messages arrive through
// WebhookHandler.
type TwilioService struct {
	*eventBus
	client twiliowhatsapp.Sender
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService over a real or mock Twilio client.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{eventBus: newEventBus("TwilioService"), client: client}
}

// ValidateAndCanonicalizeRecipient reduces a number to digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(strings.TrimPrefix(recipient, "whatsapp:"))
}

// Start is a no-op; Twilio pushes events over HTTP.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *TwilioService) Stop() error {
	if s.shutdown() {
		slog.Info("TwilioService.Stop: stopped")
	}
	return nil
}

// Send delivers payload through the Twilio API.
func (s *TwilioService) Send(ctx context.Context, to string, payload models.Payload) (models.Receipt, error) {
	if s.isStopped() {
		return models.Receipt{}, ErrServiceStopped
	}
	sid, err := s.client.Send(ctx, to, payload)
	if err != nil {
		return models.Receipt{}, err
	}
	return s.sentReceipt(to, sid), nil
}

// ParseTwilioWebhook converts a Twilio inbound form into an inbound payload. Status
// callbacks (MessageStatus set, no Body and no media) return ok=false.
func ParseTwilioWebhook(r *http.Request, now time.Time) (models.InboundPayload, bool, error) {
	if err := r.ParseForm(); err != nil {
		return models.InboundPayload{}, false, fmt.Errorf("parse form: %w", err)
	}
	from := strings.TrimPrefix(r.FormValue("From"), "whatsapp:")
	body := r.FormValue("Body")
	numMedia := r.FormValue("NumMedia")
	if from == "" {
		return models.InboundPayload{}, false, fmt.Errorf("missing From")
	}
	if body == "" && (numMedia == "" || numMedia == "0") {
		return models.InboundPayload{}, false, nil
	}
	mt := models.MediaText
	if numMedia != "" && numMedia != "0" {
		mt = mediaFromContentType(r.FormValue("MediaContentType0"))
	}
	return models.InboundPayload{
		MessageID: r.FormValue("MessageSid"),
		From:      strings.TrimPrefix(from, "+"),
		Body:      body,
		Type:      mt,
		Time:      now,
	}, true, nil
}

func mediaFromContentType(ct string) models.MediaType {
	switch {
	case strings.HasPrefix(ct, "image/"):
		return models.MediaImage
	case strings.HasPrefix(ct, "audio/"):
		return models.MediaAudio
	case strings.HasPrefix(ct, "video/"):
		return models.MediaVideo
	default:
		return models.MediaDocument
	}
}

// WebhookHandler handles inbound Twilio webhook requests and emits them on Inbound.
// Delivery status callbacks are turned into receipts.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	in, ok, err := ParseTwilioWebhook(r, time.Now())
	if err != nil {
		slog.Warn("TwilioService.WebhookHandler: bad request", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if !ok {
		if status := twilioStatus(r.FormValue("MessageStatus")); status != "" {
			s.emitReceipt(models.Receipt{
				To:        strings.TrimPrefix(strings.TrimPrefix(r.FormValue("To"), "whatsapp:"), "+"),
				MessageID: r.FormValue("MessageSid"),
				Status:    status,
				Time:      time.Now().Unix(),
			})
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.emitInbound(in)
	w.WriteHeader(http.StatusOK)
}

func twilioStatus(s string) models.MessageStatus {
	switch s {
	case "sent":
		return models.MessageStatusSent
	case "delivered":
		return models.MessageStatusDelivered
	case "read":
		return models.MessageStatusRead
	case "failed", "undelivered":
		return models.MessageStatusFailed
	default:
		return ""
	}
}
