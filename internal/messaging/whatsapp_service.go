package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service over a whatsmeow connection.
type WhatsAppService struct {
	*eventBus
	client   whatsapp.Sender
	waClient *whatsapp.Client // nil for mocks; used for event subscription
	handler  uint32
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{eventBus: newEventBus("WhatsAppService"), client: client}
	if wa, ok := client.(*whatsapp.Client); ok {
		s.waClient = wa
	}
	return s
}

// ValidateAndCanonicalizeRecipient reduces a number to digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start subscribes to whatsmeow message and receipt events.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event subscription")
		return nil
	}
	s.handler = s.waClient.GetClient().AddEventHandler(s.handleEvent)
	slog.Debug("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop unsubscribes, disconnects and closes the event channels.
func (s *WhatsAppService) Stop() error {
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().RemoveEventHandler(s.handler)
		s.waClient.Disconnect()
	}
	if s.shutdown() {
		slog.Info("WhatsAppService.Stop: stopped")
	}
	return nil
}

// Send delivers text directly and media through upload.
func (s *WhatsAppService) Send(ctx context.Context, to string, payload models.Payload) (models.Receipt, error) {
	if s.isStopped() {
		return models.Receipt{}, ErrServiceStopped
	}
	id, err := s.client.SendMedia(ctx, to, payload)
	if err != nil {
		slog.Error("WhatsAppService.Send: failed", "to", to, "type", payload.Type, "error", err)
		return models.Receipt{}, err
	}
	return s.sentReceipt(to, id), nil
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Receipt:
		s.handleMessageReceipt(v)
	}
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	body, mt := messageContent(evt.Message)
	if mt == "" {
		slog.Debug("WhatsAppService.handleIncomingMessage: unsupported message kind", "from", evt.Info.Sender.User)
		return
	}
	in := models.InboundPayload{
		MessageID: evt.Info.ID,
		From:      evt.Info.Sender.User,
		Body:      body,
		Type:      mt,
		Time:      evt.Info.Timestamp,
	}
	if s.emitInbound(in) {
		slog.Debug("WhatsAppService.handleIncomingMessage: forwarded", "from", in.From, "message_id", in.MessageID)
	}
}

// messageContent extracts the text and kind of an inbound message. Media messages carry
// their caption as body.
func messageContent(m *waE2E.Message) (string, models.MediaType) {
	switch {
	case m.Conversation != nil:
		return m.GetConversation(), models.MediaText
	case m.ExtendedTextMessage != nil:
		return m.GetExtendedTextMessage().GetText(), models.MediaText
	case m.ImageMessage != nil:
		return m.GetImageMessage().GetCaption(), models.MediaImage
	case m.AudioMessage != nil:
		return "", models.MediaAudio
	case m.VideoMessage != nil:
		return m.GetVideoMessage().GetCaption(), models.MediaVideo
	case m.DocumentMessage != nil:
		return m.GetDocumentMessage().GetCaption(), models.MediaDocument
	default:
		return "", ""
	}
}

func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	id := ""
	if len(evt.MessageIDs) > 0 {
		id = evt.MessageIDs[0]
	}
	s.emitReceipt(models.Receipt{
		To:        evt.MessageSource.Chat.User,
		MessageID: id,
		Status:    status,
		Time:      evt.Timestamp.Unix(),
	})
}
