package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// LogService is a channel that only logs sends. Inbound messages can be injected with
// Receive, which the API's generic inbound hook uses.
type LogService struct {
	*eventBus
	seq atomic.Int64
}

var _ Service = (*LogService)(nil)

func NewLogService() *LogService {
	return &LogService{eventBus: newEventBus("LogService")}
}

func (s *LogService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

func (s *LogService) Start(ctx context.Context) error { return nil }

func (s *LogService) Stop() error {
	s.shutdown()
	return nil
}

func (s *LogService) Send(ctx context.Context, to string, payload models.Payload) (models.Receipt, error) {
	if s.isStopped() {
		return models.Receipt{}, ErrServiceStopped
	}
	id := fmt.Sprintf("log-%d", s.seq.Add(1))
	slog.Info("LogService.Send", "to", to, "type", payload.Type, "text", payload.Summary(), "message_id", id)
	return s.sentReceipt(to, id), nil
}

// Receive injects an inbound message as if the channel had delivered it.
func (s *LogService) Receive(in models.InboundPayload) bool {
	return s.emitInbound(in)
}
