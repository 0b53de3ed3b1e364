// Package messaging adapts channel clients to FlowPipe: outbound sends routed per tenant,
// and inbound messages and receipts surfaced as Go channels.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

const (
	// DefaultChannelBufferSize is the buffer size of receipt and inbound channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an emit waits on a full channel.
	DefaultChannelTimeout = 1 * time.Second
	// MinRecipientDigits is the shortest accepted phone number.
	MinRecipientDigits = 6
)

// ErrServiceStopped is returned by sends on a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service is one channel connection.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient and returns its canonical form.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Send delivers payload to a canonical recipient.
	Send(ctx context.Context, to string, payload models.Payload) (models.Receipt, error)

	// Start begins background processing such as event subscription.
	Start(ctx context.Context) error

	// Stop ends background processing and closes the event channels.
	Stop() error

	// Receipts returns a channel of sent, delivered and read receipts.
	Receipts() <-chan models.Receipt

	// Inbound returns a channel of messages received from contacts.
	Inbound() <-chan models.InboundPayload
}

// canonicalizePhone strips everything but digits and enforces a minimum length.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := util.NormalizeNumber(recipient)
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinRecipientDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinRecipientDigits)
	}
	return canonical, nil
}

// eventBus owns the receipt and inbound channels shared by every Service implementation.
type eventBus struct {
	name     string
	receipts chan models.Receipt
	inbound  chan models.InboundPayload
	mu       sync.RWMutex
	stopped  bool
}

func newEventBus(name string) *eventBus {
	return &eventBus{
		name:     name,
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		inbound:  make(chan models.InboundPayload, DefaultChannelBufferSize),
	}
}

func (e *eventBus) Receipts() <-chan models.Receipt { return e.receipts }

func (e *eventBus) Inbound() <-chan models.InboundPayload { return e.inbound }

func (e *eventBus) isStopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

// shutdown marks the service stopped and closes its channels once.
func (e *eventBus) shutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.stopped = true
	close(e.receipts)
	close(e.inbound)
	return true
}

// emitReceipt pushes a receipt, dropping it after DefaultChannelTimeout.
func (e *eventBus) emitReceipt(r models.Receipt) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return
	}
	select {
	case e.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(e.name+".emitReceipt: channel blocked, dropping receipt", "to", r.To, "status", r.Status)
	}
}

// emitInbound pushes an inbound message, dropping it after DefaultChannelTimeout.
func (e *eventBus) emitInbound(p models.InboundPayload) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		slog.Warn(e.name+".emitInbound: service stopped, dropping message", "from", p.From)
		return false
	}
	select {
	case e.inbound <- p:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(e.name+".emitInbound: channel blocked, dropping message", "from", p.From)
		return false
	}
}

// sentReceipt emits and returns the receipt for a successful send.
func (e *eventBus) sentReceipt(to, messageID string) models.Receipt {
	r := models.Receipt{To: to, MessageID: messageID, Status: models.MessageStatusSent, Time: time.Now().Unix()}
	e.emitReceipt(r)
	return r
}
