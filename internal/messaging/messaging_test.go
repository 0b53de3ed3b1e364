package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

func TestWhatsAppService_SendEmitsReceipt(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)

	rc, err := svc.Send(context.Background(), "5511900000001", models.Payload{Type: models.MediaText, Text: "hello"})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if rc.Status != models.MessageStatusSent || rc.MessageID == "" {
		t.Errorf("unexpected receipt: %+v", rc)
	}
	select {
	case got := <-svc.Receipts():
		if got.To != "5511900000001" {
			t.Errorf("receipt.To = %s", got.To)
		}
	default:
		t.Fatal("expected receipt on channel")
	}
}

func TestWhatsAppService_StartStopClosesChannels(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("expected receipts channel closed")
	}
	if _, ok := <-svc.Inbound(); ok {
		t.Error("expected inbound channel closed")
	}
	if _, err := svc.Send(context.Background(), "5511900000001", models.Payload{Text: "x"}); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestMessageContent(t *testing.T) {
	tests := []struct {
		name     string
		msg      *waE2E.Message
		wantBody string
		wantType models.MediaType
	}{
		{"conversation", &waE2E.Message{Conversation: proto.String("1")}, "1", models.MediaText},
		{"extended", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("hi")}}, "hi", models.MediaText},
		{"image caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("look")}}, "look", models.MediaImage},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, "", models.MediaAudio},
		{"unsupported", &waE2E.Message{}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, mt := messageContent(tt.msg)
			if body != tt.wantBody || mt != tt.wantType {
				t.Errorf("got (%q, %q), want (%q, %q)", body, mt, tt.wantBody, tt.wantType)
			}
		})
	}
}

func TestRouter_Send(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	r := NewRouter()
	r.Register("t1", NewTwilioService(mock))
	ctx := context.Background()

	if _, err := r.Send(ctx, "t1", "+55 (11) 90000-0001", models.Payload{Text: "oi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != "5511900000001" {
		t.Errorf("recipient not canonicalized: %+v", mock.SentMessages)
	}

	if _, err := r.Send(ctx, "t2", "5511900000001", models.Payload{Text: "oi"}); !errors.Is(err, models.ErrPermanent) || !errors.Is(err, ErrNoChannel) {
		t.Errorf("unknown tenant should fail permanently, got %v", err)
	}
	if _, err := r.Send(ctx, "t1", "123", models.Payload{Text: "oi"}); !errors.Is(err, models.ErrPermanent) {
		t.Errorf("short number should fail permanently, got %v", err)
	}
	if got := r.Tenants(); len(got) != 1 || got[0] != "t1" {
		t.Errorf("Tenants() = %v", got)
	}
}

type inboundRecorder struct {
	mu   sync.Mutex
	got  []string
	done chan struct{}
}

func (h *inboundRecorder) OnInboundMessage(ctx context.Context, tenantID, contactID string, p models.InboundPayload) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, tenantID+"|"+contactID+"|"+p.Body)
	if len(h.got) == 2 {
		close(h.done)
	}
	if p.Body == "dup" {
		return models.ErrDuplicateInbound
	}
	return nil
}

func TestRouter_PumpsInboundToHandler(t *testing.T) {
	logSvc := NewLogService()
	r := NewRouter()
	r.Register("t1", logSvc)
	h := &inboundRecorder{done: make(chan struct{})}

	if err := r.Start(context.Background(), h); err != nil {
		t.Fatalf("Start: %v", err)
	}
	logSvc.Receive(models.InboundPayload{From: "+55 11 90000-0001", Body: "hi"})
	logSvc.Receive(models.InboundPayload{From: "5511900000001", Body: "dup"})
	if _, err := r.Send(context.Background(), "t1", "5511900000001", models.Payload{Text: "reply"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not receive inbound messages")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.got[0] != "t1|5511900000001|hi" {
		t.Errorf("unexpected first inbound: %q", h.got[0])
	}
}

func postForm(t *testing.T, h http.HandlerFunc, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestTwilioService_WebhookHandler(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	rec := postForm(t, svc.WebhookHandler, url.Values{
		"From":       {"whatsapp:+5511900000001"},
		"Body":       {"menu"},
		"MessageSid": {"SM1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case in := <-svc.Inbound():
		if in.From != "5511900000001" || in.Body != "menu" || in.MessageID != "SM1" || in.Type != models.MediaText {
			t.Errorf("unexpected inbound: %+v", in)
		}
	default:
		t.Fatal("expected inbound message")
	}

	rec = postForm(t, svc.WebhookHandler, url.Values{
		"From":              {"whatsapp:+5511900000001"},
		"NumMedia":          {"1"},
		"MediaContentType0": {"image/jpeg"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("media status = %d", rec.Code)
	}
	if in := <-svc.Inbound(); in.Type != models.MediaImage {
		t.Errorf("expected image inbound, got %q", in.Type)
	}

	rec = postForm(t, svc.WebhookHandler, url.Values{
		"From":          {"whatsapp:+15550100"},
		"To":            {"whatsapp:+5511900000001"},
		"MessageStatus": {"delivered"},
		"MessageSid":    {"SM9"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status callback code = %d", rec.Code)
	}
	if rc := <-svc.Receipts(); rc.Status != models.MessageStatusDelivered || rc.To != "5511900000001" {
		t.Errorf("unexpected receipt: %+v", rc)
	}

	rec = postForm(t, svc.WebhookHandler, url.Values{"Body": {"no sender"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing From should be rejected, got %d", rec.Code)
	}
}
