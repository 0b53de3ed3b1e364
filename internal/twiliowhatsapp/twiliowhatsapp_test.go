package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeAPI struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeAPI) CreateMessage(p *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.params = append(f.params, p)
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestClient_SendText(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(api, "+15550100")

	sid, err := c.Send(context.Background(), "5511900000001", models.Payload{Type: models.MediaText, Text: "Hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sid != "SM123" {
		t.Errorf("sid = %q", sid)
	}
	p := api.params[0]
	if *p.To != "whatsapp:+5511900000001" || *p.From != "whatsapp:+15550100" || *p.Body != "Hello" {
		t.Errorf("unexpected params: to=%s from=%s body=%s", *p.To, *p.From, *p.Body)
	}
	if p.MediaUrl != nil {
		t.Error("text message should not carry media")
	}
}

func TestClient_SendMediaPassesURL(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(api, "whatsapp:+15550100")

	_, err := c.Send(context.Background(), "+5511900000001", models.Payload{Type: models.MediaImage, URL: "https://cdn.example/menu.png", Caption: "menu"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	p := api.params[0]
	if p.MediaUrl == nil || (*p.MediaUrl)[0] != "https://cdn.example/menu.png" {
		t.Errorf("media url not set: %+v", p.MediaUrl)
	}
	if *p.Body != "menu" {
		t.Errorf("caption should become body, got %q", *p.Body)
	}
}

func TestClient_Errors(t *testing.T) {
	c := newClient(&fakeAPI{err: errors.New("503")}, "+1")
	if _, err := c.Send(context.Background(), "1", models.Payload{Text: "x"}); err == nil {
		t.Error("expected API error")
	}
	if _, err := c.Send(context.Background(), "", models.Payload{Text: "x"}); !errors.Is(err, models.ErrEmptyRecipient) {
		t.Errorf("expected ErrEmptyRecipient, got %v", err)
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("+1")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMockClient_Send(t *testing.T) {
	mock := NewMockClient()
	if _, err := mock.Send(context.Background(), "12345", models.Payload{Text: "Hello Test"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].Payload.Text != "Hello Test" {
		t.Errorf("unexpected messages: %+v", mock.SentMessages)
	}
}
