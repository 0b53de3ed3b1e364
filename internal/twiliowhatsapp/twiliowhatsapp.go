// Package twiliowhatsapp wraps the Twilio API for WhatsApp delivery in FlowPipe.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender sends a payload through Twilio and returns the message SID.
type Sender interface {
	Send(ctx context.Context, to string, payload models.Payload) (string, error)
}

// messageCreator is the subset of the Twilio REST API the client calls.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, with or without the "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	api       messageCreator
	fromWhats string
}

var _ Sender = (*Client)(nil)

// NewClient creates a Twilio client. Missing options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("twiliowhatsapp.NewClient: config loaded",
		"account_sid_set", cfg.AccountSID != "",
		"auth_token_set", cfg.AuthToken != "",
		"from_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newClient(rest.Api, cfg.FromWhats), nil
}

func newClient(api messageCreator, from string) *Client {
	return &Client{api: api, fromWhats: whatsappAddress(from)}
}

// Send delivers payload. Media payloads pass their URL to Twilio, which fetches it.
func (c *Client) Send(ctx context.Context, to string, payload models.Payload) (string, error) {
	if to == "" {
		return "", models.ErrEmptyRecipient
	}
	params := BuildParams(c.fromWhats, to, payload)
	msg, err := c.api.CreateMessage(params)
	if err != nil {
		slog.Error("Client.Send: Twilio CreateMessage failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := ""
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Debug("Client.Send: sent", "to", to, "sid", sid)
	return sid, nil
}

// BuildParams maps a payload onto Twilio message parameters.
func BuildParams(from, to string, payload models.Payload) *twilioApi.CreateMessageParams {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(to))
	params.SetFrom(from)
	if payload.Type == "" || payload.Type == models.MediaText {
		params.SetBody(payload.Text)
		return params
	}
	params.SetMediaUrl([]string{payload.URL})
	if payload.Caption != "" {
		params.SetBody(payload.Caption)
	}
	return params
}

func whatsappAddress(n string) string {
	if strings.HasPrefix(n, "whatsapp:") {
		return n
	}
	if !strings.HasPrefix(n, "+") {
		n = "+" + n
	}
	return "whatsapp:" + n
}

// MockClient records sends without calling Twilio.
type MockClient struct {
	SentMessages []SentMessage
	Err          error
}

// SentMessage is one send recorded by MockClient.
type SentMessage struct {
	To      string
	Payload models.Payload
}

var _ Sender = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) Send(ctx context.Context, to string, payload models.Payload) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Payload: payload})
	return fmt.Sprintf("SM%d", len(m.SentMessages)), nil
}
