// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in FlowPipe.
//
// It handles device login, text and media sends, and exposes the underlying client so the
// messaging layer can subscribe to inbound events.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/gabriel-vasile/mimetype"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

const (
	// DefaultSQLitePath is the default path for the whatsmeow device database.
	DefaultSQLitePath = "/var/lib/flowpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users.
	JIDSuffix = "s.whatsapp.net"
	// MaxMediaBytes caps the size of media fetched for upload.
	MaxMediaBytes = 64 << 20
	// DefaultFetchTimeout bounds a single media download.
	DefaultFetchTimeout = 30 * time.Second
)

// Sender sends text and media messages to a WhatsApp number.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
	SendMedia(ctx context.Context, to string, payload models.Payload) (string, error)
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR code
	HTTPClient  *http.Client
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the login code as text.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// WithHTTPClient sets the client used to download media before upload.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// Client wraps the Whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
	fetcher  *http.Client
}

var _ Sender = (*Client)(nil)

// NewClient opens the device store, logs in when no device is paired yet, and connects.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("whatsapp.NewClient: options set", "db_dsn_set", cfg.DBDSN != "", "qr_path_set", cfg.QRPath != "", "numeric_code", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
	}
	dbDriver := store.DetectDSNType(dbDSN)
	if dbDriver == "sqlite3" && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("whatsapp.NewClient: SQLite device store without foreign keys; whatsmeow recommends enabling them",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		if err := login(waClient, cfg); err != nil {
			return nil, err
		}
	} else if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("whatsapp.NewClient: connected")

	fetcher := cfg.HTTPClient
	if fetcher == nil {
		fetcher = &http.Client{Timeout: DefaultFetchTimeout}
	}
	return &Client{waClient: waClient, fetcher: fetcher}, nil
}

func login(waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("whatsapp.login: device not paired, starting QR flow")
	qrChan, _ := waClient.GetQRChannel(context.Background())
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("whatsapp.login: event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

// SendMessage sends a text message and returns the WhatsApp message id.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if err := c.ready(to); err != nil {
		return "", err
	}
	if body == "" {
		return "", models.ErrEmptyPayload
	}
	return c.send(ctx, to, &waE2E.Message{Conversation: proto.String(body)})
}

// SendMedia downloads payload.URL, uploads it to WhatsApp and sends it as the matching
// message kind. Text payloads are sent with SendMessage.
func (c *Client) SendMedia(ctx context.Context, to string, payload models.Payload) (string, error) {
	if payload.Type == "" || payload.Type == models.MediaText {
		return c.SendMessage(ctx, to, payload.Text)
	}
	if err := c.ready(to); err != nil {
		return "", err
	}
	data, err := c.fetch(ctx, payload.URL)
	if err != nil {
		return "", err
	}
	mime := mimetype.Detect(data).String()

	up, err := c.waClient.Upload(ctx, data, uploadKind(payload.Type))
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", payload.Type, err)
	}
	msg := BuildMediaMessage(payload, mime, up)
	return c.send(ctx, to, msg)
}

// GetClient returns the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Disconnect closes the websocket connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

func (c *Client) ready(to string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return models.ErrEmptyRecipient
	}
	return nil
}

func (c *Client) send(ctx context.Context, to string, msg *waE2E.Message) (string, error) {
	resp, err := c.waClient.SendMessage(ctx, types.NewJID(to, JIDSuffix), msg)
	if err != nil {
		slog.Error("Client.send: failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Client.send: sent", "to", to, "message_id", resp.ID)
	return string(resp.ID), nil
}

// fetch downloads media. 4xx responses are permanent failures.
func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bad media url: %w", models.ErrPermanent, err)
	}
	resp, err := c.fetcher.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, fmt.Errorf("%w: fetch media: status %d", models.ErrPermanent, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if len(data) > MaxMediaBytes {
		return nil, fmt.Errorf("%w: media larger than %d bytes", models.ErrPermanent, MaxMediaBytes)
	}
	return data, nil
}

func uploadKind(mt models.MediaType) whatsmeow.MediaType {
	switch mt {
	case models.MediaImage:
		return whatsmeow.MediaImage
	case models.MediaAudio:
		return whatsmeow.MediaAudio
	case models.MediaVideo:
		return whatsmeow.MediaVideo
	default:
		return whatsmeow.MediaDocument
	}
}

// BuildMediaMessage assembles the protobuf message for an uploaded media payload.
func BuildMediaMessage(p models.Payload, mime string, up whatsmeow.UploadResponse) *waE2E.Message {
	var caption *string
	if p.Caption != "" {
		caption = proto.String(p.Caption)
	}
	switch p.Type {
	case models.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       caption,
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case models.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mime),
			PTT:           proto.Bool(p.Voice),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case models.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       caption,
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	default:
		name := p.FileName
		if name == "" {
			name = "document"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       caption,
			FileName:      proto.String(name),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
}

// MockClient records sends without connecting to WhatsApp.
type MockClient struct {
	Sent []models.Payload
	To   []string
	Err  error
}

var _ Sender = (*MockClient)(nil)

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	return m.SendMedia(ctx, to, models.Payload{Type: models.MediaText, Text: body})
}

func (m *MockClient) SendMedia(ctx context.Context, to string, payload models.Payload) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.To = append(m.To, to)
	m.Sent = append(m.Sent, payload)
	return fmt.Sprintf("mock-%d", len(m.Sent)), nil
}
