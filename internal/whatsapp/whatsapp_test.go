package whatsapp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"go.mau.fi/whatsmeow"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func TestOptions(t *testing.T) {
	opts := &Opts{}
	WithDBDSN("/var/lib/flowpipe/test.db")(opts)
	WithQRCodeOutput("/tmp/qr.txt")(opts)
	WithNumericCode()(opts)

	if opts.DBDSN != "/var/lib/flowpipe/test.db" {
		t.Errorf("DBDSN = %q", opts.DBDSN)
	}
	if opts.QRPath != "/tmp/qr.txt" {
		t.Errorf("QRPath = %q", opts.QRPath)
	}
	if !opts.NumericCode {
		t.Error("expected NumericCode to be set")
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/logo.png":
			w.Write(pngHeader)
		case "/missing":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := &Client{fetcher: srv.Client()}
	ctx := context.Background()

	data, err := c.fetch(ctx, srv.URL+"/logo.png")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(data) != len(pngHeader) {
		t.Errorf("got %d bytes, want %d", len(data), len(pngHeader))
	}

	if _, err := c.fetch(ctx, srv.URL+"/missing"); !errors.Is(err, models.ErrPermanent) {
		t.Errorf("404 should be permanent, got %v", err)
	}
	if _, err := c.fetch(ctx, srv.URL+"/flaky"); err == nil || errors.Is(err, models.ErrPermanent) {
		t.Errorf("502 should be transient, got %v", err)
	}
}

func TestBuildMediaMessage(t *testing.T) {
	up := whatsmeow.UploadResponse{URL: "https://mmg.example/x", DirectPath: "/x", FileLength: 42}

	img := BuildMediaMessage(models.Payload{Type: models.MediaImage, Caption: "menu"}, "image/png", up)
	if img.ImageMessage == nil || img.ImageMessage.GetCaption() != "menu" || img.ImageMessage.GetMimetype() != "image/png" {
		t.Fatalf("unexpected image message: %+v", img)
	}
	if img.ImageMessage.GetFileLength() != 42 {
		t.Errorf("file length = %d", img.ImageMessage.GetFileLength())
	}

	voice := BuildMediaMessage(models.Payload{Type: models.MediaAudio, Voice: true}, "audio/ogg", up)
	if voice.AudioMessage == nil || !voice.AudioMessage.GetPTT() {
		t.Error("voice audio should be sent as push-to-talk")
	}

	doc := BuildMediaMessage(models.Payload{Type: models.MediaDocument}, "application/pdf", up)
	if doc.DocumentMessage == nil || doc.DocumentMessage.GetFileName() != "document" {
		t.Errorf("unexpected document message: %+v", doc)
	}

	vid := BuildMediaMessage(models.Payload{Type: models.MediaVideo, FileName: "clip.mp4"}, "video/mp4", up)
	if vid.VideoMessage == nil || vid.VideoMessage.Caption != nil {
		t.Errorf("video without caption should have nil caption: %+v", vid)
	}
}

func TestMockClient(t *testing.T) {
	m := NewMockClient()
	id, err := m.SendMessage(context.Background(), "5511900000001", "hi")
	if err != nil || id == "" {
		t.Fatalf("SendMessage: %q %v", id, err)
	}
	if len(m.Sent) != 1 || m.Sent[0].Text != "hi" || m.To[0] != "5511900000001" {
		t.Errorf("unexpected record: %+v %+v", m.Sent, m.To)
	}

	m.Err = errors.New("down")
	if _, err := m.SendMedia(context.Background(), "1", models.Payload{Type: models.MediaImage, URL: "u"}); err == nil {
		t.Error("expected configured error")
	}
}
