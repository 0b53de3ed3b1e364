package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

type inboundRequest struct {
	TenantID  string                `json:"tenantId"`
	ContactID string                `json:"contactId"`
	Payload   models.InboundPayload `json:"payload"`
}

// inboundHandler handles POST /inbound, the generic channel-receive hook. The contact
// defaults to the normalized sender number.
func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ContactID == "" {
		req.ContactID = util.NormalizeNumber(req.Payload.From)
	}
	if req.Payload.From == "" {
		req.Payload.From = req.ContactID
	}
	if req.Payload.Time.IsZero() {
		req.Payload.Time = time.Now()
	}
	err := s.interp.OnInboundMessage(r.Context(), req.TenantID, req.ContactID, req.Payload)
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Message processed", nil))
	case errors.Is(err, models.ErrDuplicateInbound):
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Duplicate message ignored", nil))
	default:
		slog.Warn("Server.inboundHandler: processing failed", "tenant", req.TenantID, "contact", req.ContactID, "error", err)
		writeError(w, err)
	}
}

// twilioWebhookHandler handles POST /webhooks/twilio when the Twilio channel is active.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if s.webhook == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Twilio channel not configured"))
		return
	}
	s.webhook(w, r)
}

type closeTicketRequest struct {
	TenantID  string `json:"tenantId"`
	ContactID string `json:"contactId"`
}

// closeTicketHandler handles POST /tickets/close.
func (s *Server) closeTicketHandler(w http.ResponseWriter, r *http.Request) {
	var req closeTicketRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.interp.CloseTicket(r.Context(), req.TenantID, req.ContactID); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Ticket closed", nil))
}

// listSessionsHandler handles GET /sessions?tenant=&contact=.
func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	contact := r.URL.Query().Get("contact")
	if tenant == "" {
		writeError(w, models.ErrEmptyTenant)
		return
	}
	if contact == "" {
		writeError(w, models.ErrEmptyContact)
		return
	}
	sessions, err := s.interp.ListSessions(tenant, contact)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}

// getSessionHandler handles GET /sessions/{id}.
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.interp.GetSession(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess == nil {
		writeError(w, fmt.Errorf("session %s: %w", id, models.ErrNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}
