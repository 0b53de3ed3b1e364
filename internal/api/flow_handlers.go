package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/graph"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/google/uuid"
)

// flowSummary describes a loaded flow.
type flowSummary struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Name     string `json:"name,omitempty"`
	Nodes    int    `json:"nodes"`
	Edges    int    `json:"edges"`
	Start    string `json:"start"`
}

func summarize(def *graph.Definition) flowSummary {
	return flowSummary{
		ID:       def.ID(),
		TenantID: def.TenantID(),
		Name:     def.Name(),
		Nodes:    len(def.Nodes()),
		Edges:    len(def.Edges()),
		Start:    def.Start().NodeID(),
	}
}

func readFlow(w http.ResponseWriter, r *http.Request) ([]byte, *graph.Definition, bool) {
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return nil, nil, false
	}
	def, err := graph.Load(raw)
	if err != nil {
		slog.Warn("Server.readFlow: flow rejected", "error", err)
		writeError(w, err)
		return nil, nil, false
	}
	return raw, def, true
}

// validateFlowHandler handles POST /flows/validate.
func (s *Server) validateFlowHandler(w http.ResponseWriter, r *http.Request) {
	_, def, ok := readFlow(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow is valid", summarize(def)))
}

// saveFlowHandler handles POST /flows. Flow ids are owned by one tenant.
func (s *Server) saveFlowHandler(w http.ResponseWriter, r *http.Request) {
	raw, def, ok := readFlow(w, r)
	if !ok {
		return
	}
	if def.TenantID() == "" {
		writeError(w, &models.ValidationError{FlowID: def.ID(), Reason: "tenantId is required"})
		return
	}
	existing, err := s.st.GetFlow(def.ID())
	if err != nil {
		slog.Error("Server.saveFlowHandler: lookup failed", "flow_id", def.ID(), "error", err)
		writeError(w, err)
		return
	}
	now := time.Now()
	stored := models.StoredFlow{
		ID:        def.ID(),
		TenantID:  def.TenantID(),
		Name:      def.Name(),
		Document:  string(raw),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing != nil {
		if existing.TenantID != def.TenantID() {
			writeJSONResponse(w, http.StatusConflict, models.Error(fmt.Sprintf("flow %s belongs to another tenant", def.ID())))
			return
		}
		stored.CreatedAt = existing.CreatedAt
	}
	if err := s.st.SaveFlow(stored); err != nil {
		slog.Error("Server.saveFlowHandler: save failed", "flow_id", def.ID(), "error", err)
		writeError(w, err)
		return
	}
	slog.Info("Server.saveFlowHandler: flow saved", "flow_id", def.ID(), "tenant", def.TenantID(), "nodes", len(def.Nodes()))
	status := http.StatusCreated
	if existing != nil {
		status = http.StatusOK
	}
	writeJSONResponse(w, status, models.SuccessWithMessage("Flow saved", summarize(def)))
}

// getFlowHandler handles GET /flows/{id}.
func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	stored, err := s.st.GetFlow(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if stored == nil {
		writeError(w, fmt.Errorf("flow %s: %w", id, models.ErrNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(struct {
		ID        string          `json:"id"`
		TenantID  string          `json:"tenantId"`
		Name      string          `json:"name,omitempty"`
		Document  json.RawMessage `json:"document"`
		UpdatedAt time.Time       `json:"updatedAt"`
	}{stored.ID, stored.TenantID, stored.Name, json.RawMessage(stored.Document), stored.UpdatedAt}))
}

type triggerRequest struct {
	TenantID  string           `json:"tenantId"`
	FlowID    string           `json:"flowId"`
	Phrase    string           `json:"phrase"`
	MatchType models.MatchType `json:"matchType"`
	Active    *bool            `json:"active"`
}

// createTriggerHandler handles POST /triggers.
func (s *Server) createTriggerHandler(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	t := models.FlowTrigger{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		FlowID:    req.FlowID,
		Phrase:    strings.TrimSpace(req.Phrase),
		MatchType: req.MatchType,
		Active:    req.Active == nil || *req.Active,
		CreatedAt: time.Now(),
	}
	if t.MatchType == "" {
		t.MatchType = models.MatchExact
	}
	if err := models.Validator().Struct(t); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if !s.requireTenantFlow(w, t.TenantID, t.FlowID) {
		return
	}
	if err := s.st.SaveTrigger(t); err != nil {
		slog.Error("Server.createTriggerHandler: save failed", "error", err)
		writeError(w, err)
		return
	}
	slog.Info("Server.createTriggerHandler: trigger created", "tenant", t.TenantID, "flow_id", t.FlowID, "trigger_id", t.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(t))
}

// tenantSettingsHandler handles PUT /tenants/{tenant}/settings.
func (s *Server) tenantSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var settings models.TenantSettings
	if !decodeJSON(w, r, &settings) {
		return
	}
	settings.TenantID = r.PathValue("tenant")
	settings.UpdatedAt = time.Now()
	if err := models.Validator().Struct(settings); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	for _, flowID := range []string{settings.WelcomeFlowID, settings.DefaultFlowID} {
		if flowID != "" && !s.requireTenantFlow(w, settings.TenantID, flowID) {
			return
		}
	}
	if err := s.st.SaveTenantSettings(settings); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(settings))
}

// requireTenantFlow writes a 404 unless flowID exists and belongs to tenantID.
func (s *Server) requireTenantFlow(w http.ResponseWriter, tenantID, flowID string) bool {
	f, err := s.st.GetFlow(flowID)
	if err != nil {
		writeError(w, err)
		return false
	}
	if f == nil || f.TenantID != tenantID {
		writeError(w, fmt.Errorf("flow %s for tenant %s: %w", flowID, tenantID, models.ErrNotFound))
		return false
	}
	return true
}
