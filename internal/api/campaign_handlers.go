package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// campaignView is a campaign with its dispatch counts.
type campaignView struct {
	*models.Campaign
	Dispatches map[models.DispatchOutcome]int `json:"dispatches"`
}

// createCampaignHandler handles POST /campaigns.
func (s *Server) createCampaignHandler(w http.ResponseWriter, r *http.Request) {
	var c models.Campaign
	if !decodeJSON(w, r, &c) {
		return
	}
	created, err := s.campaigns.Create(r.Context(), &c)
	if err != nil {
		slog.Warn("Server.createCampaignHandler: create failed", "tenant", c.TenantID, "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(created))
}

// listCampaignsHandler handles GET /campaigns?status=...
func (s *Server) listCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	var statuses []models.CampaignStatus
	for _, st := range r.URL.Query()["status"] {
		statuses = append(statuses, models.CampaignStatus(st))
	}
	list, err := s.campaigns.List(statuses...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(list))
}

// getCampaignHandler handles GET /campaigns/{id}.
func (s *Server) getCampaignHandler(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	recs, err := s.campaigns.Dispatches(c.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	counts := make(map[models.DispatchOutcome]int)
	for _, rec := range recs {
		counts[rec.Outcome]++
	}
	writeJSONResponse(w, http.StatusOK, models.Success(campaignView{Campaign: c, Dispatches: counts}))
}

// campaignTransitionHandler adapts a scheduler lifecycle operation to POST /campaigns/{id}/<op>.
func (s *Server) campaignTransitionHandler(op func(ctx context.Context, id string) (*models.Campaign, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := op(r.Context(), r.PathValue("id"))
		if err != nil {
			slog.Warn("Server.campaignTransitionHandler: transition rejected", "path", r.URL.Path, "error", err)
			writeError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(c))
	}
}

type contactListRequest struct {
	TenantID string           `json:"tenantId"`
	Contacts []models.Contact `json:"contacts"`
}

// contactListHandler handles PUT /contact-lists/{id}, replacing the list contents.
func (s *Server) contactListHandler(w http.ResponseWriter, r *http.Request) {
	var req contactListRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		writeError(w, models.ErrEmptyTenant)
		return
	}
	listID := r.PathValue("id")
	if err := s.st.ReplaceContactList(req.TenantID, listID, req.Contacts); err != nil {
		slog.Error("Server.contactListHandler: replace failed", "list_id", listID, "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Contact list replaced", map[string]int{"contacts": len(req.Contacts)}))
}
