package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"bcast/internal/domain"
	"bcast/internal/service"
	"bcast/internal/store"
	"bcast/internal/util"
)

type API struct {
	Svc *service.CampaignService
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/campaigns", a.handleCreateCampaign).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns", a.handleListCampaigns).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}", a.handleGetCampaign).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}/cancel", a.handleCancelCampaign).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/failed", a.handleExportFailed).Methods(http.MethodGet)
	mux.HandleFunc("/v1/watermark-templates", a.handleSaveTemplate).Methods(http.MethodPost)
	mux.HandleFunc("/v1/watermark-templates", a.handleListTemplates).Methods(http.MethodGet)
	mux.HandleFunc("/v1/preview", a.handlePreview).Methods(http.MethodPost)
}

func (a *API) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	c, err := a.Svc.CreateCampaign(r.Context(), req, util.NowUTC())
	if err != nil {
		switch {
		case isValidationErr(err):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, domain.ErrNoValidRecipients), errors.Is(err, domain.ErrScheduleInPast):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			slog.Error("create campaign failed",
				"err", err,
				"account_id", req.AccountID,
				"platform", req.Platform,
				"name", req.Name,
			)
			http.Error(w, ErrDependency, http.StatusBadGateway)
		}
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{
		AccountID: q.Get("accountId"),
		State:     domain.CampaignState(q.Get("state")),
		Platform:  domain.Platform(q.Get("platform")),
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}

	list, err := a.Svc.ListCampaigns(r.Context(), f)
	if err != nil {
		slog.Error("list campaigns failed", "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if list == nil {
		list = []domain.Campaign{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	c, found, err := a.Svc.GetCampaign(r.Context(), id)
	if err != nil {
		slog.Error("get campaign failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	c, err := a.Svc.Cancel(r.Context(), id, util.NowUTC())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, ErrNotFound, http.StatusNotFound)
			return
		}
		slog.Error("cancel campaign failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleExportFailed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	out, err := a.Svc.ExportFailed(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, ErrNotFound, http.StatusNotFound)
			return
		}
		slog.Error("export failed targets failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "text/tab-separated-values; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="failed-`+id+`.tsv"`)
	_, _ = w.Write([]byte(out))
}

type saveTemplateRequest struct {
	AccountID string `json:"accountId"`
	Name      string `json:"name"`
	Text      string `json:"text"`
}

func (a *API) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var req saveTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	t, err := a.Svc.SaveTemplate(r.Context(), req.AccountID, req.Name, req.Text, util.NowUTC())
	if err != nil {
		if errors.Is(err, domain.ErrMissingFields) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("save template failed", "err", err, "account_id", req.AccountID, "name", req.Name)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		http.Error(w, "missing accountId", http.StatusBadRequest)
		return
	}
	list, err := a.Svc.ListTemplates(r.Context(), accountID)
	if err != nil {
		slog.Error("list templates failed", "err", err, "account_id", accountID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if list == nil {
		list = []domain.WatermarkTemplate{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req service.PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	rendered, err := a.Svc.Preview(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrMissingFields) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("preview failed", "err", err, "account_id", req.AccountID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"preview": rendered})
}

func isValidationErr(err error) bool {
	return errors.Is(err, domain.ErrMissingFields) ||
		errors.Is(err, domain.ErrInvalidPlatform) ||
		errors.Is(err, domain.ErrInvalidTargetMode) ||
		errors.Is(err, domain.ErrNoGroupsSelected) ||
		errors.Is(err, domain.ErrNoTargets)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
