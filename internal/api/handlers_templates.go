package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shohag/postrelay/internal/models"
	"github.com/shohag/postrelay/internal/storage"
)

type TemplateHandler struct {
	store storage.TemplateStore
}

func NewTemplateHandler(store storage.TemplateStore) *TemplateHandler {
	return &TemplateHandler{store: store}
}

type createTemplateRequest struct {
	OwnerID         string             `json:"owner_id"`
	Scope           models.Scope       `json:"scope"`
	ScopeRef        string             `json:"scope_ref"`
	URL             string             `json:"url"`
	Method          string             `json:"method"`
	EventTypes      []string           `json:"event_types"`
	Signed          bool               `json:"signed"`
	SignatureHeader string             `json:"signature_header"`
	Retry           models.RetryPolicy `json:"retry"`
	Timeout         time.Duration      `json:"timeout"`
}

func (h *TemplateHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		writeError(w, http.StatusBadRequest, "url must be an HTTP or HTTPS URL")
		return
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "method must be GET or POST")
		return
	}

	scope := req.Scope
	switch scope {
	case "":
		scope = models.ScopeGlobal
	case models.ScopeGlobal, models.ScopeOffer, models.ScopeFlow:
	default:
		writeError(w, http.StatusBadRequest, "scope must be global, offer or flow")
		return
	}

	now := time.Now().UTC()
	tpl := &models.Template{
		ID:              models.NewID("tpl"),
		OwnerID:         req.OwnerID,
		Scope:           scope,
		ScopeRef:        req.ScopeRef,
		URL:             req.URL,
		Method:          method,
		EventTypes:      req.EventTypes,
		SignatureHeader: req.SignatureHeader,
		Retry:           req.Retry,
		Timeout:         req.Timeout,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.Signed {
		tpl.Secret = models.NewSecret()
	}
	if tpl.EventTypes == nil {
		tpl.EventTypes = []string{}
	}

	if err := h.store.CreateTemplate(r.Context(), tpl); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create template")
		return
	}

	// The secret is only ever shown here.
	writeJSON(w, http.StatusCreated, tpl)
}

func (h *TemplateHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tpl, err := h.store.GetTemplate(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get template")
		return
	}
	if tpl == nil {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}
	writeJSON(w, http.StatusOK, redact(*tpl))
}

func (h *TemplateHandler) List(w http.ResponseWriter, r *http.Request) {
	tpls, err := h.store.ListTemplates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list templates")
		return
	}

	out := make([]models.Template, 0, len(tpls))
	for _, t := range tpls {
		out = append(out, redact(t))
	}
	writeJSON(w, http.StatusOK, out)
}

type toggleRequest struct {
	Active bool `json:"active"`
}

func (h *TemplateHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tpl, err := h.store.GetTemplate(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get template")
		return
	}
	if tpl == nil {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}

	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.store.SetTemplateActive(r.Context(), id, req.Active); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to toggle template")
		return
	}

	tpl.Active = req.Active
	writeJSON(w, http.StatusOK, redact(*tpl))
}

func redact(t models.Template) models.Template {
	if t.Secret != "" {
		t.Secret = "********"
	}
	return t
}
