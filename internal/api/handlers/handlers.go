// Package handlers implements the HTTP admin and execution API of the
// toolgate engine. Handlers only translate between HTTP and the core
// components; every decision is made by the gateway, the registry, the
// session manager or the transport.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/agentoven/toolgate/internal/api/middleware"
	"github.com/agentoven/toolgate/internal/catalog"
	"github.com/agentoven/toolgate/internal/sessions"
	"github.com/agentoven/toolgate/internal/transport"
	"github.com/agentoven/toolgate/pkg/contracts"
	"github.com/agentoven/toolgate/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Catalog   *catalog.Catalog
	Gateway   contracts.GatewayService
	Sessions  *sessions.Manager
	Transport *transport.Transport
	Timeouts  models.TimeoutSpec
	Version   string
}

// New creates a Handlers instance.
func New(cat *catalog.Catalog, gw contracts.GatewayService, mgr *sessions.Manager, tr *transport.Transport, spec models.TimeoutSpec, version string) *Handlers {
	return &Handlers{
		Catalog:   cat,
		Gateway:   gw,
		Sessions:  mgr,
		Transport: tr,
		Timeouts:  spec,
		Version:   version,
	}
}

// ══════════════════════════════════════════════════════════════
// ── Health & Info ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Health reports liveness plus the durable store circuit, which is the one
// dependency whose failure changes gateway behaviour.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	breaker := h.Transport.Breaker().State()
	if breaker != models.CircuitClosed {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"service": "toolgate",
		"store":   h.Transport.StoreKind(),
		"breaker": breaker,
	})
}

func (h *Handlers) GetVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
		"service": "toolgate",
	})
}

// ══════════════════════════════════════════════════════════════
// ── Routing & Execution ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type routeRequest struct {
	ToolName string                 `json:"tool_name"`
	Features models.RequestFeatures `json:"features"`
}

// RouteTool resolves a tool request without executing it. A rejected route
// still returns the decision so the caller can see which requirement failed.
func (h *Handlers) RouteTool(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ToolName == "" {
		respondError(w, http.StatusBadRequest, "tool_name is required")
		return
	}

	d, err := h.Gateway.Route(r.Context(), req.ToolName, req.Features)
	if err != nil {
		respondErr(w, err, map[string]any{"decision": d})
		return
	}
	respondJSON(w, http.StatusOK, d)
}

type executeResponse struct {
	*contracts.ExecuteResult
	Result     json.RawMessage `json:"result,omitempty"`
	ResultText string          `json:"result_text,omitempty"`
}

// Execute routes, admits, deduplicates and runs one tool call. Inline
// results are returned in the body: JSON payloads as result, anything else
// as the string result_text. Offloaded results carry a record ID to fetch
// from /api/v1/transport/records/{id}/payload.
func (h *Handlers) Execute(w http.ResponseWriter, r *http.Request) {
	var req contracts.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ToolName == "" {
		respondError(w, http.StatusBadRequest, "tool_name is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = middleware.GetSession(r.Context())
	}

	res, err := h.Gateway.Execute(r.Context(), &req)
	if err != nil {
		respondErr(w, err, map[string]any{"request_id": req.RequestID, "session_id": req.SessionID})
		return
	}

	out := executeResponse{ExecuteResult: res}
	if !res.Envelope.Offloaded() {
		payload, err := h.Gateway.Fetch(r.Context(), res.Envelope)
		if err != nil {
			respondErr(w, err, nil)
			return
		}
		if json.Valid(payload) {
			out.Result = payload
		} else {
			out.ResultText = string(payload)
		}
	}
	w.Header().Set(middleware.SessionHeader, res.SessionID)
	respondJSON(w, http.StatusOK, out)
}

// ══════════════════════════════════════════════════════════════
// ── Registry ─────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Catalog.ListProviders())
}

func (h *Handlers) GetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := h.Catalog.Provider(chi.URLParam(r, "name"))
	if err != nil {
		respondErr(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

type healthUpdate struct {
	Status models.HealthStatus `json:"status"`
}

// SetProviderHealth records a health report for a provider. Fallback
// resolutions cached against the old health are invalidated.
func (h *Handlers) SetProviderHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req healthUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Status.Valid() {
		respondError(w, http.StatusBadRequest, "status must be one of healthy, degraded, down")
		return
	}
	if err := h.Catalog.SetHealth(name, req.Status); err != nil {
		respondErr(w, err, nil)
		return
	}
	p, err := h.Catalog.Provider(name)
	if err != nil {
		respondErr(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Catalog.ListTools())
}

func (h *Handlers) GetTool(w http.ResponseWriter, r *http.Request) {
	t, err := h.Catalog.GetRequirements(chi.URLParam(r, "name"))
	if err != nil {
		respondErr(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (h *Handlers) GetTimeouts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Timeouts)
}

// ══════════════════════════════════════════════════════════════
// ── Sessions ─────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Sessions.List())
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

// EvictSession drops a session immediately, releasing its permits and
// cached calls.
func (h *Handlers) EvictSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Sessions.Evict(id); err != nil {
		respondErr(w, err, nil)
		return
	}
	log.Info().Str("session", id).Msg("🗑️ Session evicted via API")
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════
// ── Transport ────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) GetBreaker(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Transport.Breaker().Snapshot())
}

func (h *Handlers) ListTransportRecords(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Transport.Records())
}

func (h *Handlers) GetTransportRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Transport.Record(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// GetTransportPayload streams a verified offloaded payload.
func (h *Handlers) GetTransportPayload(w http.ResponseWriter, r *http.Request) {
	payload, err := h.Gateway.Fetch(r.Context(), &models.Envelope{RecordID: chi.URLParam(r, "id")})
	if err != nil {
		respondErr(w, err, nil)
		return
	}
	ct := "application/octet-stream"
	if json.Valid(payload) {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
