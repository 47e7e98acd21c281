package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler provides HTTP handlers for agent CRUD and lifecycle endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a new agent handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes returns a chi.Router with all agent routes mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.HandleList)
	r.Post("/", h.HandleCreate)
	r.Get("/{name}", h.HandleGet)
	r.Put("/{name}", h.HandleUpdate)
	r.Delete("/{name}", h.HandleDelete)
	r.Post("/{name}/start", h.HandleStart)
	r.Post("/{name}/stop", h.HandleStop)
	r.Post("/{name}/action", h.HandleAction)
	r.Get("/{name}/actions", h.HandleActions)
	r.Get("/{name}/status", h.HandleStatus)
	return r
}

// HandleList handles GET /agents.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	agents, err := h.svc.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Agents: agents})
}

// HandleGet handles GET /agents/{name}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleCreate handles POST /agents.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var cfg Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	rec, err := h.svc.Create(r.Context(), cfg)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// HandleUpdate handles PUT /agents/{name}.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var upd Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	rec, err := h.svc.Update(r.Context(), chi.URLParam(r, "name"), upd)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleDelete handles DELETE /agents/{name}.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStart handles POST /agents/{name}/start.
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Start(r.Context(), chi.URLParam(r, "name")); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "success"})
}

// HandleStop handles POST /agents/{name}/stop. Unknown agents get a
// 404; stopping a known agent with no active loop succeeds.
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if _, err := h.svc.Get(r.Context(), name); err != nil {
		handleServiceError(w, err)
		return
	}
	if err := h.svc.Stop(r.Context(), name); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "success"})
}

// ActionRequest is the body of POST /agents/{name}/action.
type ActionRequest struct {
	Connection string `json:"connection"`
	Action     string `json:"action"`
	Params     []any  `json:"params"`
}

// HandleAction handles POST /agents/{name}/action.
func (h *Handler) HandleAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if req.Connection == "" || req.Action == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "connection and action are required")
		return
	}

	out, err := h.svc.RequestAction(r.Context(), chi.URLParam(r, "name"), req.Connection, req.Action, req.Params)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Status: "success", Response: out})
}

// HandleActions handles GET /agents/{name}/actions: the per-connection
// action names of a running agent. Agents without an active loop have
// no live connections to enumerate and get a 503.
func (h *Handler) HandleActions(w http.ResponseWriter, r *http.Request) {
	actions, err := h.svc.Actions(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionsResponse{Actions: actions})
}

// HandleStatus handles GET /agents/{name}/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	// Status of an unknown agent is 404, not "not running".
	if _, err := h.svc.Get(r.Context(), name); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runningResponse{Running: h.svc.IsRunning(name)})
}

// --- response types ---

type listResponse struct {
	Agents []Record `json:"agents"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type actionResponse struct {
	Status   string `json:"status"`
	Response any    `json:"response"`
}

type actionsResponse struct {
	Actions map[string][]string `json:"actions"`
}

type runningResponse struct {
	Running bool `json:"running"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "agent not found")
	case errors.Is(err, ErrAlreadyExists):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, "NOT_RUNNING", err.Error())
	case errors.Is(err, ErrAlreadyRunning),
		errors.Is(err, ErrStopTimeout),
		errors.Is(err, ErrHandleCreation):
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	default:
		slog.Error("agent handler error", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}
