package auth

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Handler provides HTTP handlers for auth endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a new auth handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// issueRequest is the JSON request body for POST /auth/token. The
// operator proves knowledge of the configured signing secret to mint
// a bearer token for a subject.
type issueRequest struct {
	Subject string `json:"subject"`
	Secret  string `json:"secret"`
}

// issueResponse is the JSON response for POST /auth/token.
type issueResponse struct {
	Token string `json:"token"`
}

// HandleIssue handles POST /auth/token — mints a bearer token when the
// request carries the configured secret.
func (h *Handler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if req.Subject == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "subject and secret are required")
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Secret), h.svc.jwtSecret) != 1 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "wrong secret")
		return
	}

	token, err := h.svc.IssueToken(req.Subject)
	if err != nil {
		slog.Error("failed to issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, issueResponse{Token: token})
}

// HandleRevoke handles POST /auth/revoke — revokes the bearer token
// presented in the Authorization header (logout).
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid authorization header")
		return
	}

	if err := h.svc.RevokeToken(r.Context(), strings.TrimPrefix(header, "Bearer ")); err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}
