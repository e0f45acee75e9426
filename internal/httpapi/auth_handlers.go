package httpapi

import (
	"net/http"
	"strings"
	"time"

	"haccare.org/internal/audit"
	"haccare.org/internal/auth"
)

type tokenRequest struct {
	PrincipalID string `json:"principal_id"`
	Name        string `json:"name"`
	GlobalRole  string `json:"global_role"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

const tokenTTL = 15 * time.Minute

// handleAuthToken issues short-lived development tokens. Production identity
// comes from the platform's SSO; this endpoint exists for local stacks and
// smoke tooling.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	principalID := strings.TrimSpace(req.PrincipalID)
	if principalID == "" {
		writeError(w, r, http.StatusBadRequest, "principal_id is required")
		return
	}

	token, err := auth.GenerateToken(principalID, req.Name, req.GlobalRole, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	expiresAt := time.Now().UTC().Add(tokenTTL)
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"principal_id": principalID,
		"global_role":  req.GlobalRole,
		"expires_at":   expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
