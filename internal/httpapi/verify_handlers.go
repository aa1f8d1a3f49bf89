package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"rolegate.org/internal/perms"
	"rolegate.org/internal/verify"
)

type verifyRequest struct {
	LocalUserID    int64  `json:"local_user_id"`
	ExternalUserID int64  `json:"external_user_id"`
	Code           string `json:"code"`
}

type issueCodeRequest struct {
	ExternalUserID int64 `json:"external_user_id"`
}

type unverifyRequest struct {
	LocalUserID int64 `json:"local_user_id"`
}

type linkResponse struct {
	LocalUserID    int64  `json:"local_user_id"`
	ExternalUserID *int64 `json:"external_user_id"`
	LastUpdated    string `json:"last_updated"`
}

func linkToResponse(link *verify.Link) linkResponse {
	return linkResponse{
		LocalUserID:    link.LocalUserID,
		ExternalUserID: link.ExternalUserID,
		LastUpdated:    link.LastUpdated.UTC().Format(time.RFC3339),
	}
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.LocalUserID <= 0 || req.ExternalUserID <= 0 {
		writeError(w, r, http.StatusBadRequest, "local_user_id and external_user_id are required")
		return
	}
	if !a.requireSelfOrPermission(w, r, req.LocalUserID, perms.Wildcard, perms.BitVerifyOthers) {
		return
	}

	err := a.verifier.SubmitVerification(r.Context(), req.LocalUserID, req.ExternalUserID, req.Code)
	if err != nil {
		handleVerifyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "verified",
		"local_user_id":    req.LocalUserID,
		"external_user_id": req.ExternalUserID,
	})
}

func (a *API) handleIssueCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req issueCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.ExternalUserID <= 0 {
		writeError(w, r, http.StatusBadRequest, "external_user_id is required")
		return
	}

	issued, err := a.verifier.IssueCode(r.Context(), req.ExternalUserID)
	if err != nil {
		handleVerifyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":       issued.Code.String(),
		"expires_at": issued.ExpiresAt.Format(time.RFC3339),
	})
}

func (a *API) handleUnverify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req unverifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.LocalUserID <= 0 {
		writeError(w, r, http.StatusBadRequest, "local_user_id is required")
		return
	}
	if !a.requireSelfOrPermission(w, r, req.LocalUserID, perms.Wildcard, perms.BitVerifyOthers) {
		return
	}

	if err := a.verifier.Unverify(r.Context(), req.LocalUserID); err != nil {
		handleVerifyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "unverified",
		"local_user_id": req.LocalUserID,
	})
}

// handleUserResource serves /v1/users/{id} and /v1/users/{id}/history.
func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if rest, ok := strings.CutSuffix(path, "/history"); ok {
		id, err := parseID(rest, "user id")
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		a.getHistory(w, r, id)
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, err := parseID(path, "user id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	link, err := a.verifier.LinkedExternal(r.Context(), id)
	if err != nil {
		handleVerifyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, linkToResponse(link))
}

func (a *API) getHistory(w http.ResponseWriter, r *http.Request, localUserID int64) {
	if !a.requireSelfOrPermission(w, r, localUserID, perms.Wildcard, perms.BitViewHistory) {
		return
	}
	entries, err := a.verifier.History(r.Context(), localUserID, 100)
	if err != nil {
		handleVerifyError(w, r, err)
		return
	}
	type historyRow struct {
		ID             string `json:"id"`
		ExternalUserID int64  `json:"external_user_id"`
		IsUnverify     bool   `json:"is_unverify"`
		CreatedAt      string `json:"created_at"`
	}
	rows := make([]historyRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, historyRow{
			ID:             e.ID,
			ExternalUserID: e.ExternalUserID,
			IsUnverify:     e.IsUnverify,
			CreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"local_user_id": localUserID,
		"items":         rows,
	})
}

// handleWhois resolves an external account back to its local user.
func (a *API) handleWhois(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, err := parseID(r.URL.Query().Get("external_user_id"), "external_user_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	link, err := a.verifier.LinkedLocal(r.Context(), id)
	if err != nil {
		handleVerifyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, linkToResponse(link))
}

func (a *API) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requirePermission(w, r, perms.Wildcard, perms.BitRotateKeys) {
		return
	}
	key, err := a.verifier.RotateKey(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "rotation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key_id":     key.ID,
		"created_at": key.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func handleVerifyError(w http.ResponseWriter, r *http.Request, err error) {
	var ce *verify.CooldownError
	switch {
	case errors.As(err, &ce):
		writeCooldown(w, r, ce.RetryAfter)
	case errors.Is(err, verify.ErrInvalidCode):
		writeError(w, r, http.StatusUnprocessableEntity, "invalid code")
	case errors.Is(err, verify.ErrReplay):
		writeError(w, r, http.StatusConflict, "code already used")
	case errors.Is(err, verify.ErrExpired):
		writeError(w, r, http.StatusGone, "code expired")
	case errors.Is(err, verify.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, verify.ErrNotLinked):
		writeError(w, r, http.StatusConflict, "user not linked")
	case errors.Is(err, verify.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
