package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"rolegate.org/internal/config"
	"rolegate.org/internal/perms"
)

type permissionRequest struct {
	Scope1 int64 `json:"scope_1"`
	Scope2 int64 `json:"scope_2"`
	ID     int64 `json:"id"`
	Bits   int64 `json:"bits"`
}

// parseScopePath reads the scope_1/scope_2/id query triple; absent values
// default to the wildcard.
func parseScopePath(r *http.Request) (int64, int64, int64, error) {
	read := func(name string) (int64, error) {
		raw := strings.TrimSpace(r.URL.Query().Get(name))
		if raw == "" {
			return perms.Wildcard, nil
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return 0, errors.New(name + " must be a non-negative integer")
		}
		return v, nil
	}
	s1, err := read("scope_1")
	if err != nil {
		return 0, 0, 0, err
	}
	s2, err := read("scope_2")
	if err != nil {
		return 0, 0, 0, err
	}
	id, err := read("id")
	if err != nil {
		return 0, 0, 0, err
	}
	return s1, s2, id, nil
}

func (a *API) handleResolvePermission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	s1, s2, id, err := parseScopePath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	bits, err := a.resolver.Resolve(r.Context(), s1, s2, id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scope_1": s1,
		"scope_2": s2,
		"id":      id,
		"bits":    bits,
		"names":   perms.BitNames(bits),
	})
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s1, _, _, err := parseScopePath(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		rows, err := a.resolver.List(r.Context(), s1)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		type permRow struct {
			Scope1 int64 `json:"scope_1"`
			Scope2 int64 `json:"scope_2"`
			ID     int64 `json:"id"`
			Bits   int64 `json:"bits"`
		}
		items := make([]permRow, 0, len(rows))
		for _, p := range rows {
			items = append(items, permRow{Scope1: p.Scope1, Scope2: p.Scope2, ID: p.ID, Bits: p.Bits})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	case http.MethodPut:
		var req permissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if req.Bits < 0 {
			writeError(w, r, http.StatusBadRequest, "bits must be non-negative")
			return
		}
		if !a.requireScope(w, r, req.Scope1) {
			return
		}
		if !a.requirePermission(w, r, req.Scope1, perms.BitAdmin) {
			return
		}
		err := a.resolver.Set(r.Context(), perms.Permission{
			Scope1: req.Scope1,
			Scope2: req.Scope2,
			ID:     req.ID,
			Bits:   req.Bits,
		})
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})

	case http.MethodDelete:
		s1, s2, id, err := parseScopePath(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if !a.requireScope(w, r, s1) {
			return
		}
		if !a.requirePermission(w, r, s1, perms.BitAdmin) {
			return
		}
		if err := a.resolver.Delete(r.Context(), s1, s2, id); err != nil {
			if errors.Is(err, perms.ErrNotFound) {
				writeError(w, r, http.StatusNotFound, "permission not found")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

type configRequest struct {
	Scope int64  `json:"scope"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// handleConfig reads and writes policy settings with scope shadowing.
func (a *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		scopeRaw := strings.TrimSpace(r.URL.Query().Get("scope"))
		var scope int64
		if scopeRaw != "" {
			v, err := strconv.ParseInt(scopeRaw, 10, 64)
			if err != nil || v < 0 {
				writeError(w, r, http.StatusBadRequest, "scope must be a non-negative integer")
				return
			}
			scope = v
		}
		key := config.Key(strings.TrimSpace(r.URL.Query().Get("key")))
		value, err := a.cfg.String(r.Context(), scope, key)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"scope": scope,
			"key":   key,
			"value": value,
		})

	case http.MethodPut:
		var req configRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if !a.requireScope(w, r, req.Scope) {
			return
		}
		if !a.requirePermission(w, r, req.Scope, perms.BitManageConfig) {
			return
		}
		if err := a.cfg.Set(r.Context(), req.Scope, config.Key(req.Key), req.Value); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})

	case http.MethodDelete:
		var req configRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if !a.requireScope(w, r, req.Scope) {
			return
		}
		if !a.requirePermission(w, r, req.Scope, perms.BitManageConfig) {
			return
		}
		if err := a.cfg.Reset(r.Context(), req.Scope, config.Key(req.Key)); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}
