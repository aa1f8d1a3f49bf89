package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"rolegate.org/internal/perms"
	"rolegate.org/internal/rolesync"
	"rolegate.org/internal/rules"
)

type syncRequest struct {
	LocalUserID int64 `json:"local_user_id"`
	Scope       int64 `json:"scope"`
}

type ruleRequest struct {
	Condition string `json:"condition"`
}

type bindingRequest struct {
	TargetRoleID   int64  `json:"target_role_id"`
	TargetRoleName string `json:"target_role_name"`
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req syncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.LocalUserID <= 0 || req.Scope <= 0 {
		writeError(w, r, http.StatusBadRequest, "local_user_id and scope are required")
		return
	}
	if !a.requireScope(w, r, req.Scope) {
		return
	}
	if !a.requireSelfOrPermission(w, r, req.LocalUserID, req.Scope, perms.BitTriggerSync) {
		return
	}

	res, err := a.engine.Sync(r.Context(), req.LocalUserID, req.Scope)
	if err != nil {
		handleSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"added":    res.Added,
		"removed":  res.Removed,
		"failures": res.Failures,
	})
}

// handleScopeResource serves the rule and binding collections:
//
//	GET  /v1/scopes/{scope}/rules
//	GET  /v1/scopes/{scope}/bindings
//	GET/PUT/DELETE /v1/scopes/{scope}/rules/{name}
//	PUT/DELETE     /v1/scopes/{scope}/bindings/{name}
func (a *API) handleScopeResource(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/scopes/"), "/")
	if len(parts) < 2 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	scope, err := parseID(parts[0], "scope")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	kind := parts[1]
	var name string
	if len(parts) == 3 {
		name = parts[2]
	}
	if len(parts) > 3 || (kind != "rules" && kind != "bindings") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch {
	case kind == "rules" && name == "":
		a.listRules(w, r, scope)
	case kind == "rules":
		a.ruleResource(w, r, scope, name)
	case kind == "bindings" && name == "":
		a.listBindings(w, r, scope)
	default:
		a.bindingResource(w, r, scope, name)
	}
}

func (a *API) listRules(w http.ResponseWriter, r *http.Request, scope int64) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	ruleRows, err := a.engine.ListRules(r.Context(), scope)
	if err != nil {
		handleSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scope": scope,
		"items": rulesToResponse(ruleRows),
	})
}

func (a *API) ruleResource(w http.ResponseWriter, r *http.Request, scope int64, name string) {
	switch r.Method {
	case http.MethodGet:
		rule, err := a.engine.GetRule(r.Context(), scope, name)
		if err != nil {
			handleSyncError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ruleToResponse(*rule))
	case http.MethodPut:
		if !a.requireScope(w, r, scope) {
			return
		}
		if !a.requirePermission(w, r, scope, perms.BitManageRules) {
			return
		}
		var req ruleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.engine.UpsertRule(r.Context(), scope, name, req.Condition); err != nil {
			handleSyncError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "rule": name})
	case http.MethodDelete:
		if !a.requireScope(w, r, scope) {
			return
		}
		if !a.requirePermission(w, r, scope, perms.BitManageRules) {
			return
		}
		if err := a.engine.DeleteRule(r.Context(), scope, name); err != nil {
			handleSyncError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) listBindings(w http.ResponseWriter, r *http.Request, scope int64) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	bindings, err := a.engine.ListBindings(r.Context(), scope)
	if err != nil {
		handleSyncError(w, r, err)
		return
	}
	type bindingRow struct {
		RuleName       string `json:"rule_name"`
		TargetRoleID   int64  `json:"target_role_id"`
		TargetRoleName string `json:"target_role_name"`
	}
	rows := make([]bindingRow, 0, len(bindings))
	for _, b := range bindings {
		rows = append(rows, bindingRow{
			RuleName:       b.RuleName,
			TargetRoleID:   b.TargetRoleID,
			TargetRoleName: b.TargetRoleName,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scope": scope,
		"items": rows,
	})
}

func (a *API) bindingResource(w http.ResponseWriter, r *http.Request, scope int64, name string) {
	switch r.Method {
	case http.MethodPut:
		if !a.requireScope(w, r, scope) {
			return
		}
		if !a.requirePermission(w, r, scope, perms.BitManageBindings) {
			return
		}
		var req bindingRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if req.TargetRoleID <= 0 {
			writeError(w, r, http.StatusBadRequest, "target_role_id is required")
			return
		}
		err := a.engine.UpsertBinding(r.Context(), rolesync.RoleBinding{
			Scope:          scope,
			RuleName:       name,
			TargetRoleID:   req.TargetRoleID,
			TargetRoleName: req.TargetRoleName,
		})
		if err != nil {
			handleSyncError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "rule": name})
	case http.MethodDelete:
		if !a.requireScope(w, r, scope) {
			return
		}
		if !a.requirePermission(w, r, scope, perms.BitManageBindings) {
			return
		}
		if err := a.engine.DeleteBinding(r.Context(), scope, name); err != nil {
			handleSyncError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodDelete)
	}
}

type ruleResponse struct {
	RuleName    string `json:"rule_name"`
	Condition   string `json:"condition"`
	LastUpdated string `json:"last_updated"`
}

func ruleToResponse(rule rolesync.CustomRoleRule) ruleResponse {
	return ruleResponse{
		RuleName:    rule.RuleName,
		Condition:   rule.Condition,
		LastUpdated: rule.LastUpdated.UTC().Format(time.RFC3339),
	}
}

func rulesToResponse(rows []rolesync.CustomRoleRule) []ruleResponse {
	out := make([]ruleResponse, 0, len(rows))
	for _, rule := range rows {
		out = append(out, ruleToResponse(rule))
	}
	return out
}

func handleSyncError(w http.ResponseWriter, r *http.Request, err error) {
	var ce *rolesync.CooldownError
	var pe *rules.ParseError
	switch {
	case errors.As(err, &ce):
		writeCooldown(w, r, ce.RetryAfter)
	case errors.As(err, &pe):
		writeError(w, r, http.StatusBadRequest, pe.Error())
	case errors.Is(err, rolesync.ErrInFlight):
		writeError(w, r, http.StatusConflict, "sync already in flight")
	case errors.Is(err, rolesync.ErrNotVerified):
		writeError(w, r, http.StatusConflict, "user not verified")
	case errors.Is(err, rolesync.ErrFactsUnavailable):
		writeError(w, r, http.StatusBadGateway, "facts unavailable")
	case errors.Is(err, rolesync.ErrRuleNotFound):
		writeError(w, r, http.StatusNotFound, "rule not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
