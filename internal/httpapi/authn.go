package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"rolegate.org/internal/auth"
	"rolegate.org/internal/perms"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := auth.ContextWithActor(r.Context(), claims.ActorID, claims.Scopes)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope gates scope-specific mutations to actors whose token carries
// that scope (or no scope restriction at all).
func (a *API) requireScope(w http.ResponseWriter, r *http.Request, scope int64) bool {
	if auth.HasScope(r.Context(), scope) {
		return true
	}
	writeError(w, r, http.StatusForbidden, "scope not allowed")
	return false
}

// requirePermission gates an operation on the resolved permission bits of
// the acting user within the given scope. Scope membership is checked
// separately via requireScope.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, scope, bit int64) bool {
	id, ok := actorLocalID(r)
	if !ok {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return false
	}
	allowed, err := a.resolver.Has(r.Context(), scope, perms.Wildcard, id, bit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return false
	}
	if !allowed {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return false
	}
	return true
}

// requireSelfOrPermission lets users act on their own record outright;
// acting on anyone else needs the bit.
func (a *API) requireSelfOrPermission(w http.ResponseWriter, r *http.Request, localUserID, scope, bit int64) bool {
	if id, ok := actorLocalID(r); ok && id == localUserID {
		return true
	}
	return a.requirePermission(w, r, scope, bit)
}

// actorLocalID maps the token subject onto a local user id.
func actorLocalID(r *http.Request) (int64, bool) {
	actor, ok := auth.ActorIDFromContext(r.Context())
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(actor, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
