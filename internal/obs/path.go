package obs

import "strings"

// CanonicalPath collapses identifier path segments so metric label
// cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(p, "/")
	// /v1/scopes/{scope}/rules/{rule} and friends
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "scopes" {
		parts[3] = ":scope"
		if len(parts) >= 6 && (parts[4] == "rules" || parts[4] == "bindings") {
			parts[5] = ":name"
		}
		return strings.Join(parts, "/")
	}
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "users" {
		parts[3] = ":id"
		return strings.Join(parts, "/")
	}
	return p
}
