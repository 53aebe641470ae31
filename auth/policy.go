package auth

import (
	"net/http"
	"strings"
)

// Policy decides which roles may call a route.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
}

// NewDefaultPolicy builds a policy with the given exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes}
}

// IsExempt returns true when a request skips authentication.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if r.Method == http.MethodOptions {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// AllowedRoles resolves the roles allowed to make the request. The second
// result is false for routes outside the API.
func (p Policy) AllowedRoles(r *http.Request) ([]Role, bool) {
	if r == nil {
		return nil, false
	}
	// chi routes "/api/timecards/" like "/api/timecards"; match both the same.
	path := r.URL.Path
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	method := r.Method

	switch {
	case path == "/api/timecards" && method == http.MethodPost,
		path == "/api/timecards/preview":
		return []Role{RoleWorker}, true
	case strings.HasPrefix(path, "/api/timecards/") &&
		(strings.HasSuffix(path, "/approve") || strings.HasSuffix(path, "/reject")):
		return []Role{RolePayer}, true
	case strings.HasSuffix(path, "/retry-payment"),
		path == "/api/admin" || strings.HasPrefix(path, "/api/admin/"),
		strings.HasPrefix(path, "/api/scenarios/") && method != http.MethodGet,
		path == "/api/attention":
		return []Role{RoleOperator}, true
	case strings.HasPrefix(path, "/api/contracts"),
		strings.HasPrefix(path, "/api/workers/"):
		if method == http.MethodGet {
			return []Role{RoleWorker, RolePayer}, true
		}
		return []Role{RoleOperator}, true
	case strings.HasPrefix(path, "/api/payers/"):
		if method == http.MethodGet {
			return []Role{RolePayer}, true
		}
		return []Role{RoleOperator}, true
	}

	if path == "/api" || strings.HasPrefix(path, "/api/") {
		return []Role{RoleWorker, RolePayer}, true
	}
	return nil, false
}
