package policy

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenMatches compares a presented shared secret against the configured one
// in constant time. An empty expected token never matches.
func TokenMatches(expected, presented string) bool {
	expected = strings.TrimSpace(expected)
	presented = strings.TrimSpace(presented)
	if expected == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

// PresentedToken extracts a token from, in order: the named header, an
// Authorization bearer, and the token query parameter when allowQuery is set.
func PresentedToken(r *http.Request, header string, allowQuery bool) string {
	if header != "" {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		const prefix = "bearer "
		if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
			return strings.TrimSpace(auth[len(prefix):])
		}
	}
	if allowQuery {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return ""
}
