package boxapi

import (
	"net/http"
	"strings"
)

// tokenFromRequest reads the bearer token, carried as a URL query
// parameter token=<hex> or an equivalent header.
func tokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
