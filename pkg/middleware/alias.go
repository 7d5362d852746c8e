// Package middleware holds the small number of http.Handler wrappers the
// server composes around the routed mux: the optional "/v1" prefix alias
// and CORS.
package middleware

import (
	"net/http"
	"strings"
)

// V1PrefixHandler lets every route respond at both its bare path and its
// "/v1"-prefixed form, by stripping a leading "/v1" before handing the
// request to next.
type V1PrefixHandler struct {
	Handler http.Handler
}

func (h *V1PrefixHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if rest, ok := strings.CutPrefix(r.URL.Path, "/v1"); ok && (rest == "" || rest[0] == '/') {
		r2 := r.Clone(r.Context())
		if rest == "" {
			rest = "/"
		}
		r2.URL.Path = rest
		h.Handler.ServeHTTP(w, r2)
		return
	}
	h.Handler.ServeHTTP(w, r)
}

// CORSMiddleware wraps next with the configured allowed-origins policy.
// An empty allowedOrigins disables CORS headers entirely; a single "*"
// allows any origin.
func CORSMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
