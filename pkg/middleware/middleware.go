// Package middleware holds the HTTP wrappers applied in front of the
// scheduler's routes.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// OpenAIAliasHandler lets stock OpenAI clients talk to the router with a
// bare /v1 base path by rewriting it to the API prefix.
type OpenAIAliasHandler struct {
	Handler http.Handler
}

func (h *OpenAIAliasHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/v1/") {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/api" + r.URL.Path
		h.Handler.ServeHTTP(w, r2)
		return
	}
	h.Handler.ServeHTTP(w, r)
}

// AuthHandler enforces a bearer token on API routes. An empty token
// disables the check. The banner and liveness probe stay open so load
// balancers need no credentials.
type AuthHandler struct {
	Handler http.Handler
	Token   string
}

func (h *AuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Token == "" || exemptPath(r.URL.Path) {
		h.Handler.ServeHTTP(w, r)
		return
	}
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(bearer), []byte(h.Token)) != 1 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{
				"message": "missing or invalid API key",
				"type":    "unauthorized",
			},
		})
		return
	}
	h.Handler.ServeHTTP(w, r)
}

func exemptPath(path string) bool {
	return path == "/" || path == "/live"
}

// CORSHandler answers preflight requests and stamps response headers so
// browser front ends on other origins can call the API. An empty origin
// list allows every origin.
type CORSHandler struct {
	Handler        http.Handler
	AllowedOrigins []string
}

func (h *CORSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" && h.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.Handler.ServeHTTP(w, r)
}

func (h *CORSHandler) originAllowed(origin string) bool {
	if len(h.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
