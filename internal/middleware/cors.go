package middleware

import (
	"net/http"
	"strings"
)

// CORSMiddleware handles Cross-Origin Resource Sharing.
type CORSMiddleware struct {
	allowedOrigins []string
	allowAll       bool
}

// NewCORSMiddleware creates a CORS middleware. "*" allows every origin; an
// entry starting with "." allows that domain's subdomains.
func NewCORSMiddleware(allowedOrigins []string) *CORSMiddleware {
	m := &CORSMiddleware{}
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			m.allowAll = true
		}
		m.allowedOrigins = append(m.allowedOrigins, origin)
	}
	return m
}

// Handler returns the CORS handler. Preflight requests are answered here.
func (m *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && (m.allowAll || m.isOriginAllowed(origin)) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, AuthorizationKey, "+TraceHeader)
			h.Set("Access-Control-Expose-Headers", TraceHeader)
			h.Set("Access-Control-Max-Age", "3600")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *CORSMiddleware) isOriginAllowed(origin string) bool {
	for _, allowed := range m.allowedOrigins {
		if allowed == origin {
			return true
		}
		if strings.HasPrefix(allowed, ".") && strings.HasSuffix(origin, allowed) {
			return true
		}
	}
	return false
}
