package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/R3E-Network/transaction_gateway/internal/httputil"
	"github.com/R3E-Network/transaction_gateway/internal/logging"
)

// AdminKeyHeader carries the shared administrative secret.
const AdminKeyHeader = "AuthorizationKey"

// AdminKeyMiddleware guards the administrative endpoints with a shared key.
// A missing or wrong key is answered with 400, the status clients of the
// administrative surface expect.
type AdminKeyMiddleware struct {
	key    []byte
	logger *logging.Logger
}

// NewAdminKeyMiddleware creates the guard for key. An empty key rejects every
// request.
func NewAdminKeyMiddleware(key string, logger *logging.Logger) *AdminKeyMiddleware {
	return &AdminKeyMiddleware{key: []byte(key), logger: logger}
}

// Handler returns the guard handler.
func (m *AdminKeyMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.valid(r.Header.Get(AdminKeyHeader)) {
			m.logger.LogSecurityEvent(r.Context(), "admin_key_rejected", map[string]interface{}{
				"path":   r.URL.Path,
				"client": clientKey(r),
			})
			httputil.BadRequest(w, "authorization key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *AdminKeyMiddleware) valid(supplied string) bool {
	if len(m.key) == 0 || supplied == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), m.key) == 1
}
