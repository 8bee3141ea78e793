package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	gwerrors "github.com/R3E-Network/transaction_gateway/internal/errors"
	"github.com/R3E-Network/transaction_gateway/internal/httputil"
	"github.com/R3E-Network/transaction_gateway/internal/logging"
)

// RecoveryMiddleware turns a handler panic into a 500 with the request trace
// id. It must run inside LoggingMiddleware so the trace id is available.
type RecoveryMiddleware struct {
	logger *logging.Logger
}

// NewRecoveryMiddleware creates a RecoveryMiddleware.
func NewRecoveryMiddleware(logger *logging.Logger) *RecoveryMiddleware {
	return &RecoveryMiddleware{logger: logger}
}

// Handler returns the recovery handler.
func (m *RecoveryMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			m.logger.WithContext(r.Context()).WithFields(logrus.Fields{
				"panic":  fmt.Sprint(rec),
				"path":   r.URL.Path,
				"method": r.Method,
				"stack":  string(debug.Stack()),
			}).Error("handler panicked")

			se := gwerrors.Internal("internal server error", nil)
			httputil.WriteErrorResponse(w, r, se.HTTPStatus, string(se.Code), se.Message, nil)
		}()
		next.ServeHTTP(w, r)
	})
}
