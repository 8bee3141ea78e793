// Package httputil provides HTTP response and body helpers shared by the
// gateway's handlers, middleware and downstream client.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/R3E-Network/transaction_gateway/internal/logging"
)

// ErrorResponse is the JSON body of every non-envelope error.
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	TraceID string                 `json:"trace_id,omitempty"`
}

// WriteJSON writes v as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteErrorResponse writes a structured error carrying the request trace id.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]interface{}) {
	resp := ErrorResponse{Code: code, Message: message, Details: details}
	if r != nil {
		resp.TraceID = logging.GetTraceID(r.Context())
	}
	WriteJSON(w, status, resp)
}

// WriteError writes a structured error without request context.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Code: http.StatusText(status), Message: message})
}

func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message)
}

func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, message)
}

func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, message)
}
