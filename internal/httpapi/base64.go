package httpapi

import (
	"encoding/base64"
	"net/http"

	"github.com/R3E-Network/transaction_gateway/internal/httputil"
)

// base64Encode returns the standard base64 form of the value parameter, used
// by operators to build base64Json admin queries.
func (h *handler) base64Encode(w http.ResponseWriter, r *http.Request) {
	value := r.URL.Query().Get("value")
	httputil.WriteJSON(w, http.StatusOK, base64.StdEncoding.EncodeToString([]byte(value)))
}

func (h *handler) base64Decode(w http.ResponseWriter, r *http.Request) {
	data, err := decodeBase64(r.URL.Query().Get("value"))
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).Debug("base64 decode rejected")
		httputil.BadRequest(w, "value is not valid base64")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, string(data))
}
