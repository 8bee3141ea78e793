package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/transaction_gateway/internal/contract"
	"github.com/R3E-Network/transaction_gateway/internal/httputil"
	"github.com/R3E-Network/transaction_gateway/internal/middleware"
)

// contractQuery is the decoded base64Json parameter of the admin lookups.
type contractQuery struct {
	ApplicationID  string `json:"ApplicationID"`
	ProjectID      string `json:"ProjectID"`
	TransactionID  string `json:"TransactionID"`
	ServiceID      string `json:"ServiceID"`
	TransactionLog bool   `json:"TransactionLog"`
}

func (h *handler) registerAdmin(r *mux.Router, guard *middleware.AdminKeyMiddleware) {
	admin := func(p string, fn http.HandlerFunc) {
		r.Handle(p, guard.Handler(fn)).Methods(http.MethodGet)
	}
	admin("/api/transaction/has", h.has)
	admin("/api/transaction/add", h.add)
	admin("/api/transaction/remove", h.remove)
	admin("/api/transaction/refresh", h.refresh)
	admin("/api/transaction/cache-clear", h.cacheClear)
	admin("/api/transaction/cache-keys", h.cacheKeys)
	admin("/api/transaction/get", h.get)
	admin("/api/transaction/retrieve", h.retrieve)
	admin("/api/transaction/log", h.setLog)
	admin("/api/transaction/meta", h.meta)
	admin("/api/managed/reset-contract", h.resetContracts)
}

func (h *handler) has(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n := h.svc.Store().Count(q.Get("applicationID"), q.Get("projectID"), q.Get("transactionID"))
	httputil.WriteJSON(w, http.StatusOK, n)
}

func (h *handler) add(w http.ResponseWriter, r *http.Request) {
	h.contractFile(w, r, "add", func(rel string) bool { return h.svc.Store().Add(rel) })
}

func (h *handler) remove(w http.ResponseWriter, r *http.Request) {
	h.contractFile(w, r, "remove", func(rel string) bool { return h.svc.Store().Remove(rel) })
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	h.contractFile(w, r, "refresh", func(rel string) bool { return h.svc.Store().Refresh(rel) })
}

func (h *handler) contractFile(w http.ResponseWriter, r *http.Request, action string, apply func(string) bool) {
	rel, err := contractPath(r.URL.Query().Get("businessContractFilePath"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	ok := apply(rel)
	h.log.WithContext(r.Context()).WithField("path", rel).WithField("applied", ok).Info("contract " + action)
	h.syncContractGauge()
	httputil.WriteJSON(w, http.StatusOK, ok)
}

func (h *handler) cacheClear(w http.ResponseWriter, r *http.Request) {
	c := h.svc.Cache()
	if c == nil {
		httputil.WriteJSON(w, http.StatusOK, false)
		return
	}
	key := r.URL.Query().Get("cacheKey")
	if key == "" {
		n := c.Clear()
		h.log.WithContext(r.Context()).WithField("entries", n).Info("response cache cleared")
		httputil.WriteJSON(w, http.StatusOK, true)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c.Delete(key))
}

func (h *handler) cacheKeys(w http.ResponseWriter, _ *http.Request) {
	keys := []string{}
	if c := h.svc.Cache(); c != nil {
		keys = c.Keys()
	}
	httputil.WriteJSON(w, http.StatusOK, keys)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	q, err := decodeContractQuery(r.URL.Query().Get("base64Json"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	c, ok := h.svc.Store().Resolve(q.ApplicationID, q.ProjectID, q.TransactionID)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("contract '%s|%s|%s' not found", q.ApplicationID, q.ProjectID, q.TransactionID))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

func (h *handler) retrieve(w http.ResponseWriter, r *http.Request) {
	q, err := decodeContractQuery(r.URL.Query().Get("base64Json"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if q.ApplicationID == "" || q.ProjectID == "" {
		httputil.BadRequest(w, "ApplicationID and ProjectID are required")
		return
	}
	list := h.svc.Store().Retrieve(q.ApplicationID, q.ProjectID, q.TransactionID)
	if list == nil {
		list = []contract.BusinessContract{}
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *handler) setLog(w http.ResponseWriter, r *http.Request) {
	q, err := decodeContractQuery(r.URL.Query().Get("base64Json"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	found := h.svc.Store().SetServiceLogging(q.ApplicationID, q.ProjectID, q.TransactionID, q.ServiceID, q.TransactionLog)
	h.log.WithContext(r.Context()).WithField("service", q.ServiceID).WithField("found", found).
		WithField("transaction_log", q.TransactionLog).Info("service audit flag changed")
	httputil.WriteJSON(w, http.StatusOK, found && q.TransactionLog)
}

func (h *handler) meta(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.svc.Store().Snapshot())
}

func (h *handler) resetContracts(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Store().ReloadAll(); err != nil {
		h.log.WithContext(r.Context()).WithError(err).Error("contract reload failed")
		httputil.InternalError(w, err.Error())
		return
	}
	h.syncContractGauge()
	httputil.WriteJSON(w, http.StatusOK, true)
}

func (h *handler) syncContractGauge() {
	if h.metrics != nil {
		h.metrics.SetContracts(h.svc.Store().Len())
	}
}

// contractPath normalizes a contract path relative to the contract base path.
// Backslash separators are accepted; absolute paths and parent references are
// rejected.
func contractPath(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("businessContractFilePath is required")
	}
	p := strings.ReplaceAll(raw, `\`, "/")
	if strings.HasPrefix(p, "/") || (len(p) > 1 && p[1] == ':') {
		return "", fmt.Errorf("businessContractFilePath must be relative")
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("businessContractFilePath must stay inside the contract directory")
	}
	return clean, nil
}

func decodeContractQuery(param string) (*contractQuery, error) {
	if param == "" {
		return nil, fmt.Errorf("base64Json is required")
	}
	data, err := decodeBase64(param)
	if err != nil {
		return nil, fmt.Errorf("base64Json is not valid base64")
	}
	var q contractQuery
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("base64Json is not a valid query: %v", err)
	}
	return &q, nil
}

// decodeBase64 accepts standard and URL alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	var data []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if data, err = enc.DecodeString(s); err == nil {
			return data, nil
		}
	}
	return nil, err
}
