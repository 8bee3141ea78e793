// Package httpapi exposes the gateway over HTTP: the transaction endpoint,
// the administrative contract and cache endpoints, and operational probes.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/transaction_gateway/internal/config"
	"github.com/R3E-Network/transaction_gateway/internal/gateway"
	"github.com/R3E-Network/transaction_gateway/internal/httputil"
	"github.com/R3E-Network/transaction_gateway/internal/logging"
	"github.com/R3E-Network/transaction_gateway/internal/metrics"
	"github.com/R3E-Network/transaction_gateway/internal/middleware"
)

// DefaultMaxBodyBytes bounds a transaction envelope.
const DefaultMaxBodyBytes = 32 << 20

// Options wires the HTTP surface. Service and Config are required.
type Options struct {
	Service *gateway.Service
	Config  *config.Config
	Metrics *metrics.Metrics
	Logger  *logging.Logger
	// RateLimiter overrides the limiter built from Config.HTTP.RateLimit.
	RateLimiter  *middleware.RateLimiter
	MaxBodyBytes int64
}

type handler struct {
	svc       *gateway.Service
	cfg       *config.Config
	metrics   *metrics.Metrics
	log       *logging.Logger
	maxBody   int64
	startedAt time.Time
}

// NewHandler returns the gateway router with the full middleware chain.
func NewHandler(opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	h := &handler{
		svc:       opts.Service,
		cfg:       opts.Config,
		metrics:   opts.Metrics,
		log:       log,
		maxBody:   maxBody,
		startedAt: time.Now(),
	}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(log))
	r.Use(middleware.NewRecoveryMiddleware(log).Handler)
	if h.metrics != nil {
		r.Use(middleware.MetricsMiddleware("gateway", h.metrics))
	}
	r.Use(middleware.NewCORSMiddleware(opts.Config.HTTP.AllowedOrigins).Handler)
	limiter := opts.RateLimiter
	if limiter == nil && opts.Config.HTTP.RateLimit.RPS > 0 {
		rl := opts.Config.HTTP.RateLimit
		limiter = middleware.NewRateLimiter(rl.RPS, rl.Burst, log)
	}
	if limiter != nil {
		r.Use(limiter.Handler)
	}

	r.HandleFunc("/api/transaction", h.execute).Methods(http.MethodPost, http.MethodOptions)
	h.registerAdmin(r, middleware.NewAdminKeyMiddleware(opts.Config.AuthorizationKey, log))

	r.HandleFunc("/api/base64/encode", h.base64Encode).Methods(http.MethodGet)
	r.HandleFunc("/api/base64/decode", h.base64Decode).Methods(http.MethodGet)

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/diagnostics", h.diagnostics).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

func (h *handler) execute(w http.ResponseWriter, r *http.Request) {
	body, truncated, err := httputil.ReadAllWithLimit(r.Body, h.maxBody)
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).Warn("transaction body unreadable")
		httputil.BadRequest(w, "request body could not be read")
		return
	}
	if truncated {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	res := h.svc.Execute(r.Context(), r.Header.Get("Content-Type"), body)
	w.Header().Set("Content-Type", res.ContentType)
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"contracts": h.svc.Store().Len(),
	})
}
