package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/transaction_gateway/internal/cache"
	"github.com/R3E-Network/transaction_gateway/internal/config"
	"github.com/R3E-Network/transaction_gateway/internal/contract"
	"github.com/R3E-Network/transaction_gateway/internal/downstream"
	"github.com/R3E-Network/transaction_gateway/internal/gateway"
	"github.com/R3E-Network/transaction_gateway/internal/httpapi"
	"github.com/R3E-Network/transaction_gateway/internal/logging"
	"github.com/R3E-Network/transaction_gateway/internal/metrics"
	"github.com/R3E-Network/transaction_gateway/internal/middleware"
)

const (
	shutdownTimeout = 30 * time.Second
	limiterCleanup  = time.Minute
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transaction gateway HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			log := logging.New("gateway", cfg.Log.Level, cfg.Log.Format)

			srv, err := newGatewayServer(cfg, log)
			if err != nil {
				return err
			}
			defer srv.Close()

			ln, err := net.Listen("tcp", cfg.HTTP.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.HTTP.Addr, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Serve(ctx, ln)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides http.addr")
	return cmd
}

// gatewayServer owns the components of a running gateway.
type gatewayServer struct {
	cfg     *config.Config
	log     *logging.Logger
	service *gateway.Service
	cache   *cache.ResponseCache
	audit   *logging.AuditLogger
	http    *http.Server
	stop    chan struct{}
}

func newGatewayServer(cfg *config.Config, log *logging.Logger) (*gatewayServer, error) {
	m := metrics.New()

	store := contract.NewStore(cfg.ContractBasePath, cfg.PublicTransactionsFile, log)
	if err := store.ReloadAll(); err != nil {
		return nil, fmt.Errorf("load contracts: %w", err)
	}
	m.SetContracts(store.Len())

	s := &gatewayServer{cfg: cfg, log: log, stop: make(chan struct{})}

	if cfg.CodeCache.Enabled {
		s.cache = cache.New(cfg.CodeCache.TTL, m, log)
		if err := s.cache.StartJanitor(cfg.CodeCache.SweepSchedule); err != nil {
			return nil, err
		}
	}
	s.audit = logging.NewAuditLogger(cfg.TransactionLogFile)

	sender := downstream.NewClient(downstream.ClientConfig{
		Routes:  cfg.RouteURLs,
		Format:  cfg.MessageDataType,
		Timeout: cfg.Downstream.Timeout,
		Metrics: m,
		Logger:  log,
	})

	s.service = gateway.New(gateway.Options{
		Config:  cfg,
		Store:   store,
		Sender:  sender,
		Cache:   s.cache,
		Audit:   s.audit,
		Metrics: m,
		Logger:  log,
	})

	var limiter *middleware.RateLimiter
	if rl := cfg.HTTP.RateLimit; rl.RPS > 0 {
		limiter = middleware.NewRateLimiter(rl.RPS, rl.Burst, log)
		limiter.StartCleanup(limiterCleanup, s.stop)
	}

	s.http = &http.Server{
		Handler: httpapi.NewHandler(httpapi.Options{
			Service:     s.service,
			Config:      cfg,
			Metrics:     m,
			Logger:      log,
			RateLimiter: limiter,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Serve accepts connections on ln until ctx is done, then drains in-flight
// requests.
func (s *gatewayServer) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", ln.Addr().String()).WithField("host", s.cfg.HostName).
			WithField("contracts", s.service.Store().Len()).Info("transaction gateway listening")
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down transaction gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close stops background work and releases the audit log.
func (s *gatewayServer) Close() {
	select {
	case <-s.stop:
		return
	default:
		close(s.stop)
	}
	if s.cache != nil {
		s.cache.Stop()
	}
	if err := s.audit.Close(); err != nil {
		s.log.WithError(err).Warn("audit log close failed")
	}
}
