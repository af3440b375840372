// Package server assembles the gateway: it wires the registry, route table,
// breakers, rate limiter, auth gate and forwarder into one HTTP surface and
// manages the process lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/microshop/gateway/internal/authgate"
	"github.com/microshop/gateway/internal/breaker"
	"github.com/microshop/gateway/internal/config"
	"github.com/microshop/gateway/internal/health"
	"github.com/microshop/gateway/internal/logging"
	"github.com/microshop/gateway/internal/metrics"
	"github.com/microshop/gateway/internal/proxy"
	"github.com/microshop/gateway/internal/ratelimit"
	"github.com/microshop/gateway/internal/registry"
	"github.com/microshop/gateway/internal/system"
)

// Server is the assembled gateway process.
type Server struct {
	cfg     *config.Config
	log     *logging.Logger
	reg     *registry.Registry
	table   *proxy.Table
	bank    *breaker.Bank
	limiter *ratelimit.Limiter
	gate    *authgate.Gate
	manager *system.Manager
	handler http.Handler
	ready   atomic.Bool
}

// New validates nothing itself: cfg must already have passed config.Load.
// It builds every component and the route table, failing fast on any
// inconsistency so no traffic is ever served from a bad configuration.
func New(cfg *config.Config, log *logging.Logger) (*Server, error) {
	reg := registry.New()
	for _, b := range cfg.Backends {
		u, err := url.Parse(b.URL)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", b.Name, err)
		}
		err = reg.Register(registry.Backend{
			Name:       b.Name,
			URL:        u,
			Timeout:    b.Timeout,
			HealthPath: b.HealthPath,
			Enabled:    b.IsEnabled(),
		})
		if err != nil {
			return nil, err
		}
	}

	table, err := proxy.NewTable(toRoutes(cfg.Routes), reg)
	if err != nil {
		return nil, err
	}

	bank := breaker.NewBank(breaker.Config{
		FailureRatio:   cfg.Breaker.FailureRatio,
		MinSamples:     cfg.Breaker.MinSamples,
		Interval:       cfg.Breaker.Interval,
		CoolDown:       cfg.Breaker.CoolDown,
		HalfOpenProbes: cfg.Breaker.HalfOpenProbes,
		OnStateChange: func(backend string, from, to breaker.State) {
			metrics.SetCircuitState(backend, float64(to))
			log.Info(context.Background()).
				Str("backend", backend).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit state transition")
		},
	})
	for _, b := range reg.List() {
		bank.Get(b.Name)
		metrics.SetCircuitState(b.Name, float64(breaker.StateClosed))
	}

	gate := authgate.New(authgate.Config{
		VerifyURL: cfg.Identity.VerifyURL,
		Timeout:   cfg.Identity.Timeout,
		CacheTTL:  cfg.Identity.CacheTTL,
		CacheSize: cfg.Identity.CacheSize,
	}, log.Component("authgate"))

	limiter := ratelimit.New(cfg.RateLimitPolicy())

	monitor := health.New(health.Config{
		Interval: cfg.Health.Interval,
		Timeout:  cfg.Health.Timeout,
	}, reg, bank, log.Component("health"))

	manager := system.NewManager()
	manager.Register(monitor)
	manager.Register(&limiterSweeper{limiter: limiter})

	s := &Server{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		table:   table,
		bank:    bank,
		limiter: limiter,
		gate:    gate,
		manager: manager,
	}
	s.handler = s.buildHandler()
	return s, nil
}

func toRoutes(routes []config.RouteConfig) []proxy.Route {
	out := make([]proxy.Route, 0, len(routes))
	for _, rt := range routes {
		out = append(out, proxy.Route{
			Pattern:      rt.Pattern,
			Method:       rt.Method,
			Backend:      rt.Backend,
			StripPrefix:  rt.StripPrefix,
			AuthRequired: rt.AuthRequired,
		})
	}
	return out
}

func (s *Server) buildHandler() http.Handler {
	p := &pipeline{
		reg:     s.reg,
		table:   s.table,
		bank:    s.bank,
		limiter: s.limiter,
		gate:    s.gate,
		fwd:     proxy.NewForwarder(s.log.Component("forwarder")),
		log:     s.log.Component("request"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/gateway/services", s.handleServices).Methods(http.MethodGet)
	r.HandleFunc("/gateway/routes", s.handleRoutes).Methods(http.MethodGet)
	r.HandleFunc("/gateway/breakers", s.handleBreakers).Methods(http.MethodGet)
	r.Handle("/gateway/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/").Handler(p)
	r.Use(corsMiddleware(s.cfg.CORS.AllowedOrigins))
	return r
}

// Handler returns the gateway's full HTTP surface.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is canceled, then drains in-flight requests within the
// configured grace period and stops background components.
func (s *Server) Run(ctx context.Context) error {
	if err := s.manager.StartAll(ctx); err != nil {
		return err
	}
	s.ready.Store(true)

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info(ctx).Str("listen", s.cfg.Listen).Msg("gateway listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.ready.Store(false)
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Shutdown.GracePeriod)
		defer cancel()
		_ = s.manager.StopAll(stopCtx)
		return err
	case <-ctx.Done():
	}

	s.ready.Store(false)
	s.log.Info(context.Background()).Msg("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Shutdown.GracePeriod)
	defer cancel()
	if err := srv.Shutdown(stopCtx); err != nil {
		s.log.Error(context.Background()).Err(err).Msg("http server shutdown")
	}
	return s.manager.StopAll(stopCtx)
}

// limiterSweeper runs the rate limiter's idle-bucket eviction loop as a
// managed background service.
type limiterSweeper struct {
	limiter *ratelimit.Limiter
	cancel  context.CancelFunc
	done    chan struct{}
}

func (ls *limiterSweeper) Name() string { return "ratelimit-sweeper" }

func (ls *limiterSweeper) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ls.cancel = cancel
	ls.done = make(chan struct{})
	go func() {
		defer close(ls.done)
		ls.limiter.Run(loopCtx, time.Minute)
	}()
	return nil
}

func (ls *limiterSweeper) Stop(ctx context.Context) error {
	if ls.cancel != nil {
		ls.cancel()
	}
	select {
	case <-ls.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
