package server

import (
	"net"
	"net/http"
	"time"

	"github.com/microshop/gateway/internal/authgate"
	"github.com/microshop/gateway/internal/breaker"
	"github.com/microshop/gateway/internal/gwerrors"
	"github.com/microshop/gateway/internal/httputil"
	"github.com/microshop/gateway/internal/logging"
	"github.com/microshop/gateway/internal/metrics"
	"github.com/microshop/gateway/internal/proxy"
	"github.com/microshop/gateway/internal/ratelimit"
	"github.com/microshop/gateway/internal/registry"
)

// pipeline is the request path: correlation ID, rate limit, route resolution,
// authentication, circuit check, forward. The order is fixed; any gate that
// rejects terminates the request without invoking later stages.
type pipeline struct {
	reg     *registry.Registry
	table   *proxy.Table
	bank    *breaker.Bank
	limiter *ratelimit.Limiter
	gate    *authgate.Gate
	fwd     *proxy.Forwarder
	log     *logging.Logger
}

func (p *pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	corrID := r.Header.Get("X-Correlation-ID")
	if corrID == "" {
		corrID = logging.NewCorrelationID()
	}
	r = r.WithContext(logging.WithCorrelationID(r.Context(), corrID))
	w.Header().Set("X-Correlation-ID", corrID)

	metrics.IncInFlight()
	defer metrics.DecInFlight()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	routeLabel := "unmatched"
	backendName := ""
	outcome := ""
	defer func() {
		status := rec.status
		duration := time.Since(start)
		metrics.RecordRequest(r.Method, routeLabel, status, duration)

		ev := p.log.Info(r.Context()).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", duration)
		if backendName != "" {
			ev = ev.Str("backend", backendName)
		}
		if outcome != "" {
			ev = ev.Str("outcome", outcome)
		}
		ev.Msg("request")
	}()

	// Admission control runs before everything else so rejected traffic
	// costs no routing, auth or backend work.
	if !p.limiter.Allow(p.limitKey(r)) {
		outcome = "rate_limited"
		p.reject(rec, r, gwerrors.RateLimited(p.limiter.RetryAfter()), "rate_limited")
		return
	}

	route, ok := p.table.Resolve(r.Method, r.URL.Path)
	if !ok {
		outcome = "route_not_found"
		p.reject(rec, r, gwerrors.RouteNotFound(r.Method, r.URL.Path), "route_not_found")
		return
	}
	routeLabel = route.Pattern
	backendName = route.Backend

	if route.AuthRequired {
		ident, gerr := p.gate.Authenticate(r.Context(), r)
		if gerr != nil {
			outcome = "unauthorized"
			cause := "unauthorized"
			if gerr.Code == gwerrors.CodeIdentityUnavailable {
				cause = "identity_unavailable"
				p.log.Warn(r.Context()).Err(gerr).Msg("identity service unavailable, rejecting")
			}
			p.reject(rec, r, gerr, cause)
			return
		}
		r = r.WithContext(logging.WithUserID(r.Context(), ident.UserID))
	}

	br := p.bank.Get(route.Backend)
	if err := br.Allow(); err != nil {
		outcome = "circuit_open"
		p.reject(rec, r, gwerrors.CircuitOpen(route.Backend), "circuit_open")
		return
	}

	backend, err := p.reg.Get(route.Backend)
	if err != nil {
		// Unreachable: the table was validated against the registry at load.
		br.RecordCanceled()
		outcome = "internal"
		p.reject(rec, r, gwerrors.Internal("", err), "internal")
		return
	}

	res, gerr := p.fwd.Forward(rec, r, backend, route)
	switch {
	case gerr != nil:
		br.RecordFailure()
		outcome = string(gerr.Code)
		httputil.WriteError(rec, r, gerr)
	case res.Canceled:
		br.RecordCanceled()
		outcome = "client_canceled"
		rec.status = 499
	case res.Failure:
		br.RecordFailure()
		outcome = "backend_error"
	default:
		br.RecordSuccess()
		outcome = "forwarded"
	}
}

// limitKey derives the admission key. Admission runs before authentication,
// so the per-user scope keys on the bearer credential when one is present and
// falls back to the client IP otherwise.
func (p *pipeline) limitKey(r *http.Request) string {
	switch p.limiter.Scope() {
	case ratelimit.ScopePerUser:
		if auth := r.Header.Get("Authorization"); auth != "" {
			return auth
		}
		return clientIP(r)
	case ratelimit.ScopePerIP:
		return clientIP(r)
	default:
		return ""
	}
}

func (p *pipeline) reject(w http.ResponseWriter, r *http.Request, gerr *gwerrors.GatewayError, cause string) {
	metrics.RecordRejection(cause)
	httputil.WriteError(w, r, gerr)
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// statusRecorder captures the status code written downstream.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (rec *statusRecorder) WriteHeader(code int) {
	if !rec.written {
		rec.status = code
		rec.written = true
		rec.ResponseWriter.WriteHeader(code)
	}
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if !rec.written {
		rec.WriteHeader(http.StatusOK)
	}
	return rec.ResponseWriter.Write(b)
}
