package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/microshop/gateway/internal/gwerrors"
	"github.com/microshop/gateway/internal/logging"
	"github.com/microshop/gateway/internal/metrics"
	"github.com/microshop/gateway/internal/registry"
)

// hopByHopHeaders are stripped in both directions per RFC 7230 section 6.1.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Result describes a completed forwarding attempt.
type Result struct {
	// StatusCode is the backend status relayed to the client.
	StatusCode int
	// Failure marks the attempt as counting against the backend's breaker.
	Failure bool
	// Canceled marks the client as gone before a response was produced; no
	// error response is written and the breaker is not charged.
	Canceled bool
}

// Forwarder relays requests to backends over a shared, pooled transport.
type Forwarder struct {
	transport http.RoundTripper
	log       *logging.Logger
}

// NewForwarder builds a forwarder with a connection-pooling transport.
func NewForwarder(log *logging.Logger) *Forwarder {
	return &Forwarder{
		transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
		log: log,
	}
}

// Forward relays the request to the backend, applying the backend's timeout,
// and writes the backend's response to w verbatim. It never retries. The
// returned gateway error, when non-nil, has not been written to w.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, backend registry.Backend, route Route) (Result, *gwerrors.GatewayError) {
	ctx, cancel := context.WithTimeout(r.Context(), backend.Timeout)
	defer cancel()

	out := r.Clone(ctx)
	out.RequestURI = ""
	out.URL.Scheme = backend.URL.Scheme
	out.URL.Host = backend.URL.Host
	out.URL.Path = singleJoin(backend.URL.Path, route.RewritePath(r.URL.Path))
	out.Host = backend.URL.Host
	out.Close = false

	removeHopByHop(out.Header)
	appendForwardedFor(out, r)

	metrics.IncBackendInFlight(backend.Name)
	defer metrics.DecBackendInFlight(backend.Name)

	resp, err := f.transport.RoundTrip(out)
	if err != nil {
		return f.classifyError(r, backend, err)
	}
	defer resp.Body.Close()

	removeHopByHop(resp.Header)
	header := w.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// The status line is already out; nothing to recover, just log.
		f.log.Warn(r.Context()).Err(err).Str("backend", backend.Name).Msg("response relay interrupted")
	}

	failure := resp.StatusCode >= http.StatusInternalServerError
	if failure {
		metrics.RecordBackendRequest(backend.Name, "failure")
	} else {
		metrics.RecordBackendRequest(backend.Name, "success")
	}
	return Result{StatusCode: resp.StatusCode, Failure: failure}, nil
}

func (f *Forwarder) classifyError(r *http.Request, backend registry.Backend, err error) (Result, *gwerrors.GatewayError) {
	// Client gone: abort quietly, the backend did not fail.
	if r.Context().Err() != nil {
		metrics.RecordBackendRequest(backend.Name, "canceled")
		return Result{Canceled: true}, nil
	}
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		metrics.RecordBackendRequest(backend.Name, "timeout")
		return Result{Failure: true}, gwerrors.BackendTimeout(backend.Name, err)
	}
	metrics.RecordBackendRequest(backend.Name, "unreachable")
	return Result{Failure: true}, gwerrors.BackendUnreachable(backend.Name, err)
}

func removeHopByHop(h http.Header) {
	for _, name := range strings.Split(h.Get("Connection"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			h.Del(name)
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func appendForwardedFor(out, in *http.Request) {
	clientIP := in.RemoteAddr
	if host, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		clientIP = host
	}
	if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
		clientIP = prior + ", " + clientIP
	}
	out.Header.Set("X-Forwarded-For", clientIP)
}

func singleJoin(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if path == "" {
		path = "/"
	}
	return base + path
}
