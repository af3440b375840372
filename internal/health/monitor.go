// Package health probes registered backends on a fixed interval and keeps the
// registry's health status current. The monitor only supplies signal: a
// backend marked unhealthy stays routable, the circuit breaker decides
// whether to attempt it.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/microshop/gateway/internal/logging"
	"github.com/microshop/gateway/internal/registry"
)

// FailureSink receives external failure signals for a backend. Failed probes
// feed the same tally as failed forwarded requests.
type FailureSink interface {
	ReportFailure(backend string)
}

// Config tunes the monitor.
type Config struct {
	// Interval between probes of each backend. Defaults to 30s.
	Interval time.Duration
	// Timeout bounds each probe. Defaults to 5s.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Monitor runs one probe loop per enabled backend.
type Monitor struct {
	cfg    Config
	reg    *registry.Registry
	sink   FailureSink
	client *http.Client
	log    *logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor over the given registry. Probe failures are reported
// to sink.
func New(cfg Config, reg *registry.Registry, sink FailureSink, log *logging.Logger) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:    cfg,
		reg:    reg,
		sink:   sink,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

// Name implements system.Service.
func (m *Monitor) Name() string { return "health-monitor" }

// Start launches a probe loop for every enabled backend. Each loop probes
// immediately, then on the configured interval, independent of the others.
func (m *Monitor) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	for _, backend := range m.reg.List() {
		if !backend.Enabled {
			continue
		}
		m.wg.Add(1)
		go m.watch(loopCtx, backend.Name)
	}
	return nil
}

// Stop cancels all probe loops and waits for them within ctx.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("health monitor shutdown: %w", ctx.Err())
	}
}

func (m *Monitor) watch(ctx context.Context, name string) {
	defer m.wg.Done()

	m.probe(ctx, name)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx, name)
		}
	}
}

func (m *Monitor) probe(ctx context.Context, name string) {
	backend, err := m.reg.Get(name)
	if err != nil {
		return
	}

	status := registry.HealthHealthy
	probeErr := m.check(ctx, backend)
	if probeErr != nil {
		status = registry.HealthUnhealthy
	}

	if backend.Health != status {
		ev := m.log.Info(ctx).
			Str("backend", name).
			Str("from", string(backend.Health)).
			Str("to", string(status))
		if probeErr != nil {
			ev = ev.Err(probeErr)
		}
		ev.Msg("backend health transition")
	}

	_ = m.reg.UpdateHealth(name, status, time.Now())
	if probeErr != nil && m.sink != nil {
		m.sink.ReportFailure(name)
	}
}

// check issues one GET to the backend's health path. Timeouts, connection
// failures and non-2xx responses all count as probe failures.
func (m *Monitor) check(ctx context.Context, backend registry.Backend) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	probeURL := backend.URL.JoinPath(backend.HealthPath).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return nil
}
