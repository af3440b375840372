package breaker

import "sync"

// Bank holds one breaker per backend. Breakers are created up front at
// configuration load, so request-path lookups are read-only.
type Bank struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewBank creates an empty bank; every breaker it creates shares cfg.
func NewBank(cfg Config) *Bank {
	return &Bank{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the named backend, creating it if needed.
func (bk *Bank) Get(backend string) *Breaker {
	bk.mu.RLock()
	b, ok := bk.breakers[backend]
	bk.mu.RUnlock()
	if ok {
		return b
	}

	bk.mu.Lock()
	defer bk.mu.Unlock()
	if b, ok := bk.breakers[backend]; ok {
		return b
	}
	b = New(backend, bk.cfg)
	bk.breakers[backend] = b
	return b
}

// ReportFailure records an external failure signal, such as a failed health
// probe, against the backend's breaker.
func (bk *Bank) ReportFailure(backend string) {
	bk.Get(backend).RecordFailure()
}

// Snapshot returns the current state of every breaker, for introspection.
func (bk *Bank) Snapshot() []Snapshot {
	bk.mu.RLock()
	breakers := make([]*Breaker, 0, len(bk.breakers))
	for _, b := range bk.breakers {
		breakers = append(breakers, b)
	}
	bk.mu.RUnlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
