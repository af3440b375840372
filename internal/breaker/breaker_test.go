package breaker

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := New("orders", cfg)
	b.now = clock.Now
	return b, clock
}

func testConfig() Config {
	return Config{
		FailureRatio:   0.6,
		MinSamples:     3,
		Interval:       10 * time.Second,
		CoolDown:       30 * time.Second,
		HalfOpenProbes: 3,
	}
}

func TestBreaker_InitialStateClosed(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	if b.State() != StateClosed {
		t.Fatalf("State() = %v, want %v", b.State(), StateClosed)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() in closed state: %v", err)
	}
}

func TestBreaker_OpensAtFailureRatio(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("opened below minimum sample size")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("State() = %v after 3/3 failures, want %v", b.State(), StateOpen)
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow() while open = %v, want ErrOpen", err)
	}
}

func TestBreaker_StaysClosedBelowRatio(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure() // 1/3 failures, ratio 0.33
	if b.State() != StateClosed {
		t.Errorf("State() = %v, want closed at ratio below threshold", b.State())
	}
}

func TestBreaker_ExactRatioDoesNotOpen(t *testing.T) {
	cfg := testConfig()
	cfg.FailureRatio = 0.5
	b, _ := newTestBreaker(cfg)

	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure() // 2/4, exactly the threshold
	if b.State() != StateClosed {
		t.Errorf("ratio equal to threshold must not open the circuit")
	}
}

func TestBreaker_WindowRotationResetsCounters(t *testing.T) {
	b, clock := newTestBreaker(testConfig())

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(11 * time.Second)
	b.RecordFailure() // old failures fell out of the window
	if b.State() != StateClosed {
		t.Errorf("State() = %v, failures outside the interval must not count", b.State())
	}
}

func TestBreaker_CoolDownToHalfOpen(t *testing.T) {
	b, clock := newTestBreaker(testConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	clock.Advance(29 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow() before cool-down elapsed = %v, want ErrOpen", err)
	}

	clock.Advance(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after cool-down = %v, want probe admitted", err)
	}
	if b.State() != StateHalfOpen {
		t.Errorf("State() = %v, want %v", b.State(), StateHalfOpen)
	}
}

func TestBreaker_HalfOpenProbeBudget(t *testing.T) {
	b, clock := newTestBreaker(testConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(31 * time.Second)

	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("probe %d rejected: %v", i+1, err)
		}
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow() beyond probe budget = %v, want ErrOpen", err)
	}
}

func TestBreaker_HalfOpenAllSucceedCloses(t *testing.T) {
	b, clock := newTestBreaker(testConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(31 * time.Second)

	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("probe %d rejected: %v", i+1, err)
		}
		b.RecordSuccess()
	}
	if b.State() != StateClosed {
		t.Fatalf("State() = %v after all probes succeeded, want closed", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after closing = %v", err)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(testConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(31 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.RecordSuccess()
	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("State() = %v after probe failure, want open", b.State())
	}

	// Cool-down restarted from the reopen, not the original open.
	clock.Advance(29 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow() = %v, cool-down must restart on reopen", err)
	}
	clock.Advance(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after restarted cool-down = %v", err)
	}
}

func TestBreaker_RecordCanceledFreesProbeSlot(t *testing.T) {
	b, clock := newTestBreaker(testConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(31 * time.Second)

	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("probe %d rejected: %v", i+1, err)
		}
	}
	b.RecordCanceled()
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after a canceled probe = %v, want slot freed", err)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cfg := testConfig()
	cfg.OnStateChange = func(backend string, from, to State) {
		transitions = append(transitions, backend+":"+from.String()+"->"+to.String())
	}
	b, clock := newTestBreaker(cfg)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(31 * time.Second)
	_ = b.Allow()
	for i := 0; i < 2; i++ {
		_ = b.Allow()
	}
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess()

	want := []string{
		"orders:closed->open",
		"orders:open->half_open",
		"orders:half_open->closed",
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestBank_PerBackendIsolation(t *testing.T) {
	bank := NewBank(testConfig())

	for i := 0; i < 3; i++ {
		bank.ReportFailure("payments")
	}
	if bank.Get("payments").State() != StateOpen {
		t.Errorf("payments breaker should be open")
	}
	if bank.Get("catalog").State() != StateClosed {
		t.Errorf("catalog breaker must be unaffected")
	}
}

func TestBank_GetReturnsSameBreaker(t *testing.T) {
	bank := NewBank(testConfig())
	if bank.Get("cart") != bank.Get("cart") {
		t.Error("Get must return one breaker per backend")
	}
}

func TestBank_Snapshot(t *testing.T) {
	bank := NewBank(testConfig())
	bank.Get("cart")
	for i := 0; i < 3; i++ {
		bank.ReportFailure("orders")
	}

	snaps := bank.Snapshot()
	if len(snaps) != 2 {
		t.Fatalf("Snapshot() returned %d entries, want 2", len(snaps))
	}
	states := map[string]string{}
	for _, s := range snaps {
		states[s.Backend] = s.State
	}
	if states["cart"] != "closed" {
		t.Errorf("cart state = %q, want closed", states["cart"])
	}
	if states["orders"] != "open" {
		t.Errorf("orders state = %q, want open", states["orders"])
	}
}
