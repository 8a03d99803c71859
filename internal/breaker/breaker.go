// Package breaker implements the per-service circuit breaker: a three-state
// machine over a rolling window of request outcomes that fails fast while an
// upstream is unhealthy and admits a single trial request on recovery.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelgw/kestrel/internal/clock"
	"github.com/kestrelgw/kestrel/internal/observe"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Decision is the admission decision for one request.
type Decision int

const (
	// Admit forwards the request normally.
	Admit Decision = iota
	// Reject fails fast with BreakerOpen.
	Reject
	// AdmitProbe forwards the request as the single half-open trial.
	AdmitProbe
)

// Outcome is the observed result of a forwarded request.
type Outcome struct {
	// Failure marks upstream transport errors, upstream timeouts, and
	// responses with status >= 500. 4xx responses are not failures.
	Failure bool
	// Canceled marks client disconnections; these never count against
	// the breaker.
	Canceled bool
	Latency  time.Duration
}

// Config holds breaker thresholds.
type Config struct {
	// VolumeThreshold is the minimum sample count in the window before
	// the failure fraction is considered.
	VolumeThreshold int
	// ErrorThresholdFraction opens the breaker when reached (0..1].
	ErrorThresholdFraction float64
	// ResetTimeout is how long the breaker stays open before half-open.
	ResetTimeout time.Duration
	// WindowDuration bounds the rolling window by time.
	WindowDuration time.Duration
	// WindowSize bounds the rolling window by sample count.
	WindowSize int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		VolumeThreshold:        20,
		ErrorThresholdFraction: 0.5,
		ResetTimeout:           30 * time.Second,
		WindowDuration:         10 * time.Second,
		WindowSize:             100,
	}
}

type sample struct {
	at      time.Time
	failure bool
}

// Breaker is the state machine for one service name. All mutation goes
// through its mutex; outcome recordings for the same service are therefore
// observed in a total order.
type Breaker struct {
	mu sync.Mutex

	name  string
	cfg   Config
	clock clock.Clock
	sink  observe.Sink

	state         State
	samples       []sample
	openedAt      time.Time
	probeInFlight bool

	// Counters for stats.
	totalRequests int64
	totalRejected int64
	totalFailures int64
	trips         int64
	lastChange    time.Time
}

func newBreaker(name string, cfg Config, clk clock.Clock, sink observe.Sink) *Breaker {
	return &Breaker{
		name:       name,
		cfg:        cfg,
		clock:      clk,
		sink:       sink,
		state:      StateClosed,
		lastChange: clk.Now(),
	}
}

// Admit decides whether a request for this service may be forwarded.
// retryAfter is non-zero only for Reject while open.
func (b *Breaker) Admit() (Decision, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.refresh(now)
	b.totalRequests++

	switch b.state {
	case StateClosed:
		return Admit, 0

	case StateOpen:
		b.totalRejected++
		return Reject, b.cfg.ResetTimeout - now.Sub(b.openedAt)

	case StateHalfOpen:
		if b.probeInFlight {
			b.totalRejected++
			return Reject, 0
		}
		b.probeInFlight = true
		return AdmitProbe, 0
	}

	return Admit, 0
}

// Record observes the outcome of a forwarded request and applies any
// resulting transition.
func (b *Breaker) Record(out Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.refresh(now)

	if out.Canceled {
		// A canceled request resolves the half-open trial without a
		// verdict; the next arrival becomes the trial.
		if b.state == StateHalfOpen {
			b.probeInFlight = false
		}
		return
	}

	if out.Failure {
		b.totalFailures++
	}

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		if out.Failure {
			b.open(now)
		} else {
			b.close(now)
		}
		return
	}

	b.samples = append(b.samples, sample{at: now, failure: out.Failure})
	b.prune(now)

	if b.state == StateClosed && b.tripCondition() {
		b.open(now)
	}
}

// tripCondition reports whether the window warrants opening. Caller holds
// the lock and has pruned the window.
func (b *Breaker) tripCondition() bool {
	n := len(b.samples)
	if n < b.cfg.VolumeThreshold {
		return false
	}
	failures := 0
	for _, s := range b.samples {
		if s.failure {
			failures++
		}
	}
	return float64(failures)/float64(n) >= b.cfg.ErrorThresholdFraction
}

// refresh applies the time-driven open -> half-open transition. The
// transition depends only on elapsed wall-clock time; callers merely
// observe it.
func (b *Breaker) refresh(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.transition(StateHalfOpen, now)
		b.probeInFlight = false
	}
}

func (b *Breaker) open(now time.Time) {
	b.openedAt = now
	b.trips++
	b.samples = b.samples[:0]
	b.transition(StateOpen, now)
}

func (b *Breaker) close(now time.Time) {
	b.samples = b.samples[:0]
	b.transition(StateClosed, now)
}

func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastChange = now
	b.sink.BreakerTransition(b.name, from.String(), to.String())
}

// prune drops samples outside the time window and beyond the count bound.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
	if excess := len(b.samples) - b.cfg.WindowSize; excess > 0 {
		b.samples = append(b.samples[:0], b.samples[excess:]...)
	}
}

// State returns the current state, applying any due time transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh(b.clock.Now())
	return b.state
}

// Stats holds breaker statistics for the admin API.
type Stats struct {
	Service        string    `json:"service"`
	State          string    `json:"state"`
	WindowSamples  int       `json:"windowSamples"`
	WindowFailures int       `json:"windowFailures"`
	TotalRequests  int64     `json:"totalRequests"`
	TotalFailures  int64     `json:"totalFailures"`
	TotalRejected  int64     `json:"totalRejected"`
	Trips          int64     `json:"trips"`
	LastChange     time.Time `json:"lastStateChange"`
}

// Stats returns current statistics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.refresh(now)
	b.prune(now)

	failures := 0
	for _, s := range b.samples {
		if s.failure {
			failures++
		}
	}

	return Stats{
		Service:        b.name,
		State:          b.state.String(),
		WindowSamples:  len(b.samples),
		WindowFailures: failures,
		TotalRequests:  b.totalRequests,
		TotalFailures:  b.totalFailures,
		TotalRejected:  b.totalRejected,
		Trips:          b.trips,
		LastChange:     b.lastChange,
	}
}

// Set holds one breaker per service name, created lazily on first use and
// retained for the process lifetime. There is no shared mutable state
// across breakers.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	cfg    Config
	clock  clock.Clock
	sink   observe.Sink
	logger *zap.Logger
}

// SetConfig holds Set dependencies.
type SetConfig struct {
	Breaker Config
	Clock   clock.Clock
	Sink    observe.Sink
	Logger  *zap.Logger
}

// NewSet creates an empty breaker set.
func NewSet(cfg SetConfig) *Set {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Sink == nil {
		cfg.Sink = observe.NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Breaker.VolumeThreshold <= 0 {
		cfg.Breaker = DefaultConfig()
	}
	return &Set{
		breakers: make(map[string]*Breaker),
		cfg:      cfg.Breaker,
		clock:    cfg.Clock,
		sink:     cfg.Sink,
		logger:   cfg.Logger,
	}
}

// Get returns the breaker for service, creating it if needed.
func (s *Set) Get(service string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[service]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[service]; ok {
		return b
	}
	b = newBreaker(service, s.cfg, s.clock, s.sink)
	s.breakers[service] = b
	s.logger.Debug("breaker created", zap.String("service", service))
	return b
}

// Admit decides admission for one request to service.
func (s *Set) Admit(service string) (Decision, time.Duration) {
	return s.Get(service).Admit()
}

// Record observes a request outcome for service.
func (s *Set) Record(service string, out Outcome) {
	s.Get(service).Record(out)
}

// Stats returns statistics for one service.
func (s *Set) Stats(service string) Stats {
	return s.Get(service).Stats()
}

// Snapshot returns statistics for every known breaker, keyed by service.
func (s *Set) Snapshot() map[string]Stats {
	s.mu.RLock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	s.mu.RUnlock()

	out := make(map[string]Stats, len(names))
	for _, name := range names {
		out[name] = s.Stats(name)
	}
	return out
}
