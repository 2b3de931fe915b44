// Package breaker implements a per-executor circuit breaker. It holds
// no saga state; it only tracks the health of one external dependency.
package breaker

import (
	"sync"
	"time"
)

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
	}
	return "unknown"
}

type Config struct {
	// Window is the sliding window over which the failure rate is
	// computed.
	Window time.Duration
	// FailureThreshold is the failure rate (0..1] that opens the
	// breaker once MinSamples calls are in the window.
	FailureThreshold float64
	// MinSamples guards against opening on a tiny sample.
	MinSamples int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// ProbeBudget is how many half-open probe calls may be in flight.
	ProbeBudget int
}

var DefaultConfig = Config{
	Window:           30 * time.Second,
	FailureThreshold: 0.5,
	MinSamples:       5,
	Cooldown:         15 * time.Second,
	ProbeBudget:      1,
}

type sample struct {
	at time.Time
	ok bool
}

type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	samples  []sample
	openedAt time.Time
	probes   int

	now func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig.Window
	}
	if cfg.FailureThreshold <= 0 || cfg.FailureThreshold > 1 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultConfig.MinSamples
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig.Cooldown
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = DefaultConfig.ProbeBudget
	}
	return &Breaker{
		cfg: cfg,
		now: time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state calls
// fail fast; after the cooldown the breaker moves to half-open and
// admits up to ProbeBudget probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probes = 0
		fallthrough
	case StateHalfOpen:
		if b.probes >= b.cfg.ProbeBudget {
			return false
		}
		b.probes++
		return true
	}
	return false
}

// RecordSuccess feeds a successful call back into the breaker. A
// half-open probe success closes it.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.samples = b.samples[:0]
		return
	}
	b.record(true)
}

// RecordFailure feeds a failed call back. A half-open probe failure
// reopens immediately; in the closed state the sliding-window failure
// rate decides.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.open()
		return
	}

	b.record(false)
	total, failed := b.tally()
	if total >= b.cfg.MinSamples && float64(failed)/float64(total) >= b.cfg.FailureThreshold {
		b.open()
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.samples = b.samples[:0]
}

func (b *Breaker) record(ok bool) {
	now := b.now()
	b.samples = append(b.samples, sample{at: now, ok: ok})
	b.trim(now)
}

func (b *Breaker) trim(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for ; i < len(b.samples); i++ {
		if b.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
}

func (b *Breaker) tally() (total, failed int) {
	for _, s := range b.samples {
		total++
		if !s.ok {
			failed++
		}
	}
	return
}

// Registry hands out one breaker per executor name.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(r.cfg)
		r.breakers[name] = b
	}
	return b
}

// States snapshots every breaker's state, keyed by executor name.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
