// Package breaker guards calls to external dependencies (messaging API, spam
// database, LLM, KV store) with per-dependency circuit breakers. A breaker
// trips after a run of consecutive failures and probes recovery with a single
// trial request after a cooldown.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/saqshy/saqshy/internal/pkg/logger"
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
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow and Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

const (
	// DefaultFailureThreshold is the run of consecutive failures that trips
	// a closed breaker.
	DefaultFailureThreshold = 5

	// DefaultCooldown is how long an open breaker rejects calls before
	// allowing one probe.
	DefaultCooldown = 30 * time.Second
)

// Config tunes one breaker. Zero values fall back to the defaults above.
type Config struct {
	Name             string
	FailureThreshold int
	Cooldown         time.Duration

	// OnStateChange runs with the breaker lock held; keep callbacks cheap
	// and never call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// Breaker is a three-state circuit breaker. Closed passes everything through
// and counts consecutive failures; open rejects everything until the cooldown
// elapses; half-open admits exactly one probe whose outcome decides between
// closed and another open cycle.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Name returns the breaker's dependency name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State reports the current state, promoting open to half-open when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Allow reports whether a call may proceed right now. In half-open it
// reserves the single probe slot; the caller must report the outcome via
// Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrOpen
		}
		b.probeInFlight = true
		return nil
	default:
		return ErrOpen
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateHalfOpen:
		b.probeInFlight = false
		b.setState(StateClosed)
	case StateClosed:
		b.failures = 0
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateHalfOpen:
		b.probeInFlight = false
		b.openedAt = b.now()
		b.setState(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.setState(StateOpen)
		}
	}
}

// Do wraps fn with the breaker. A rejected call returns ErrOpen without
// invoking fn. Context cancellation inside fn counts as a failure like any
// other error, since a hung dependency is exactly what the breaker exists
// to contain.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// currentState must be called with the lock held.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	if next == StateClosed {
		b.failures = 0
	}
	logger.Warn("circuit breaker state change",
		"breaker", b.cfg.Name, "from", prev.String(), "to", next.String())
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, next)
	}
}

// Registry holds the process-wide set of breakers, one per external
// dependency.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating one with default config on
// first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = New(Config{Name: name})
	r.breakers[name] = b
	return b
}

// Register installs a breaker with explicit config, replacing any default
// one created earlier under the same name.
func (r *Registry) Register(cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := New(cfg)
	r.breakers[cfg.Name] = b
	return b
}

// OpenBreakers returns the names of breakers currently not closed. A
// non-empty result marks decisions made meanwhile as degraded.
func (r *Registry) OpenBreakers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open []string
	for name, b := range r.breakers {
		if b.State() != StateClosed {
			open = append(open, name)
		}
	}
	return open
}

// States returns a state snapshot keyed by breaker name, for health
// reporting.
func (r *Registry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State().String()
	}
	return out
}
