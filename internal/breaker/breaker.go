// Package breaker provides a circuit breaker for calls into flaky parsing
// libraries and external tools. A breaker is owned per extractor class and
// shared across requests.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relialabs/doctext/internal/observability"
)

// ErrOpen indicates the breaker rejected the call without executing it.
// Callers should back off rather than retry through another strategy.
var ErrOpen = errors.New("circuit breaker open")

// State represents the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures that open the breaker
	RecoveryTimeout  time.Duration // time OPEN before allowing a trial call
	SuccessThreshold int           // consecutive half-open successes that close it
}

// DefaultConfig returns the parameters used for external parser calls.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  120 * time.Second,
		SuccessThreshold: 2,
	}
}

// Snapshot is a point-in-time view of breaker state for health reporting.
type Snapshot struct {
	Name              string
	State             State
	FailureCount      int
	HalfOpenSuccesses int
	OpenedAt          time.Time
}

// Breaker guards a single flaky dependency.
type Breaker struct {
	name   string
	config Config
	logger *observability.Logger
	now    func() time.Time

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// New creates a breaker in the CLOSED state.
func New(name string, cfg Config, logger *observability.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}

	return &Breaker{
		name:   name,
		config: cfg,
		logger: logger.WithComponent("breaker"),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Call executes op under breaker protection. When the breaker is OPEN and
// the recovery timeout has not elapsed, op is not invoked and ErrOpen is
// returned.
func (b *Breaker) Call(op func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	if err := op(); err != nil {
		b.recordFailure()
		return err
	}

	b.recordSuccess()
	return nil
}

// allow checks whether a call may proceed, transitioning OPEN to HALF_OPEN
// once the recovery timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		since := b.now().Sub(b.lastFailureTime)
		if since >= b.config.RecoveryTimeout {
			b.state = StateHalfOpen
			b.successCount = 0
			b.logger.Info().Str("name", b.name).Msg("Breaker moving to half-open")
			return nil
		}
		return fmt.Errorf("%w: %q rejecting calls, last failure %s ago", ErrOpen, b.name, since.Round(time.Millisecond))
	}

	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.logger.Info().Str("name", b.name).Msg("Breaker closed after recovery")
		}
	case StateClosed:
		// A success pays down one accumulated failure.
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.logger.Warn().Str("name", b.name).Msg("Breaker reopened after half-open failure")
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = StateOpen
			b.logger.Error().
				Str("name", b.name).
				Int("failures", b.failureCount).
				Msg("Breaker opened")
		}
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current breaker statistics.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Name:              b.name,
		State:             b.state,
		FailureCount:      b.failureCount,
		HalfOpenSuccesses: b.successCount,
		OpenedAt:          b.lastFailureTime,
	}
}

// Registry owns the process-wide set of breakers, one per extractor class.
type Registry struct {
	config Config
	logger *observability.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(cfg Config, logger *observability.Logger) *Registry {
	return &Registry{
		config:   cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the given class, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.config, r.logger)
		r.breakers[name] = b
	}
	return b
}

// Snapshots returns the state of every registered breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	return snaps
}
