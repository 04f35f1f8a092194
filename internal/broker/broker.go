// Package broker manages the Redis connection shared by the task queue
// and the result store. It owns connection health: an initial connect
// with bounded exponential backoff, a periodic ping loop, and a
// background reconnect loop that keeps retrying while the rest of the
// service degrades instead of crashing.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/relialabs/doctext/internal/observability"
)

// ErrConnectionUnavailable indicates the broker is currently unreachable.
// Operations that need the broker fail fast with this error while the
// background reconnect loop works on restoring the connection.
var ErrConnectionUnavailable = errors.New("broker connection unavailable")

// Config holds connection and retry settings.
type Config struct {
	Addr                string
	Password            string
	DB                  int
	PoolSize            int
	DialTimeout         time.Duration
	ReadTimeout         time.Duration
	MaxRetries          int
	InitialRetryDelay   time.Duration
	MaxRetryDelay       time.Duration
	BackoffMultiplier   float64
	HealthCheckInterval time.Duration
}

// DefaultConfig returns the stock connection settings.
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		PoolSize:            10,
		DialTimeout:         5 * time.Second,
		ReadTimeout:         5 * time.Second,
		MaxRetries:          5,
		InitialRetryDelay:   time.Second,
		MaxRetryDelay:       60 * time.Second,
		BackoffMultiplier:   2.0,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Status is a point-in-time view of the connection for health reporting.
type Status struct {
	Connected  bool      `json:"connected"`
	LastError  string    `json:"last_error,omitempty"`
	LastCheck  time.Time `json:"last_check"`
	Reconnects int       `json:"reconnects"`
}

// Manager supervises one Redis connection.
type Manager struct {
	cfg    Config
	client *redis.Client
	logger *observability.Logger
	ping   func(ctx context.Context) error

	mu           sync.RWMutex
	connected    bool
	lastErr      error
	lastCheck    time.Time
	reconnects   int
	reconnecting bool

	// runCtx outlives any single request: reconnect loops run on it so a
	// cancelled caller cannot kill the retry mid-backoff.
	runCtx    context.Context
	runCancel context.CancelFunc

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewManager builds a manager around a fresh go-redis client. No network
// traffic happens until Connect.
func NewManager(cfg Config, logger *observability.Logger) *Manager {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
		// Per-command retries stay off: retry policy lives here, not in
		// the driver.
		MaxRetries: -1,
	})

	m := newManager(cfg, logger, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	m.client = client
	return m
}

func newManager(cfg Config, logger *observability.Logger, ping func(ctx context.Context) error) *Manager {
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		logger:    logger.WithComponent("broker"),
		ping:      ping,
		runCtx:    runCtx,
		runCancel: runCancel,
		stopped:   make(chan struct{}),
	}
}

// Connect establishes the initial connection, retrying with exponential
// backoff up to cfg.MaxRetries attempts. It returns
// ErrConnectionUnavailable once the attempts are exhausted.
func (m *Manager) Connect(ctx context.Context) error {
	attempt := 0
	op := func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		defer cancel()
		return m.ping(pingCtx)
	}
	notify := func(err error, next time.Duration) {
		m.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("next_retry", next).
			Msg("broker connect failed")
	}

	bo := backoff.WithMaxRetries(m.newBackoff(ctx), uint64(m.cfg.MaxRetries-1))
	err := backoff.RetryNotify(op, bo, notify)
	m.recordCheck(err)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionUnavailable, err)
	}

	m.logger.Info().Str("addr", m.cfg.Addr).Msg("broker connected")
	return nil
}

// Start launches the periodic health check loop. Stop terminates it.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopped:
				return
			case <-ticker.C:
				m.healthCheck(ctx)
			}
		}
	}()
}

func (m *Manager) healthCheck(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	err := m.ping(pingCtx)
	cancel()

	wasConnected := m.Healthy()
	m.recordCheck(err)
	if err == nil {
		return
	}

	if wasConnected {
		m.logger.Error().Err(err).Msg("broker connection lost")
	}
	m.startReconnect()
}

// startReconnect launches a background retry loop unless one is already
// running. The loop runs on the manager's own context and retries with
// capped backoff until the connection comes back or the manager stops.
func (m *Manager) startReconnect() {
	m.mu.Lock()
	if m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			m.reconnecting = false
			m.mu.Unlock()
		}()

		op := func() error {
			select {
			case <-m.stopped:
				return backoff.Permanent(errors.New("manager stopped"))
			default:
			}
			pingCtx, cancel := context.WithTimeout(m.runCtx, m.cfg.DialTimeout)
			defer cancel()
			return m.ping(pingCtx)
		}
		notify := func(err error, next time.Duration) {
			m.logger.Warn().Err(err).Dur("next_retry", next).Msg("broker reconnect failed")
		}

		// Unbounded attempts; only Stop ends the loop.
		if err := backoff.RetryNotify(op, m.newBackoff(m.runCtx), notify); err != nil {
			return
		}

		m.mu.Lock()
		m.connected = true
		m.lastErr = nil
		m.reconnects++
		n := m.reconnects
		m.mu.Unlock()
		m.logger.Info().Int("reconnects", n).Msg("broker reconnected")
	}()
}

func (m *Manager) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialRetryDelay
	b.Multiplier = m.cfg.BackoffMultiplier
	b.MaxInterval = m.cfg.MaxRetryDelay
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	return backoff.WithContext(b, ctx)
}

func (m *Manager) recordCheck(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCheck = time.Now()
	m.lastErr = err
	m.connected = err == nil
}

// Client returns the underlying redis client, or ErrConnectionUnavailable
// while the broker is down.
func (m *Manager) Client() (*redis.Client, error) {
	if !m.Healthy() {
		return nil, ErrConnectionUnavailable
	}
	return m.client, nil
}

// Healthy reports whether the last check succeeded.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Status returns the connection state for the health aggregator.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Status{
		Connected:  m.connected,
		LastCheck:  m.lastCheck,
		Reconnects: m.reconnects,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// MarkFailure records a broker error observed by a caller mid-operation
// and kicks off reconnection without waiting for the next health tick.
// The reconnect loop runs on the manager's own context, detached from
// the failed request's.
func (m *Manager) MarkFailure(err error) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}
	m.recordCheck(err)
	m.logger.Warn().Err(err).Msg("broker operation failed")
	m.startReconnect()
}

// Stop terminates background loops and closes the client.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		close(m.stopped)
		m.runCancel()
	})
	m.wg.Wait()
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}
