// Package health aggregates component checks into one service status.
// The broker is load-bearing: without it the service cannot accept or
// answer async work, so broker loss is unhealthy. Open breakers and a
// filling temp disk degrade the service without taking it down.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/relialabs/doctext/internal/breaker"
	"github.com/relialabs/doctext/internal/broker"
	"github.com/relialabs/doctext/internal/observability"
)

// Status is the overall (or per-component) health level.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Component is one named check result.
type Component struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Snapshot is the aggregated view returned to callers.
type Snapshot struct {
	Status     Status               `json:"status"`
	Components map[string]Component `json:"components"`
	CheckedAt  time.Time            `json:"checked_at"`
}

// BrokerSource reports broker connection state.
type BrokerSource interface {
	Status() broker.Status
}

// BreakerSource reports circuit breaker states.
type BreakerSource interface {
	Snapshots() []breaker.Snapshot
}

// WorkerSource reports worker pool occupancy.
type WorkerSource interface {
	Workers() int
	Active() []string
}

// Config holds thresholds and the poll interval.
type Config struct {
	TempDir             string
	PollInterval        time.Duration
	DiskWarnPercent     float64
	DiskCriticalPercent float64
}

// DefaultConfig returns the stock health settings.
func DefaultConfig(tempDir string) Config {
	return Config{
		TempDir:             tempDir,
		PollInterval:        15 * time.Second,
		DiskWarnPercent:     80,
		DiskCriticalPercent: 90,
	}
}

// Aggregator polls the component sources and caches the latest snapshot.
type Aggregator struct {
	cfg      Config
	brokers  BrokerSource
	breakers BreakerSource
	workers  WorkerSource
	logger   *observability.Logger

	// diskUsage is swappable in tests.
	diskUsage func(path string) (*disk.UsageStat, error)

	mu   sync.RWMutex
	last *Snapshot
}

func NewAggregator(cfg Config, brokers BrokerSource, breakers BreakerSource, workers WorkerSource, logger *observability.Logger) *Aggregator {
	return &Aggregator{
		cfg:       cfg,
		brokers:   brokers,
		breakers:  breakers,
		workers:   workers,
		logger:    logger.WithComponent("health"),
		diskUsage: disk.Usage,
	}
}

// Check runs every component check and computes the overall status.
func (a *Aggregator) Check(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		Status:     StatusHealthy,
		Components: make(map[string]Component),
		CheckedAt:  time.Now(),
	}

	a.checkBroker(snap)
	a.checkBreakers(snap)
	a.checkDisk(snap)
	a.checkWorkers(snap)

	a.mu.Lock()
	a.last = snap
	a.mu.Unlock()
	return snap
}

// Last returns the most recent snapshot, computing one if none exists.
func (a *Aggregator) Last(ctx context.Context) *Snapshot {
	a.mu.RLock()
	last := a.last
	a.mu.RUnlock()
	if last == nil {
		return a.Check(ctx)
	}
	return last
}

// Start polls on the configured interval until ctx is cancelled.
func (a *Aggregator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(a.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := a.Check(ctx)
				if snap.Status != StatusHealthy {
					a.logger.Warn().Str("status", string(snap.Status)).Msg("service not fully healthy")
				}
			}
		}
	}()
}

func (a *Aggregator) checkBroker(snap *Snapshot) {
	if a.brokers == nil {
		return
	}
	st := a.brokers.Status()
	if st.Connected {
		snap.Components["broker"] = Component{Status: StatusHealthy}
		return
	}
	snap.Components["broker"] = Component{
		Status: StatusUnhealthy,
		Detail: fmt.Sprintf("disconnected: %s", st.LastError),
	}
	snap.degradeTo(StatusUnhealthy)
}

func (a *Aggregator) checkBreakers(snap *Snapshot) {
	if a.breakers == nil {
		return
	}
	open := 0
	for _, b := range a.breakers.Snapshots() {
		name := "breaker:" + b.Name
		switch b.State {
		case breaker.StateOpen:
			open++
			snap.Components[name] = Component{
				Status: StatusDegraded,
				Detail: fmt.Sprintf("open since %s", b.OpenedAt.Format(time.RFC3339)),
			}
		case breaker.StateHalfOpen:
			snap.Components[name] = Component{Status: StatusDegraded, Detail: "half-open trial"}
		default:
			snap.Components[name] = Component{Status: StatusHealthy}
		}
	}
	if open > 0 {
		snap.degradeTo(StatusDegraded)
	}
}

func (a *Aggregator) checkDisk(snap *Snapshot) {
	usage, err := a.diskUsage(a.cfg.TempDir)
	if err != nil {
		snap.Components["disk"] = Component{Status: StatusDegraded, Detail: fmt.Sprintf("usage check failed: %v", err)}
		snap.degradeTo(StatusDegraded)
		return
	}

	detail := fmt.Sprintf("%.1f%% used", usage.UsedPercent)
	switch {
	case usage.UsedPercent >= a.cfg.DiskCriticalPercent:
		snap.Components["disk"] = Component{Status: StatusUnhealthy, Detail: detail}
		snap.degradeTo(StatusUnhealthy)
	case usage.UsedPercent >= a.cfg.DiskWarnPercent:
		snap.Components["disk"] = Component{Status: StatusDegraded, Detail: detail}
		snap.degradeTo(StatusDegraded)
	default:
		snap.Components["disk"] = Component{Status: StatusHealthy, Detail: detail}
	}
}

func (a *Aggregator) checkWorkers(snap *Snapshot) {
	if a.workers == nil {
		return
	}
	active := len(a.workers.Active())
	total := a.workers.Workers()
	snap.Components["workers"] = Component{
		Status: StatusHealthy,
		Detail: fmt.Sprintf("%d/%d busy", active, total),
	}
}

// degradeTo lowers the overall status; it never raises it.
func (s *Snapshot) degradeTo(status Status) {
	if rank(status) > rank(s.Status) {
		s.Status = status
	}
}

func rank(s Status) int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}
