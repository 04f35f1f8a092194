package health

import (
	"context"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relialabs/doctext/internal/breaker"
	"github.com/relialabs/doctext/internal/broker"
	"github.com/relialabs/doctext/internal/observability"
)

type fakeBroker struct{ st broker.Status }

func (f *fakeBroker) Status() broker.Status { return f.st }

type fakeBreakers struct{ snaps []breaker.Snapshot }

func (f *fakeBreakers) Snapshots() []breaker.Snapshot { return f.snaps }

type fakeWorkers struct {
	workers int
	active  []string
}

func (f *fakeWorkers) Workers() int     { return f.workers }
func (f *fakeWorkers) Active() []string { return f.active }

func newTestAggregator(brk broker.Status, snaps []breaker.Snapshot, usedPercent float64) *Aggregator {
	a := NewAggregator(
		DefaultConfig("/tmp"),
		&fakeBroker{st: brk},
		&fakeBreakers{snaps: snaps},
		&fakeWorkers{workers: 4, active: []string{"t1"}},
		observability.NopLogger(),
	)
	a.diskUsage = func(path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: path, UsedPercent: usedPercent}, nil
	}
	return a
}

func TestCheck_AllHealthy(t *testing.T) {
	a := newTestAggregator(
		broker.Status{Connected: true},
		[]breaker.Snapshot{{Name: "pdf", State: breaker.StateClosed}},
		40,
	)

	snap := a.Check(context.Background())

	assert.Equal(t, StatusHealthy, snap.Status)
	assert.Equal(t, StatusHealthy, snap.Components["broker"].Status)
	assert.Equal(t, StatusHealthy, snap.Components["breaker:pdf"].Status)
	assert.Equal(t, StatusHealthy, snap.Components["disk"].Status)
	assert.Equal(t, "1/4 busy", snap.Components["workers"].Detail)
}

func TestCheck_BrokerDownIsUnhealthy(t *testing.T) {
	a := newTestAggregator(
		broker.Status{Connected: false, LastError: "connection refused"},
		nil,
		40,
	)

	snap := a.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, snap.Status)
	assert.Contains(t, snap.Components["broker"].Detail, "connection refused")
}

func TestCheck_OpenBreakerDegrades(t *testing.T) {
	a := newTestAggregator(
		broker.Status{Connected: true},
		[]breaker.Snapshot{
			{Name: "pdf", State: breaker.StateClosed},
			{Name: "ocr", State: breaker.StateOpen, OpenedAt: time.Now()},
		},
		40,
	)

	snap := a.Check(context.Background())

	assert.Equal(t, StatusDegraded, snap.Status)
	assert.Equal(t, StatusDegraded, snap.Components["breaker:ocr"].Status)
	assert.Equal(t, StatusHealthy, snap.Components["breaker:pdf"].Status)
}

func TestCheck_DiskThresholds(t *testing.T) {
	tests := []struct {
		name        string
		usedPercent float64
		wantOverall Status
		wantDisk    Status
	}{
		{"below warn", 50, StatusHealthy, StatusHealthy},
		{"over warn", 85, StatusDegraded, StatusDegraded},
		{"over critical", 95, StatusUnhealthy, StatusUnhealthy},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAggregator(broker.Status{Connected: true}, nil, tc.usedPercent)

			snap := a.Check(context.Background())

			assert.Equal(t, tc.wantOverall, snap.Status)
			assert.Equal(t, tc.wantDisk, snap.Components["disk"].Status)
		})
	}
}

func TestCheck_BrokerDownBeatsDegradedDisk(t *testing.T) {
	a := newTestAggregator(broker.Status{Connected: false, LastError: "down"}, nil, 85)

	snap := a.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, snap.Status)
}

func TestLast_ReturnsCachedSnapshot(t *testing.T) {
	a := newTestAggregator(broker.Status{Connected: true}, nil, 40)

	first := a.Check(context.Background())
	cached := a.Last(context.Background())

	require.Same(t, first, cached)
}
