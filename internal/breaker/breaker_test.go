package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/relialabs/doctext/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New("test", Config{
		FailureThreshold: 3,
		RecoveryTimeout:  120 * time.Second,
		SuccessThreshold: 2,
	}, observability.NopLogger())
	b.now = func() time.Time { return now }

	return b, &now
}

func fail(b *Breaker) error {
	return b.Call(func() error { return errBoom })
}

func succeed(b *Breaker) error {
	return b.Call(func() error { return nil })
}

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, fail(b), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	// The next call is rejected without invoking the wrapped operation.
	invoked := false
	err := b.Call(func() error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked)
}

func TestBreaker_SuccessDecaysFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t)

	require.Error(t, fail(b))
	require.Error(t, fail(b))
	require.NoError(t, succeed(b))
	require.Error(t, fail(b))

	// Two net failures, threshold is three.
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Snapshot().FailureCount)
}

func TestBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		require.Error(t, fail(b))
	}
	require.Equal(t, StateOpen, b.State())

	// Just before the recovery timeout calls stay rejected.
	*now = now.Add(119 * time.Second)
	assert.ErrorIs(t, succeed(b), ErrOpen)

	// At the timeout, a trial call is allowed.
	*now = now.Add(time.Second)
	assert.NoError(t, succeed(b))
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		require.Error(t, fail(b))
	}
	*now = now.Add(121 * time.Second)

	require.NoError(t, succeed(b))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, succeed(b))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Snapshot().FailureCount)
}

func TestBreaker_HalfOpenFailureReopensImmediately(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		require.Error(t, fail(b))
	}
	*now = now.Add(121 * time.Second)

	require.NoError(t, succeed(b))
	require.Equal(t, StateHalfOpen, b.State())

	// One strike, no partial credit.
	require.Error(t, fail(b))
	assert.Equal(t, StateOpen, b.State())

	assert.ErrorIs(t, succeed(b), ErrOpen)
}

func TestRegistry_SharesBreakerPerClass(t *testing.T) {
	reg := NewRegistry(DefaultConfig(), observability.NopLogger())

	a := reg.Get("pdf")
	b := reg.Get("pdf")
	c := reg.Get("office")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	snaps := reg.Snapshots()
	assert.Len(t, snaps, 2)
}
