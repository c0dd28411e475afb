package steps

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/enzymeflow/types"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := newFakeClock()
	b := NewBreaker("test", threshold, cooldown, nil, nil)
	b.now = clock.now
	return b, clock
}

var errUpstream = errors.New("upstream down")

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Record(errUpstream)
		assert.Equal(t, BreakerClosed, b.State())
	}
	require.NoError(t, b.Allow())
	b.Record(errUpstream)
	assert.Equal(t, BreakerOpen, b.State())

	err := b.Allow()
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrUpstreamError))
	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "open", e.Details["breaker"])
	assert.False(t, e.Retryable)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	b.Record(errUpstream)
	b.Record(nil)
	b.Record(errUpstream)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)
	b.Record(errUpstream)
	require.Equal(t, BreakerOpen, b.State())

	clock.advance(10 * time.Second)
	require.Error(t, b.Allow())

	clock.advance(25 * time.Second)
	require.NoError(t, b.Allow(), "cooldown elapsed, trial allowed")
	assert.Equal(t, BreakerHalfOpen, b.State())
	require.Error(t, b.Allow(), "only one trial at a time")

	b.Record(errUpstream)
	assert.Equal(t, BreakerOpen, b.State(), "failed trial reopens")

	clock.advance(31 * time.Second)
	require.NoError(t, b.Allow())
	b.Record(nil)
	assert.Equal(t, BreakerClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestBreaker_ZeroThresholdNeverOpens(t *testing.T) {
	b, _ := newTestBreaker(0, time.Minute)
	for i := 0; i < 50; i++ {
		require.NoError(t, b.Allow())
		b.Record(errUpstream)
	}
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half_open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
}
