package resilience

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/tessera/internal/models"
)

func TestGuard_DoPassesThroughSuccess(t *testing.T) {
	g := New("test", 100, 3, time.Minute)
	calls := 0
	err := g.Do(context.Background(), "step", func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestGuard_DoPassesThroughUnderlyingError(t *testing.T) {
	g := New("test", 100, 3, time.Minute)
	want := fmt.Errorf("boom")
	err := g.Do(context.Background(), "step", func() error { return want })
	assert.ErrorIs(t, err, want)
}

func TestGuard_DoTripsBreakerAsRetryableAfterConsecutiveFailures(t *testing.T) {
	g := New("test", 100, 2, time.Minute)
	failing := func() error { return fmt.Errorf("upstream down") }

	require.Error(t, g.Do(context.Background(), "step", failing))
	require.Error(t, g.Do(context.Background(), "step", failing))

	// breaker should now be open; the next call fails fast with a
	// Retryable-kind error regardless of what fn would have returned.
	called := false
	err := g.Do(context.Background(), "step", func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called, "breaker should short-circuit without invoking fn")

	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.KindRetryable, kind)
}

func TestGuard_DoRespectsCancelledContextOnLimiterWait(t *testing.T) {
	g := New("test", 1, 3, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Do(ctx, "step", func() error { return nil })
	require.Error(t, err)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.KindRetryable, kind)
}
