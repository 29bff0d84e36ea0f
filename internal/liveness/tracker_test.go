package liveness

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTouchAndIsOnline(t *testing.T) {
	clock := newFakeClock()
	tr := NewTrackerWithClock(clock.Now)

	assert.False(t, tr.IsOnline("bot1", DefaultPollTimeout))

	tr.Touch("bot1")
	assert.True(t, tr.IsOnline("bot1", DefaultPollTimeout))

	clock.Advance(DefaultPollTimeout)
	assert.True(t, tr.IsOnline("bot1", DefaultPollTimeout), "exactly at the boundary is still online")

	clock.Advance(time.Millisecond)
	assert.False(t, tr.IsOnline("bot1", DefaultPollTimeout))
}

func TestIsOnlineDoesNotMutate(t *testing.T) {
	clock := newFakeClock()
	tr := NewTrackerWithClock(clock.Now)

	tr.Touch("bot1")
	clock.Advance(time.Minute)

	assert.False(t, tr.IsOnline("bot1", DefaultPollTimeout))
	assert.Equal(t, 1, tr.Len())

	_, ok := tr.LastSeen("bot1")
	assert.True(t, ok)
}

func TestTouchesWithinTimeoutKeepAgentOnline(t *testing.T) {
	clock := newFakeClock()
	tr := NewTrackerWithClock(clock.Now)

	for i := 0; i < 20; i++ {
		tr.Touch("bot1")
		clock.Advance(DefaultPollTimeout - time.Second)
		assert.Contains(t, tr.ListOnline(DefaultPollTimeout), "bot1")
		assert.Empty(t, tr.SweepExpired(DefaultPollTimeout))
	}
}

func TestSilenceExpiresAgent(t *testing.T) {
	clock := newFakeClock()
	tr := NewTrackerWithClock(clock.Now)

	tr.Touch("bot1")
	tr.Touch("bot2")
	clock.Advance(20 * time.Second)
	tr.Touch("bot2")
	clock.Advance(15 * time.Second)

	assert.Equal(t, []string{"bot2"}, tr.ListOnline(DefaultPollTimeout))

	expired := tr.SweepExpired(DefaultPollTimeout)
	assert.Equal(t, []string{"bot1"}, expired)

	_, ok := tr.LastSeen("bot1")
	assert.False(t, ok)
	assert.Equal(t, 1, tr.Len())
}

func TestForget(t *testing.T) {
	tr := NewTracker()
	tr.Touch("bot1")
	tr.Forget("bot1")

	assert.False(t, tr.IsOnline("bot1", time.Hour))
	assert.Equal(t, 0, tr.Len())
}

func TestConcurrentTouch(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%d", n%10)
			tr.Touch(id)
			_ = tr.IsOnline(id, time.Minute)
			_ = tr.ListOnline(time.Minute)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 10, tr.Len())
	assert.Len(t, tr.SweepExpired(time.Hour), 0)
}
