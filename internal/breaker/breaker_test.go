package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func createTestBreaker(t *testing.T) (*Breaker, *fakeClock) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(DefaultConfig(), logger)
	b.now = clock.Now
	return b, clock
}

func TestBreaker_FullCycle(t *testing.T) {
	b, clock := createTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordResult("a", false)
		assert.Equal(t, StateClosed, b.State("a"))
	}
	b.RecordResult("a", false)
	require.Equal(t, StateOpen, b.State("a"))

	snap := b.Snapshot("a")
	require.NotNil(t, snap.NextAttempt)
	assert.Equal(t, clock.Now().Add(60*time.Second), *snap.NextAttempt)

	assert.False(t, b.AllowRequest("a"))
	assert.True(t, b.IsOpen("a"))

	clock.Advance(59 * time.Second)
	assert.False(t, b.AllowRequest("a"))

	clock.Advance(time.Second)
	assert.False(t, b.IsOpen("a"), "cooldown elapsed")
	assert.True(t, b.AllowRequest("a"))
	assert.Equal(t, StateHalfOpen, b.State("a"))
	assert.Equal(t, 0, b.Snapshot("a").SuccessCount)

	b.RecordResult("a", true)
	b.RecordResult("a", true)
	assert.Equal(t, StateHalfOpen, b.State("a"))
	b.RecordResult("a", true)
	assert.Equal(t, StateClosed, b.State("a"))
	assert.Equal(t, 0, b.Snapshot("a").Failures)
}

func TestBreaker_HalfOpenFailureDoublesCooldown(t *testing.T) {
	b, clock := createTestBreaker(t)

	for i := 0; i < 5; i++ {
		b.RecordResult("a", false)
	}
	clock.Advance(60 * time.Second)
	require.True(t, b.AllowRequest("a"))

	b.RecordResult("a", true)
	b.RecordResult("a", false)

	snap := b.Snapshot("a")
	assert.Equal(t, StateOpen, snap.State)
	require.NotNil(t, snap.NextAttempt)
	assert.Equal(t, clock.Now().Add(120*time.Second), *snap.NextAttempt)

	clock.Advance(119 * time.Second)
	assert.False(t, b.AllowRequest("a"))
	clock.Advance(time.Second)
	assert.True(t, b.AllowRequest("a"))
}

func TestBreaker_ClosedSuccessDecaysFailures(t *testing.T) {
	b, _ := createTestBreaker(t)

	b.RecordResult("a", false)
	b.RecordResult("a", false)
	b.RecordResult("a", true)
	assert.Equal(t, 1, b.Snapshot("a").Failures)

	b.RecordResult("a", true)
	b.RecordResult("a", true)
	assert.Equal(t, 0, b.Snapshot("a").Failures)
	assert.Equal(t, StateClosed, b.State("a"))
}

func TestBreaker_CircuitsAreIndependent(t *testing.T) {
	b, _ := createTestBreaker(t)

	for i := 0; i < 5; i++ {
		b.RecordResult("a", false)
	}
	assert.False(t, b.AllowRequest("a"))
	assert.True(t, b.AllowRequest("b"))
}

func TestBreaker_TransitionHook(t *testing.T) {
	b, clock := createTestBreaker(t)

	var transitions []string
	b.OnTransition(func(provider string, from, to State) {
		transitions = append(transitions, provider+":"+string(from)+"->"+string(to))
	})

	for i := 0; i < 5; i++ {
		b.RecordResult("a", false)
	}
	clock.Advance(time.Minute)
	b.AllowRequest("a")
	for i := 0; i < 3; i++ {
		b.RecordResult("a", true)
	}

	assert.Equal(t, []string{
		"a:closed->open",
		"a:open->half-open",
		"a:half-open->closed",
	}, transitions)
}

func TestBreaker_ConcurrentFailures(t *testing.T) {
	b, _ := createTestBreaker(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordResult("a", false)
		}()
	}
	wg.Wait()

	snap := b.Snapshot("a")
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 100, snap.Failures)
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := createTestBreaker(t)

	for i := 0; i < 5; i++ {
		b.RecordResult("a", false)
	}
	b.Reset("a")

	assert.Equal(t, StateClosed, b.State("a"))
	assert.True(t, b.AllowRequest("a"))
	assert.Len(t, b.Snapshots(), 1)
}
