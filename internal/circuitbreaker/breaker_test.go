package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newBreaker(threshold int) (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute).WithClock(c.now), c
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newBreaker(3)
	const ep = "hooks.example.com"

	assert.True(t, b.Allow(ep))
	b.Failure(ep)
	b.Failure(ep)
	assert.True(t, b.Allow(ep))
	assert.Equal(t, Closed, b.State(ep))

	b.Failure(ep)
	assert.Equal(t, Open, b.State(ep))
	assert.False(t, b.Allow(ep))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newBreaker(2)
	const ep = "hooks.example.com"

	b.Failure(ep)
	b.Success(ep)
	b.Failure(ep)
	assert.Equal(t, Closed, b.State(ep))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newBreaker(1)
	const ep = "hooks.example.com"

	b.Failure(ep)
	assert.False(t, b.Allow(ep))

	clk.advance(time.Minute)
	assert.True(t, b.Allow(ep), "one probe after cool-down")
	assert.Equal(t, HalfOpen, b.State(ep))
	assert.False(t, b.Allow(ep), "only one probe at a time")

	b.Failure(ep)
	assert.Equal(t, Open, b.State(ep))
	assert.False(t, b.Allow(ep))

	clk.advance(time.Minute)
	require.True(t, b.Allow(ep))
	b.Success(ep)
	assert.Equal(t, Closed, b.State(ep))
	assert.True(t, b.Allow(ep))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newBreaker(1)
	b.Failure("a.example.com")
	assert.False(t, b.Allow("a.example.com"))
	assert.True(t, b.Allow("b.example.com"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newBreaker(1)
	const ep = "hooks.example.com"
	boom := errors.New("boom")

	require.NoError(t, b.Do(ep, func() error { return nil }))
	assert.ErrorIs(t, b.Do(ep, func() error { return boom }), boom)

	called := false
	err := b.Do(ep, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_Concurrent(t *testing.T) {
	b, _ := newBreaker(1000)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				b.Allow("x")
				b.Failure("x")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, Open, b.State("x"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half_open", HalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
