package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestSeen_SuppressesWithinWindow(t *testing.T) {
	clk := newClock()
	g := New(WithClock(clk.Now))

	assert.False(t, g.Seen("imp:x:A:123", 1500*time.Millisecond))
	clk.Advance(200 * time.Millisecond)
	assert.True(t, g.Seen("imp:x:A:123", 1500*time.Millisecond))

	clk.Advance(1400 * time.Millisecond)
	assert.False(t, g.Seen("imp:x:A:123", 1500*time.Millisecond))
}

func TestSeen_SuppressedCallDoesNotExtend(t *testing.T) {
	clk := newClock()
	g := New(WithClock(clk.Now))

	assert.False(t, g.Seen("sig", time.Second))
	clk.Advance(900 * time.Millisecond)
	assert.True(t, g.Seen("sig", time.Second))
	clk.Advance(100 * time.Millisecond)
	assert.False(t, g.Seen("sig", time.Second))
}

func TestSeen_DistinctSignatures(t *testing.T) {
	g := New(WithClock(newClock().Now))

	assert.False(t, g.Seen(Signature("ab_impression", "cta", "A", "1"), 0))
	assert.False(t, g.Seen(Signature("ab_impression", "cta", "B", "1"), 0))
	assert.False(t, g.Seen(Signature("ab_impression", "cta", "A", "2"), 0))
	assert.Equal(t, 3, g.Len())
}

func TestSeen_DefaultWindow(t *testing.T) {
	clk := newClock()
	g := New(WithClock(clk.Now), WithDefaultWindow(500*time.Millisecond))

	assert.False(t, g.Seen("sig", 0))
	clk.Advance(499 * time.Millisecond)
	assert.True(t, g.Seen("sig", 0))
	clk.Advance(time.Millisecond)
	assert.False(t, g.Seen("sig", 0))
}

func TestGuard_InstancesAreIndependent(t *testing.T) {
	clk := newClock()
	a := New(WithClock(clk.Now))
	b := New(WithClock(clk.Now))

	assert.False(t, a.Seen("sig", time.Second))
	assert.False(t, b.Seen("sig", time.Second))
}

func TestForget(t *testing.T) {
	g := New(WithClock(newClock().Now))

	g.Seen("sig", time.Minute)
	g.Forget("sig")
	assert.False(t, g.Seen("sig", time.Minute))
}

func TestSweep_RemovesExpired(t *testing.T) {
	clk := newClock()
	g := New(WithClock(clk.Now))

	g.Seen("short", 100*time.Millisecond)
	g.Seen("long", time.Minute)
	clk.Advance(time.Second)

	assert.Equal(t, 1, g.Sweep())
	assert.Equal(t, 1, g.Len())
	assert.True(t, g.Seen("long", time.Minute))
}

func TestSeen_ConcurrentSingleWinner(t *testing.T) {
	g := New()
	var proceeded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !g.Seen("race", time.Minute) {
				proceeded.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), proceeded.Load())
}

func TestRun_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	g := New(WithDefaultWindow(10 * time.Millisecond))
	g.Seen("sig", time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return g.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
