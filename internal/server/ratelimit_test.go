package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_PerClient(t *testing.T) {
	l := NewRateLimiter(1, 1)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))

	now = now.Add(time.Second)
	assert.True(t, l.Allow("10.0.0.1"))
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(0, 0)
	for range 100 {
		assert.True(t, l.Allow("x"))
	}
}

func TestRateLimiter_Prune(t *testing.T) {
	l := NewRateLimiter(5, 5)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(time.Minute)
	l.Allow("new")

	assert.Equal(t, 1, l.Prune(30*time.Second))
	assert.Equal(t, 1, l.Len())
}
