package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowPermitsUpToBurstThenBlocks(t *testing.T) {
	l := NewLimiter(60)

	for i := 0; i < 60; i++ {
		assert.True(t, l.Allow("svc:status", 0), "request %d should be within the per-minute burst", i)
	}
	assert.False(t, l.Allow("svc:status", 0), "request beyond burst should be rejected")
}

func TestAllowUsesPerKeyOverride(t *testing.T) {
	l := NewLimiter(30)

	assert.True(t, l.Allow("svc:a", 1))
	assert.False(t, l.Allow("svc:a", 1))

	// A different key with a larger override has its own independent bucket.
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("svc:b", 10))
	}
}

func TestNewLimiterDefaultsToThirtyPerMinute(t *testing.T) {
	l := NewLimiter(0)
	assert.Equal(t, 30, l.defaultPerMin)
}

func TestAllowKeysAreIndependent(t *testing.T) {
	l := NewLimiter(1)

	assert.True(t, l.Allow("room-A:status", 0))
	// room-B must not be affected by room-A's exhausted bucket.
	assert.True(t, l.Allow("room-B:status", 0))
	assert.False(t, l.Allow("room-A:status", 0))
}
