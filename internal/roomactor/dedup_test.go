package roomactor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupSeenFirstSightingIsTrue(t *testing.T) {
	d := newDedup(4)
	assert.True(t, d.Seen("ABCDEF,user-1,lobby,100"))
}

func TestDedupSeenDuplicateIsFalse(t *testing.T) {
	d := newDedup(4)
	key := "ABCDEF,user-1,lobby,100"
	first := d.Seen(key)
	assert.True(t, first)
	assert.False(t, d.Seen(key))
}

func TestDedupEvictsOldestPastCapacity(t *testing.T) {
	d := newDedup(2)
	d.Seen("a")
	d.Seen("b")
	d.Seen("c") // evicts "a"

	assert.False(t, d.Seen("b"))
	assert.True(t, d.Seen("a"), "a should have been evicted and treated as new again")
}

func TestDedupMoveToFrontKeepsRecentlySeenAlive(t *testing.T) {
	d := newDedup(2)
	d.Seen("a")
	d.Seen("b")
	d.Seen("a") // touches "a", making "b" the oldest
	d.Seen("c") // should evict "b", not "a"

	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("b"))
}

func TestDedupHandlesManyDistinctKeys(t *testing.T) {
	d := newDedup(100)
	for i := 0; i < 100; i++ {
		assert.True(t, d.Seen(fmt.Sprintf("key-%d", i)))
	}
	for i := 0; i < 100; i++ {
		assert.False(t, d.Seen(fmt.Sprintf("key-%d", i)))
	}
}
