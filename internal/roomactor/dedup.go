package roomactor

import (
	"container/list"
	"sync"
)

// Dedup is an LRU-bounded set of idempotency keys for one room, used to
// absorb retried external status pushes keyed on
// (roomCode, userId, newLocation, metadata.timestamp) per spec.md §5.
type Dedup struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newDedup(capacity int) *Dedup {
	return &Dedup{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Seen records key if it hasn't been seen before and reports whether
// this call is the first sighting (true means "proceed", false means
// "duplicate, skip").
func (d *Dedup) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.index[key]; ok {
		d.order.MoveToFront(el)
		return false
	}

	el := d.order.PushFront(key)
	d.index[key] = el
	if d.order.Len() > d.capacity {
		oldest := d.order.Back()
		if oldest != nil {
			d.order.Remove(oldest)
			delete(d.index, oldest.Value.(string))
		}
	}
	return true
}
