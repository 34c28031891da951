package registry

import (
	"container/heap"
	"time"

	"github.com/conreg/conreg/pkg/types"
)

// expiryItem is one entry in the expiry priority queue, ordered by
// last_heartbeat (oldest first) so the sweeper can cheaply find the next
// instance due for an unhealthy/remove transition. Entries are not removed
// on heartbeat update; a stale entry (lastHeartbeat older than the live
// instance's current value) is detected and discarded lazily when popped.
type expiryItem struct {
	namespaceID   string
	serviceID     string
	key           types.InstanceKey
	lastHeartbeat time.Time
	index         int
}

// expiryHeap implements container/heap.Interface over expiryItem, ordered
// by ascending last_heartbeat (oldest heartbeat = highest priority for the
// sweeper to inspect first).
type expiryHeap struct {
	items []*expiryItem
}

func newExpiryHeap() *expiryHeap {
	h := &expiryHeap{}
	heap.Init(h)
	return h
}

func (h *expiryHeap) Len() int { return len(h.items) }

func (h *expiryHeap) Less(i, j int) bool {
	return h.items[i].lastHeartbeat.Before(h.items[j].lastHeartbeat)
}

func (h *expiryHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *expiryHeap) Push(x any) {
	item := x.(*expiryItem)
	item.index = len(h.items)
	h.items = append(h.items, item)
}

func (h *expiryHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

// Peek returns the item with the oldest heartbeat without removing it.
func (h *expiryHeap) Peek() *expiryItem {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}
