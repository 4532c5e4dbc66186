// Package queue provides the priority queues backing beam search.
package queue

// PriorityQueueItem represents an item in the priority queue.
// Value-based (no pointers) for cache locality and zero allocations.
type PriorityQueueItem struct {
	Node     uint32  // Node id.
	Distance float32 // Distance is the priority of the item in the queue.
}

// PriorityQueue is a binary heap of PriorityQueueItems.
//
// Ordering is total and deterministic: items with equal distance are
// ordered by id, smaller id first. Search results would otherwise
// depend on insertion order when distances tie.
type PriorityQueue struct {
	isMaxHeap bool
	items     []PriorityQueueItem
}

// NewMin initializes a new priority queue that pops the closest item.
func NewMin(capacity int) *PriorityQueue {
	return &PriorityQueue{
		isMaxHeap: false,
		items:     make([]PriorityQueueItem, 0, capacity),
	}
}

// NewMax initializes a new priority queue that pops the farthest item.
func NewMax(capacity int) *PriorityQueue {
	return &PriorityQueue{
		isMaxHeap: true,
		items:     make([]PriorityQueueItem, 0, capacity),
	}
}

// Len returns the number of elements in the priority queue.
func (pq *PriorityQueue) Len() int { return len(pq.items) }

// Reset clears the priority queue for reuse.
func (pq *PriorityQueue) Reset() {
	pq.items = pq.items[:0]
}

// TopItem returns the top element of the heap without removing it.
func (pq *PriorityQueue) TopItem() (PriorityQueueItem, bool) {
	if len(pq.items) == 0 {
		return PriorityQueueItem{}, false
	}
	return pq.items[0], true
}

// PushItem inserts an item while maintaining the heap invariant.
func (pq *PriorityQueue) PushItem(item PriorityQueueItem) {
	pq.items = append(pq.items, item)
	pq.siftUp(len(pq.items) - 1)
}

// PopItem removes and returns the top element while maintaining the
// heap invariant.
func (pq *PriorityQueue) PopItem() (PriorityQueueItem, bool) {
	n := len(pq.items)
	if n == 0 {
		return PriorityQueueItem{}, false
	}
	root := pq.items[0]
	last := pq.items[n-1]
	pq.items[n-1] = PriorityQueueItem{}
	pq.items = pq.items[:n-1]
	if n-1 > 0 {
		pq.items[0] = last
		pq.siftDown(0)
	}
	return root, true
}

// MinItem returns the item with the smallest (distance, id) currently
// in the queue. For min-heaps this is the top element; for max-heaps
// this scans the backing slice.
func (pq *PriorityQueue) MinItem() (PriorityQueueItem, bool) {
	if len(pq.items) == 0 {
		return PriorityQueueItem{}, false
	}
	if !pq.isMaxHeap {
		return pq.items[0], true
	}
	best := pq.items[0]
	for _, it := range pq.items[1:] {
		if closer(it, best) {
			best = it
		}
	}
	return best, true
}

// Items returns the backing slice in heap order.
// The slice is valid until the next mutation.
func (pq *PriorityQueue) Items() []PriorityQueueItem {
	return pq.items
}

// closer reports whether a sorts strictly before b in ascending
// (distance, id) order.
func closer(a, b PriorityQueueItem) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Node < b.Node
}

func (pq *PriorityQueue) less(i, j int) bool {
	if pq.isMaxHeap {
		return closer(pq.items[j], pq.items[i])
	}
	return closer(pq.items[i], pq.items[j])
}

func (pq *PriorityQueue) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !pq.less(i, p) {
			return
		}
		pq.items[i], pq.items[p] = pq.items[p], pq.items[i]
		i = p
	}
}

func (pq *PriorityQueue) siftDown(i int) {
	n := len(pq.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		r := l + 1
		if r < n && pq.less(r, l) {
			best = r
		}
		if !pq.less(best, i) {
			return
		}
		pq.items[i], pq.items[best] = pq.items[best], pq.items[i]
		i = best
	}
}
