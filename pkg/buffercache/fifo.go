package buffercache

import "github.com/dbkernel/storage-engine/pkg/list"

// FIFOPolicy evicts the resident entry with the oldest insertion position
// whose pin count is 0, walking from the head of the queue, which is kept
// as a doubly-linked list.List ordered by insertion.
type FIFOPolicy struct {
	queue *list.List
	links map[int32]*list.Link
}

// NewFIFO constructs an empty FIFO eviction policy.
func NewFIFO() *FIFOPolicy {
	return &FIFOPolicy{queue: list.NewList(), links: make(map[int32]*list.Link)}
}

// OnAdmit appends id to the tail of the FIFO queue. FIFO never reuses a
// victim's position; it always appends.
func (f *FIFOPolicy) OnAdmit(id int32) {
	f.links[id] = f.queue.PushTail(id)
}

// OnAccess is a no-op for FIFO: access order never affects eviction order.
func (f *FIFOPolicy) OnAccess(id int32) {}

// OnRemove drops id from the queue.
func (f *FIFOPolicy) OnRemove(id int32) {
	if link, ok := f.links[id]; ok {
		link.PopSelf()
		delete(f.links, id)
	}
}

// SelectVictim returns the oldest unpinned entry.
func (f *FIFOPolicy) SelectVictim(isPinned func(id int32) bool) (int32, bool) {
	link := f.queue.PeekHead()
	for link != nil {
		id := link.GetValue().(int32)
		if !isPinned(id) {
			return id, true
		}
		link = link.GetNext()
	}
	return 0, false
}
