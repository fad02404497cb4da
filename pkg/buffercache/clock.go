package buffercache

import "github.com/bits-and-blooms/bitset"

// ClockPolicy maintains a circular hand over the resident set. Each slot has
// a single reference bit (set on access, cleared as the hand sweeps past a
// still-referenced entry, pinned or not). The victim is the first unpinned entry
// the hand finds with its bit already clear. Slots vacated by eviction are
// reused for the next admission, which is what lets the new page enter "at
// the victim's position" as spec.md describes.
//
// The reference bits are modeled with bitset.BitSet rather than a []bool:
// it is exactly the "is this slot referenced" membership set the policy
// needs, and clearing a bit during the sweep is the generalization of
// CLOCK's textbook per-page reference bit.
type ClockPolicy struct {
	slots     []int32 // slot index -> resident page id, or -1 if empty
	index     map[int32]int
	ref       *bitset.BitSet
	hand      int
	freeSlots []int
}

// NewClock constructs an empty CLOCK eviction policy sized for capacity
// resident slots.
func NewClock(capacity int) *ClockPolicy {
	if capacity <= 0 {
		capacity = 1
	}
	slots := make([]int32, capacity)
	for i := range slots {
		slots[i] = -1
	}
	free := make([]int, capacity)
	for i := range free {
		free[i] = capacity - 1 - i
	}
	return &ClockPolicy{
		slots:     slots,
		index:     make(map[int32]int),
		ref:       bitset.New(uint(capacity)),
		freeSlots: free,
	}
}

func (c *ClockPolicy) OnAdmit(id int32) {
	var slot int
	if n := len(c.freeSlots); n > 0 {
		slot = c.freeSlots[n-1]
		c.freeSlots = c.freeSlots[:n-1]
	} else {
		// Should not normally happen: Cache always evicts before admitting
		// once full. Grow defensively so the policy never panics.
		slot = len(c.slots)
		c.slots = append(c.slots, -1)
		c.ref.Set(uint(slot))
		c.ref.Clear(uint(slot))
	}
	c.slots[slot] = id
	c.index[id] = slot
	c.ref.Set(uint(slot))
}

func (c *ClockPolicy) OnAccess(id int32) {
	if slot, ok := c.index[id]; ok {
		c.ref.Set(uint(slot))
	}
}

func (c *ClockPolicy) OnRemove(id int32) {
	slot, ok := c.index[id]
	if !ok {
		return
	}
	c.slots[slot] = -1
	c.ref.Clear(uint(slot))
	delete(c.index, id)
	c.freeSlots = append(c.freeSlots, slot)
}

// SelectVictim advances the hand at most two full revolutions looking for an
// unpinned entry whose reference bit is clear, clearing set bits as it
// passes over them. The first revolution leaves every bit clear, so the
// second reaches any unpinned entry; two revolutions with no unpinned
// candidate report "all pinned", per spec.md §9's resolution of the CLOCK
// open question.
func (c *ClockPolicy) SelectVictim(isPinned func(id int32) bool) (int32, bool) {
	n := len(c.slots)
	if n == 0 {
		return 0, false
	}
	for step := 0; step < 2*n; step++ {
		slot := c.hand
		c.hand = (c.hand + 1) % n
		id := c.slots[slot]
		if id < 0 {
			continue
		}
		if c.ref.Test(uint(slot)) {
			// Decrement (clear) the reference bit as the hand passes,
			// whether or not the entry is pinned.
			c.ref.Clear(uint(slot))
			continue
		}
		if !isPinned(id) {
			return id, true
		}
	}
	return 0, false
}
