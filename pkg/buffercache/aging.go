package buffercache

// AgingPolicy gives every resident page an unsigned 32-bit age register.
// Each access ORs the high bit into the register; every k-th access
// globally right-shifts every register by 1 (k defaults to
// ceil(capacity/40), minimum 1). The victim is the unpinned entry with the
// smallest register value.
type AgingPolicy struct {
	age         map[int32]uint32
	accessCount int
	k           int
	// insertion order is kept only to break ties deterministically; the
	// spec does not require stability here, but a fixed order keeps tests
	// reproducible.
	order []int32
}

// NewAging constructs an Aging eviction policy sized for capacity resident
// pages.
func NewAging(capacity int) *AgingPolicy {
	k := (capacity + 39) / 40
	if k < 1 {
		k = 1
	}
	return &AgingPolicy{age: make(map[int32]uint32), k: k}
}

func (a *AgingPolicy) OnAdmit(id int32) {
	a.age[id] = 1 << 31
	a.order = append(a.order, id)
}

func (a *AgingPolicy) OnAccess(id int32) {
	if _, ok := a.age[id]; ok {
		a.age[id] |= 1 << 31
	}
	a.accessCount++
	if a.accessCount%a.k == 0 {
		for k := range a.age {
			a.age[k] >>= 1
		}
	}
}

func (a *AgingPolicy) OnRemove(id int32) {
	delete(a.age, id)
	for i, existing := range a.order {
		if existing == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// SelectVictim returns the unpinned resident entry with the smallest age
// register value.
func (a *AgingPolicy) SelectVictim(isPinned func(id int32) bool) (int32, bool) {
	var victim int32
	var victimAge uint32
	found := false
	for _, id := range a.order {
		if isPinned(id) {
			continue
		}
		age := a.age[id]
		if !found || age < victimAge {
			victim, victimAge = id, age
			found = true
		}
	}
	return victim, found
}
