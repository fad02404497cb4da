package btreeindex

import (
	"github.com/dbkernel/storage-engine/pkg/slottedpage"
)

// Lookup descends the index from its root, choosing at each internal
// level the greatest separator key <= target (falling back to the first
// entry if target is smaller than every separator), then collects every
// leaf entry matching target exactly, following the leaf chain's
// nextLeaf link while the key keeps matching and resolving any overflow
// run into its individual data-page references. It returns a Cursor over
// those data page ids, one per matching data-table record (duplicates
// included, per spec.md §8's "lookup(k) ⊇ {page(r) | ...}" property).
func (idx *Index) Lookup(key []byte) (*Cursor, error) {
	pageID := idx.rootPageID
	for level := idx.depth; level > 0; level-- {
		child, err := idx.descend(pageID, key)
		if err != nil {
			return nil, err
		}
		pageID = child
	}
	refs, err := idx.collectLeafMatches(pageID, key)
	if err != nil {
		return nil, err
	}
	return &Cursor{refs: refs, pos: -1}, nil
}

// descend picks the child pointer of an internal page whose separator key
// is the greatest one <= target, defaulting to the page's first entry
// when target is smaller than all of them.
func (idx *Index) descend(pageID int32, target []byte) (int32, error) {
	raw, err := idx.cache.GetAndPin(pageID)
	if err != nil {
		return 0, err
	}
	defer idx.cache.Unpin(pageID)
	sp, err := slottedpage.New(raw, headerSize)
	if err != nil {
		return 0, err
	}
	var best *indexEntry
	var first *indexEntry
	for _, rec := range sp.AllRecords() {
		if rec.Status != slottedpage.Found {
			continue
		}
		e, err := decodeEntry(rec.Bytes)
		if err != nil {
			return 0, err
		}
		if first == nil {
			first = &e
		}
		if idx.cmp(e.key, target) <= 0 {
			if best == nil || idx.cmp(e.key, best.key) > 0 {
				best = &e
			}
		}
	}
	if best != nil {
		return best.value, nil
	}
	if first != nil {
		return first.value, nil
	}
	return 0, ErrEmptyIndex
}

// collectLeafMatches gathers every data-page reference for target starting
// at leaf page pageID, following next-leaf links for as long as the
// chain's next key still equals target (see spec.md §4.5's lookup
// procedure; in this builder's output a key never actually splits across
// two leaves, since equal keys are merged into one entry before packing,
// but the chain walk is kept for robustness against any future
// incremental-build path that relaxes that).
func (idx *Index) collectLeafMatches(pageID int32, target []byte) ([]int32, error) {
	var refs []int32
	for pageID != noNextLeaf {
		raw, err := idx.cache.GetAndPin(pageID)
		if err != nil {
			return nil, err
		}
		sp, err := slottedpage.New(raw, headerSize)
		if err != nil {
			idx.cache.Unpin(pageID)
			return nil, err
		}
		matched := false
		var next int32 = noNextLeaf
		for _, rec := range sp.AllRecords() {
			if rec.Status != slottedpage.Found {
				continue
			}
			e, err := decodeEntry(rec.Bytes)
			if err != nil {
				idx.cache.Unpin(pageID)
				return nil, err
			}
			if idx.cmp(e.key, target) != 0 {
				continue
			}
			matched = true
			if e.discriminator == 0 {
				refs = append(refs, e.value)
				continue
			}
			overflowRefs, err := idx.readOverflowRun(-e.value, e.discriminator)
			if err != nil {
				idx.cache.Unpin(pageID)
				return nil, err
			}
			refs = append(refs, overflowRefs...)
		}
		next = readNextLeaf(sp)
		idx.cache.Unpin(pageID)
		if !matched {
			break
		}
		pageID = next
	}
	return refs, nil
}

// readOverflowRun resolves a non-unique key's overflow run: it scans the
// head page for the record whose marker equals runID (recovering the run
// length), then walks continuation records (marker -1) starting right
// after the head's slot, spilling into subsequent pages of the overflow
// table in directory order until length references have been collected.
func (idx *Index) readOverflowRun(headPage, runID int32) ([]int32, error) {
	pages, err := idx.cat.Pages(idx.overflowTable)
	if err != nil {
		return nil, err
	}
	startIdx := -1
	for i, p := range pages {
		if p == headPage {
			startIdx = i
			break
		}
	}
	if startIdx < 0 {
		return nil, ErrNoSuchIndex
	}

	var length int32 = -1
	var refs []int32
	afterHead := false
	for pi := startIdx; pi < len(pages) && (length < 0 || int32(len(refs)) < length); pi++ {
		raw, err := idx.cache.GetAndPin(pages[pi])
		if err != nil {
			return nil, err
		}
		sp, err := slottedpage.New(raw, 0)
		if err != nil {
			idx.cache.Unpin(pages[pi])
			return nil, err
		}
		for _, rec := range sp.AllRecords() {
			if rec.Status != slottedpage.Found {
				continue
			}
			o, err := decodeOverflow(rec.Bytes)
			if err != nil {
				continue
			}
			if !afterHead {
				if o.marker == runID {
					length = o.page
					afterHead = true
				}
				continue
			}
			if o.marker == -1 {
				refs = append(refs, o.page)
				if length >= 0 && int32(len(refs)) >= length {
					break
				}
			}
		}
		idx.cache.Unpin(pages[pi])
	}
	return refs, nil
}

// Cursor is the lazy, closeable result sequence Lookup returns: one data
// page id per matching record, per spec.md §9's lazy-sequence design
// note. All of Lookup's results are resolved up front (the match set for
// one key is bounded by that key's reference count, never the whole
// table), so Close has nothing left to release; it exists so Cursor keeps
// the same shape as the rest of this engine's cursors.
type Cursor struct {
	refs []int32
	pos  int
}

// Next advances the cursor, reporting whether a value is available.
func (c *Cursor) Next() bool {
	c.pos++
	return c.pos < len(c.refs)
}

// PageID returns the data page id at the cursor's current position.
func (c *Cursor) PageID() int32 {
	return c.refs[c.pos]
}

// Close releases this cursor's resources. Safe to call more than once.
func (c *Cursor) Close() error {
	c.refs = nil
	return nil
}
