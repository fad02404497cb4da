package btreeindex

import (
	"fmt"

	"github.com/spaolacci/murmur3"

	"github.com/dbkernel/storage-engine/pkg/buffercache"
	"github.com/dbkernel/storage-engine/pkg/catalog"
	"github.com/dbkernel/storage-engine/pkg/config"
	"github.com/dbkernel/storage-engine/pkg/record"
	"github.com/dbkernel/storage-engine/pkg/slottedpage"
	"github.com/dbkernel/storage-engine/pkg/sortop"
)

// Build scans dataTable, extracts each record's key with keyFn, and builds
// a fresh B-tree index named name over it (steps 1-4 of spec.md §4.5): a
// sort of the extracted (key, data page id) pairs, a bottom-up dense-leaf
// pack of the sorted, deduplicated result, and overflow runs for any key
// that maps to more than one data page reference.
func Build(cache *buffercache.Cache, cat *catalog.Catalog, dataTable string, keyFn KeyFunc, cmp Compare, name string) (*Index, error) {
	pairsTable := name + "_pairs"
	cat.DeleteTable(pairsTable)
	if _, err := cat.CreateTable(pairsTable); err != nil {
		return nil, err
	}
	defer cat.DeleteTable(pairsTable)

	n := 0
	err := cat.FullScan(dataTable, func(pageID int32, rec slottedpage.Record) error {
		n++
		key := keyFn(rec.Bytes)
		pair := record.NewBuilder().PutString(string(key)).PutInt32(pageID).Bytes()
		return appendToTable(cache, cat, pairsTable, pair)
	})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrEmptyIndex
	}

	sortedTable := name + "_pairs_sorted"
	cat.DeleteTable(sortedTable)
	sorter := sortop.New(cache, cat, func(a, b []byte) bool {
		ka, _ := record.NewReader(a).String()
		kb, _ := record.NewReader(b).String()
		return cmp([]byte(ka), []byte(kb)) < 0
	})
	if err := sorter.Sort(pairsTable, sortedTable); err != nil {
		return nil, err
	}
	defer cat.DeleteTable(sortedTable)

	overflowTable := overflowTableName(name)
	cat.DeleteTable(overflowTable)
	if _, err := cat.CreateTable(overflowTable); err != nil {
		return nil, err
	}

	cat.DeleteTable(name)
	if _, err := cat.CreateTable(name); err != nil {
		return nil, err
	}

	leafEntries, err := groupIntoEntries(cache, cat, sortedTable, overflowTable, cmp)
	if err != nil {
		return nil, err
	}

	rootPage, depth, err := packLevels(cache, cat, name, leafEntries)
	if err != nil {
		return nil, err
	}

	return &Index{
		cache:         cache,
		cat:           cat,
		name:          name,
		overflowTable: overflowTable,
		cmp:           cmp,
		rootPageID:    rootPage,
		depth:         depth,
	}, nil
}

// groupIntoEntries streams sortedTable's (key, page id) pairs in order,
// collapsing every run of equal keys into one indexEntry: a unique key's
// single page reference is stored directly (discriminator 0); a repeated
// key's references are written out to overflowTable as one run and the
// entry points at the run's head page instead.
func groupIntoEntries(cache *buffercache.Cache, cat *catalog.Catalog, sortedTable, overflowTable string, cmp Compare) ([]indexEntry, error) {
	var entries []indexEntry
	var curKey []byte
	var curRefs []int32
	seq := 0

	flush := func() error {
		if len(curRefs) == 0 {
			return nil
		}
		if len(curRefs) == 1 {
			entries = append(entries, indexEntry{key: curKey, value: curRefs[0], discriminator: 0})
			return nil
		}
		head, runID, err := writeOverflowRun(cache, cat, overflowTable, curKey, curRefs, seq)
		if err != nil {
			return err
		}
		seq++
		entries = append(entries, indexEntry{key: curKey, value: -head, discriminator: runID})
		return nil
	}

	err := cat.FullScan(sortedTable, func(_ int32, rec slottedpage.Record) error {
		r := record.NewReader(rec.Bytes)
		key, err := r.String()
		if err != nil {
			return err
		}
		pageID, err := r.Int32()
		if err != nil {
			return err
		}
		kb := []byte(key)
		if curRefs != nil && cmp(kb, curKey) == 0 {
			curRefs = append(curRefs, pageID)
			return nil
		}
		if err := flush(); err != nil {
			return err
		}
		curKey = kb
		curRefs = []int32{pageID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return entries, nil
}

// writeOverflowRun appends one run header (marker = a positive run id,
// page = the reference count) followed by one continuation record per
// reference (marker -1, page = the reference) to overflowTable, returning
// the page the head record landed on and the run id assigned. The run id
// is a murmur3 hash of the key plus this build's sequence number rather
// than a shared counter, so concurrent index builds never need to
// coordinate on run-id allocation (spec.md §9's hash open question is
// resolved the same way for this id as for hashop's bucket hash:
// absolute-valued so it stays a positive marker).
func writeOverflowRun(cache *buffercache.Cache, cat *catalog.Catalog, overflowTable string, key []byte, refs []int32, seq int) (headPage int32, runID int32, err error) {
	seed := record.NewBuilder().PutString(string(key)).PutInt32(int32(seq)).Bytes()
	h := int32(murmur3.Sum32(seed))
	if h < 0 {
		h = -h
	}
	if h <= 0 {
		h = 1
	}
	runID = h

	headRec := encodeOverflow(overflowRecord{marker: runID, page: int32(len(refs))})
	headPage, err = appendToTableReturningPage(cache, cat, overflowTable, headRec)
	if err != nil {
		return 0, 0, err
	}
	for _, ref := range refs {
		cont := encodeOverflow(overflowRecord{marker: -1, page: ref})
		if err := appendToTable(cache, cat, overflowTable, cont); err != nil {
			return 0, 0, err
		}
	}
	return headPage, runID, nil
}

// packLevels bulk-loads entries (already key-sorted) into dense leaf
// pages, then repeats the same packing over each level's promoted
// separator entries until exactly one page remains: that page is the
// root, and the number of promotion rounds it took to get there is the
// tree's depth.
func packLevels(cache *buffercache.Cache, cat *catalog.Catalog, table string, entries []indexEntry) (root int32, depth int32, err error) {
	level := int32(0)
	for {
		pageIDs, promoted, err := packLevel(cache, cat, table, level, entries)
		if err != nil {
			return 0, 0, err
		}
		if len(pageIDs) == 1 {
			return pageIDs[0], level, nil
		}
		entries = promoted
		level++
	}
}

// packLevel writes entries into as many pages of table as needed, filling
// each page until PutRecord reports OutOfSpace, then starting the next.
// Leaf pages (level 0) are linked by nextLeaf; every level's pages are
// stamped with their level. It returns the page ids created and, for each
// page, a promoted separator entry (that page's smallest key, that page's
// id, discriminator 0) for the caller to pack into the next level up.
func packLevel(cache *buffercache.Cache, cat *catalog.Catalog, table string, level int32, entries []indexEntry) ([]int32, []indexEntry, error) {
	alloc, err := newPageAllocator(cat, table)
	if err != nil {
		return nil, nil, err
	}
	if level > 0 {
		// The table's existing pages now hold the level below; only the
		// leaf level may reuse the page CreateTable allocated.
		alloc.prealloc = nil
	}

	var pageIDs []int32
	var promoted []indexEntry
	var curPageID int32
	var curSP *slottedpage.Page
	var firstKeyOnPage []byte
	var havePage bool

	closeCurrent := func() error {
		if !havePage {
			return nil
		}
		if level == 0 {
			writeNextLeaf(curSP, noNextLeaf)
		}
		writeLevel(curSP, level)
		if err := cache.Put(curSP.Raw()); err != nil {
			cache.Unpin(curPageID)
			return err
		}
		cache.Unpin(curPageID)
		pageIDs = append(pageIDs, curPageID)
		promoted = append(promoted, indexEntry{key: firstKeyOnPage, value: curPageID, discriminator: 0})
		havePage = false
		return nil
	}

	openNext := func() error {
		if havePage {
			if err := closeCurrent(); err != nil {
				return err
			}
		}
		pid, err := alloc.next()
		if err != nil {
			return err
		}
		raw, err := cache.GetAndPin(pid)
		if err != nil {
			return err
		}
		sp, err := slottedpage.New(raw, headerSize)
		if err != nil {
			cache.Unpin(pid)
			return err
		}
		sp.Clear()
		curPageID = pid
		curSP = sp
		havePage = true
		firstKeyOnPage = nil
		return nil
	}

	if err := openNext(); err != nil {
		return nil, nil, err
	}
	prevLeafPageID := int32(-1)
	for _, e := range entries {
		enc := encodeEntry(e)
		status, _ := curSP.PutRecord(enc, -1)
		if status != slottedpage.OK {
			finishedPageID := curPageID
			if err := openNext(); err != nil {
				return nil, nil, err
			}
			if level == 0 && prevLeafPageID >= 0 {
				if err := linkLeaf(cache, prevLeafPageID, finishedPageID); err != nil {
					return nil, nil, err
				}
			}
			if level == 0 {
				prevLeafPageID = finishedPageID
			}
			status, _ = curSP.PutRecord(enc, -1)
			if status != slottedpage.OK {
				return nil, nil, fmt.Errorf("btreeindex: entry too large for an empty level-%d page", level)
			}
		}
		if firstKeyOnPage == nil {
			firstKeyOnPage = e.key
		}
	}
	if err := closeCurrent(); err != nil {
		return nil, nil, err
	}
	if level == 0 && prevLeafPageID >= 0 && len(pageIDs) > 0 {
		if err := linkLeaf(cache, prevLeafPageID, pageIDs[len(pageIDs)-1]); err != nil {
			return nil, nil, err
		}
	}
	return pageIDs, promoted, nil
}

func linkLeaf(cache *buffercache.Cache, from, to int32) error {
	raw, err := cache.GetAndPin(from)
	if err != nil {
		return err
	}
	defer cache.Unpin(from)
	sp, err := slottedpage.New(raw, headerSize)
	if err != nil {
		return err
	}
	writeNextLeaf(sp, to)
	return cache.Put(raw)
}

// levelPageAllocator hands out the pages a fresh catalog table already
// has (from CreateTable) before minting new ones, so bulk-loading a
// table never leaves its pre-allocated first page empty.
type levelPageAllocator struct {
	cat       *catalog.Catalog
	table     string
	prealloc  []int32
	nextIndex int
}

func newPageAllocator(cat *catalog.Catalog, table string) (*levelPageAllocator, error) {
	pages, err := cat.Pages(table)
	if err != nil {
		return nil, err
	}
	return &levelPageAllocator{cat: cat, table: table, prealloc: pages}, nil
}

func (a *levelPageAllocator) next() (int32, error) {
	if a.nextIndex < len(a.prealloc) {
		id := a.prealloc[a.nextIndex]
		a.nextIndex++
		return id, nil
	}
	return a.cat.AddPage(a.table)
}

func appendToTable(cache *buffercache.Cache, cat *catalog.Catalog, table string, rec []byte) error {
	_, err := appendToTableReturningPage(cache, cat, table, rec)
	return err
}

// appendToTableReturningPage writes rec to the last page of table,
// allocating a new page from the catalog when the current last page is
// full, and returns the page the record landed on. The same
// append-to-last-page-or-grow pattern sortop.writeRecords and
// hashop.appendRecord use, kept as its own small copy since each operator
// owns its own write path.
func appendToTableReturningPage(cache *buffercache.Cache, cat *catalog.Catalog, table string, rec []byte) (int32, error) {
	pages, err := cat.Pages(table)
	if err != nil {
		return 0, err
	}
	pageID := pages[len(pages)-1]
	raw, err := cache.GetAndPin(pageID)
	if err != nil {
		return 0, err
	}
	sp, err := slottedpage.New(raw, config.DefaultHeaderSize)
	if err != nil {
		cache.Unpin(pageID)
		return 0, err
	}
	if status, _ := sp.PutRecord(rec, -1); status == slottedpage.OK {
		err := cache.Put(raw)
		cache.Unpin(pageID)
		return pageID, err
	}
	cache.Unpin(pageID)
	pageID, err = cat.AddPage(table)
	if err != nil {
		return 0, err
	}
	raw, err = cache.GetAndPin(pageID)
	if err != nil {
		return 0, err
	}
	defer cache.Unpin(pageID)
	sp, err = slottedpage.New(raw, config.DefaultHeaderSize)
	if err != nil {
		return 0, err
	}
	if status, _ := sp.PutRecord(rec, -1); status != slottedpage.OK {
		return 0, fmt.Errorf("btreeindex: record too large for an empty page")
	}
	return pageID, cache.Put(raw)
}
