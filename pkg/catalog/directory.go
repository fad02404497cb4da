package catalog

import (
	"encoding/binary"
	"errors"

	"github.com/dbkernel/storage-engine/pkg/buffercache"
	"github.com/dbkernel/storage-engine/pkg/config"
	"github.com/dbkernel/storage-engine/pkg/slottedpage"
)

// ErrDirectoryOverflow is returned by the single-page directory when a
// table's data pages no longer fit in one directory page.
var ErrDirectoryOverflow = errors.New("catalog: single-page directory overflowed")

// ErrUnknownOID is returned when a directory operation names an OID with no
// catalog entry.
var ErrUnknownOID = errors.New("catalog: unknown table OID")

// TablePageDirectory maps a table OID to the ordered set of its data page
// ids, and allocates more data pages on request.
type TablePageDirectory interface {
	// Create initializes a fresh, empty directory for oid.
	Create(oid int32) error
	// Pages returns the ordered list of data page ids belonging to oid.
	Pages(oid int32) ([]int32, error)
	// AddPages allocates n new sequential data pages for oid and appends
	// them to its directory, returning the first id allocated.
	AddPages(oid int32, n int) (int32, error)
}

func encodePageID(id int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(id))
	return b[:]
}

func decodePageID(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}

// ----------------------------------------------------------------------
// Simple (single-page) directory
// ----------------------------------------------------------------------

// SimpleDirectory is the illustrative single-page directory: a table's
// entire directory is one slotted page whose slots are 4-byte data page
// ids, and whose page id equals the table's OID. Per spec.md §9's open
// question this reuses the OID as a page id outright; it is exercised
// as-is rather than silently "fixed", and capacity exhaustion surfaces as
// ErrDirectoryOverflow instead of chaining to a second page.
type SimpleDirectory struct {
	cache   *buffercache.Cache
	nextPage *pageAllocator
}

// NewSimpleDirectory constructs a single-page table directory over cache,
// drawing new data page ids from alloc.
func NewSimpleDirectory(cache *buffercache.Cache, alloc *pageAllocator) *SimpleDirectory {
	return &SimpleDirectory{cache: cache, nextPage: alloc}
}

func (d *SimpleDirectory) Create(oid int32) error {
	raw, err := d.cache.GetAndPin(oid)
	if err != nil {
		return err
	}
	defer d.cache.Unpin(oid)
	sp, err := slottedpage.New(raw, config.DefaultHeaderSize)
	if err != nil {
		return err
	}
	sp.Clear()
	return d.cache.Put(raw)
}

func (d *SimpleDirectory) Pages(oid int32) ([]int32, error) {
	raw, err := d.cache.GetAndPin(oid)
	if err != nil {
		return nil, err
	}
	defer d.cache.Unpin(oid)
	sp, err := slottedpage.New(raw, config.DefaultHeaderSize)
	if err != nil {
		return nil, err
	}
	var out []int32
	for _, rec := range sp.AllRecords() {
		if rec.Status != slottedpage.Found {
			continue
		}
		out = append(out, decodePageID(rec.Bytes))
	}
	return out, nil
}

func (d *SimpleDirectory) AddPages(oid int32, n int) (int32, error) {
	raw, err := d.cache.GetAndPin(oid)
	if err != nil {
		return 0, err
	}
	defer d.cache.Unpin(oid)
	sp, err := slottedpage.New(raw, config.DefaultHeaderSize)
	if err != nil {
		return 0, err
	}
	first := int32(0)
	for i := 0; i < n; i++ {
		dataPage, err := d.nextPage.next()
		if err != nil {
			return 0, err
		}
		status, _ := sp.PutRecord(encodePageID(dataPage), -1)
		if status != slottedpage.OK {
			return 0, ErrDirectoryOverflow
		}
		if i == 0 {
			first = dataPage
		}
	}
	return first, d.cache.Put(raw)
}

// ----------------------------------------------------------------------
// Linked (production) directory
// ----------------------------------------------------------------------

// LinkedDirectory is the production table directory: each directory page
// is a slotted page of 4-byte data page ids, with an 8-byte extension
// header carrying {lastPageId, nextPageId}; the head page's id is the
// table's OID offset into the reserved range (see headPage), and overflow
// catalog pages are drawn from the zero page's free-catalog-page counter.
type LinkedDirectory struct {
	cache *buffercache.Cache
	zero  *ZeroPage
}

// NewLinkedDirectory constructs a linked table directory over cache, using
// zero for the persisted free-page counters.
func NewLinkedDirectory(cache *buffercache.Cache, zero *ZeroPage) *LinkedDirectory {
	return &LinkedDirectory{cache: cache, zero: zero}
}

// headPage computes the reserved catalog-head page id for oid. Page 0 is
// permanently the zero page (see zero.go), so head pages start at 1; this
// resolves a conflict in the distilled layout where the head page and the
// zero page would otherwise both claim id 0 for OID 0's name table. See
// DESIGN.md for the reasoning.
func (d *LinkedDirectory) headPage(oid int32) int32 {
	return oid + 1
}

func (d *LinkedDirectory) Create(oid int32) error {
	head := d.headPage(oid)
	raw, err := d.cache.GetAndPin(head)
	if err != nil {
		return err
	}
	defer d.cache.Unpin(head)
	sp, err := slottedpage.New(raw, config.CatalogHeaderSize)
	if err != nil {
		return err
	}
	sp.Clear()
	writeCatalogLinks(sp, head, -1)
	return d.cache.Put(raw)
}

// Pages walks the chain of catalog pages starting at the OID's head page.
// A never-Created head page reads back zero-filled, so its next-page link
// comes back as 0, not the -1 tail sentinel a Create'd page writes; treat
// any non-positive link as end-of-chain rather than following it into the
// reserved page-id range.
func (d *LinkedDirectory) Pages(oid int32) ([]int32, error) {
	var out []int32
	pageID := d.headPage(oid)
	for pageID > 0 {
		raw, err := d.cache.GetAndPin(pageID)
		if err != nil {
			return nil, err
		}
		sp, err := slottedpage.New(raw, config.CatalogHeaderSize)
		if err != nil {
			d.cache.Unpin(pageID)
			return nil, err
		}
		for _, rec := range sp.AllRecords() {
			if rec.Status != slottedpage.Found {
				continue
			}
			out = append(out, decodePageID(rec.Bytes))
		}
		_, next := readCatalogLinks(sp)
		d.cache.Unpin(pageID)
		pageID = next
	}
	return out, nil
}

// AddPages appends n new sequential data pages to oid's directory, chaining
// in a fresh catalog page from the free-catalog-page counter whenever the
// current last page is full.
func (d *LinkedDirectory) AddPages(oid int32, n int) (int32, error) {
	head := d.headPage(oid)
	headRaw, err := d.cache.GetAndPin(head)
	if err != nil {
		return 0, err
	}
	defer d.cache.Unpin(head)
	headSP, err := slottedpage.New(headRaw, config.CatalogHeaderSize)
	if err != nil {
		return 0, err
	}
	lastPageID, _ := readCatalogLinks(headSP)

	lastRaw, err := d.cache.GetAndPin(lastPageID)
	if err != nil {
		return 0, err
	}
	lastSP, err := slottedpage.New(lastRaw, config.CatalogHeaderSize)
	if err != nil {
		d.cache.Unpin(lastPageID)
		return 0, err
	}

	first := int32(0)
	for i := 0; i < n; i++ {
		dataPage, err := d.zero.NextDataPage()
		if err != nil {
			d.cache.Unpin(lastPageID)
			return 0, err
		}
		status, _ := lastSP.PutRecord(encodePageID(dataPage), -1)
		if status != slottedpage.OK {
			newPageID, err := d.zero.NextCatalogPage()
			if err != nil {
				d.cache.Unpin(lastPageID)
				return 0, err
			}
			newRaw, err := d.cache.GetAndPin(newPageID)
			if err != nil {
				d.cache.Unpin(lastPageID)
				return 0, err
			}
			newSP, err := slottedpage.New(newRaw, config.CatalogHeaderSize)
			if err != nil {
				d.cache.Unpin(lastPageID)
				d.cache.Unpin(newPageID)
				return 0, err
			}
			newSP.Clear()
			writeCatalogLinks(newSP, newPageID, -1)
			if s, _ := newSP.PutRecord(encodePageID(dataPage), -1); s != slottedpage.OK {
				d.cache.Unpin(lastPageID)
				d.cache.Unpin(newPageID)
				return 0, ErrDirectoryOverflow
			}

			lastOwnLast, _ := readCatalogLinks(lastSP)
			writeCatalogLinks(lastSP, lastOwnLast, newPageID)
			if err := d.cache.Put(lastRaw); err != nil {
				d.cache.Unpin(lastPageID)
				d.cache.Unpin(newPageID)
				return 0, err
			}
			d.cache.Unpin(lastPageID)

			_, headOwnNext := readCatalogLinks(headSP)
			writeCatalogLinks(headSP, newPageID, headOwnNext)
			if err := d.cache.Put(headRaw); err != nil {
				d.cache.Unpin(newPageID)
				return 0, err
			}

			lastPageID, lastRaw, lastSP = newPageID, newRaw, newSP
		}
		if i == 0 {
			first = dataPage
		}
	}
	err = d.cache.Put(lastRaw)
	d.cache.Unpin(lastPageID)
	return first, err
}

// writeCatalogLinks sets the two extension-header fields beyond the
// mandatory slot count: the directory's last-page id and its next-page
// link (-1 if this is the last page in the chain).
func writeCatalogLinks(sp *slottedpage.Page, lastPageID, nextPageID int32) {
	sp.PutHeader(0, encodePageID(lastPageID))
	sp.PutHeader(4, encodePageID(nextPageID))
}

func readCatalogLinks(sp *slottedpage.Page) (lastPageID, nextPageID int32) {
	b, _ := sp.GetHeader(0, 4)
	lastPageID = decodePageID(b)
	b, _ = sp.GetHeader(4, 4)
	nextPageID = decodePageID(b)
	return
}
