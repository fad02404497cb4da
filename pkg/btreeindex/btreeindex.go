// Package btreeindex implements the B-tree index of spec.md §4.5: a
// bottom-up bulk builder over a sorted (key, data page id) stream that
// fills dense leaf pages linked into a singly-linked list, promotes
// separator keys into internal levels until a single root page remains,
// and resolves non-unique keys through overflow runs rather than
// repeating an index entry per reference. Unlike a single-key-at-a-time,
// locking, insert/split B+Tree, this index is built once from the sort
// operator's output and read through the catalog/buffercache stack the
// rest of this engine's operators use.
package btreeindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dbkernel/storage-engine/pkg/buffercache"
	"github.com/dbkernel/storage-engine/pkg/catalog"
	"github.com/dbkernel/storage-engine/pkg/config"
	"github.com/dbkernel/storage-engine/pkg/slottedpage"
)

// headerSize is the width of a B-tree page's header: directorySize (the
// mandatory 4 bytes), level, and nextLeaf — the same three-field shape the
// catalog's linked directory header uses, reused here rather than
// invented fresh.
const headerSize = config.CatalogHeaderSize

// noNextLeaf is the sentinel terminating a leaf page's sibling chain.
const noNextLeaf int32 = -1

var (
	// ErrNoSuchIndex is returned when Open is asked for a table that was
	// never built as an index.
	ErrNoSuchIndex = errors.New("btreeindex: no such index")
	// ErrEmptyIndex is returned by Build when the data table has no
	// records to index.
	ErrEmptyIndex = errors.New("btreeindex: cannot build an index over an empty table")
)

// Index is a built B-tree index over one data table's key.
type Index struct {
	cache         *buffercache.Cache
	cat           *catalog.Catalog
	name          string
	overflowTable string
	cmp           Compare
	rootPageID    int32
	depth         int32
}

// Name returns the catalog table name backing this index's pages.
func (idx *Index) Name() string {
	return idx.name
}

// Open reconstructs a previously built index's metadata (root page and
// depth) from its backing catalog table, so a fresh process can resume
// looking values up without rebuilding. cmp must be the same order the
// index was built with.
func Open(cache *buffercache.Cache, cat *catalog.Catalog, name string, cmp Compare) (*Index, error) {
	pages, err := cat.Pages(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSuchIndex, err)
	}
	if len(pages) == 0 {
		return nil, ErrEmptyIndex
	}
	root := pages[len(pages)-1]
	level, err := readLevel(cache, root)
	if err != nil {
		return nil, err
	}
	return &Index{
		cache:         cache,
		cat:           cat,
		name:          name,
		overflowTable: overflowTableName(name),
		cmp:           cmp,
		rootPageID:    root,
		depth:         level,
	}, nil
}

// Close is a no-op: an Index holds no resources beyond pages it pins and
// unpins per operation.
func (idx *Index) Close() error {
	return nil
}

func overflowTableName(indexName string) string {
	return indexName + "_overflow"
}

func readLevel(cache *buffercache.Cache, pageID int32) (int32, error) {
	raw, err := cache.GetAndPin(pageID)
	if err != nil {
		return 0, err
	}
	defer cache.Unpin(pageID)
	sp, err := slottedpage.New(raw, headerSize)
	if err != nil {
		return 0, err
	}
	b, err := sp.GetHeader(0, 4)
	if err != nil {
		return 0, err
	}
	return decodeInt32(b), nil
}

func writeLevel(sp *slottedpage.Page, level int32) {
	sp.PutHeader(0, encodeInt32(level))
}

func readNextLeaf(sp *slottedpage.Page) int32 {
	b, err := sp.GetHeader(4, 4)
	if err != nil {
		return noNextLeaf
	}
	return decodeInt32(b)
}

func writeNextLeaf(sp *slottedpage.Page, next int32) {
	sp.PutHeader(4, encodeInt32(next))
}

func encodeInt32(v int32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	return tmp[:]
}

func decodeInt32(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}

// Print pretty-prints every page of the index's backing table, leaf pages
// first in chain order. It is a diagnostic method, not a CLI: spec.md's
// Non-goals still exclude CLI surfaces.
func (idx *Index) Print(w io.Writer) {
	pages, err := idx.cat.Pages(idx.name)
	if err != nil {
		fmt.Fprintf(w, "btreeindex: %v\n", err)
		return
	}
	for _, pid := range pages {
		raw, err := idx.cache.GetAndPin(pid)
		if err != nil {
			continue
		}
		sp, err := slottedpage.New(raw, headerSize)
		if err != nil {
			idx.cache.Unpin(pid)
			continue
		}
		level, _ := sp.GetHeader(0, 4)
		fmt.Fprintf(w, "page %d (level %d):\n", pid, decodeInt32(level))
		for _, rec := range sp.AllRecords() {
			if rec.Status != slottedpage.Found {
				continue
			}
			e, err := decodeEntry(rec.Bytes)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "  key=%q value=%d disc=%d\n", e.key, e.value, e.discriminator)
		}
		idx.cache.Unpin(pid)
	}
}
