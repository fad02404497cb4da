package catalog

import (
	"sync"

	"github.com/dbkernel/storage-engine/pkg/buffercache"
	"github.com/dbkernel/storage-engine/pkg/config"
	"github.com/dbkernel/storage-engine/pkg/slottedpage"
)

// ZeroPage is the engine's one distinguished page: id 0, holding the two
// persisted monotonic counters that hand out fresh catalog-overflow page
// ids and fresh data page ids. It never stores records of its own.
//
// advance's read-modify-write of a counter spans a GetAndPin/Put pair, so
// the cache's own locking isn't enough to make two concurrent allocations
// atomic; mu serializes every counter allocation.
type ZeroPage struct {
	cache *buffercache.Cache
	mu    sync.Mutex
}

// catalogCounterStart and dataCounterStart partition page-id space so the
// two independently-growing counters never collide: catalog head pages
// occupy [1, catalogCounterStart) (oid+1 for every user table OID, which
// OidMapping hands out starting just past the reserved system OIDs, well
// below catalogCounterStart), catalog overflow pages grow up from
// catalogCounterStart, and table data pages grow up from dataCounterStart.
const (
	catalogCounterStart int32 = config.ReservedIDRange / 2
	dataCounterStart    int32 = config.ReservedIDRange
)

// OpenZeroPage wraps page 0, initializing its counters on first use.
func OpenZeroPage(cache *buffercache.Cache) (*ZeroPage, error) {
	z := &ZeroPage{cache: cache}
	raw, err := cache.GetAndPin(0)
	if err != nil {
		return nil, err
	}
	defer cache.Unpin(0)
	sp, err := slottedpage.New(raw, config.ZeroPageHeaderSize)
	if err != nil {
		return nil, err
	}
	b, _ := sp.GetHeader(0, 4)
	if decodePageID(b) == 0 {
		sp.PutHeader(0, encodePageID(catalogCounterStart))
		sp.PutHeader(4, encodePageID(dataCounterStart))
		if err := cache.Put(raw); err != nil {
			return nil, err
		}
	}
	return z, nil
}

// NextCatalogPage allocates and persists the next free catalog-overflow
// page id.
func (z *ZeroPage) NextCatalogPage() (int32, error) {
	return z.advance(0)
}

// NextDataPage allocates and persists the next free table data page id.
func (z *ZeroPage) NextDataPage() (int32, error) {
	return z.advance(4)
}

func (z *ZeroPage) advance(headerOffset int64) (int32, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	raw, err := z.cache.GetAndPin(0)
	if err != nil {
		return 0, err
	}
	defer z.cache.Unpin(0)
	sp, err := slottedpage.New(raw, config.ZeroPageHeaderSize)
	if err != nil {
		return 0, err
	}
	b, err := sp.GetHeader(headerOffset, 4)
	if err != nil {
		return 0, err
	}
	id := decodePageID(b)
	sp.PutHeader(headerOffset, encodePageID(id+1))
	return id, z.cache.Put(raw)
}

// pageAllocator is the data-page source shared by both directory
// implementations, so SimpleDirectory and LinkedDirectory tables never
// hand out colliding data page ids.
type pageAllocator struct {
	zero *ZeroPage
}

// newPageAllocator wraps zero as a plain next-id source for SimpleDirectory.
func newPageAllocator(zero *ZeroPage) *pageAllocator {
	return &pageAllocator{zero: zero}
}

func (a *pageAllocator) next() (int32, error) {
	return a.zero.NextDataPage()
}
