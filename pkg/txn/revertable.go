package txn

import "github.com/dbkernel/storage-engine/pkg/storage"

// RevertableStorage is the adapter type spec.md's cyclic-ownership design
// note calls for: it wraps the real storage.Storage and drops any flush of
// a page that is still modified by some live transaction, so uncommitted
// bytes never reach disk ahead of that transaction's commit or abort. It
// holds a reference to the real storage plus a predicate callback into the
// Manager, rather than a reference back to the Manager itself, breaking
// the Cache/Storage/Manager ownership cycle at the type level.
type RevertableStorage struct {
	real         storage.Storage
	liveModified func(page int32) bool
}

// NewRevertableStorage wraps real, consulting liveModified before every
// Write to decide whether the page's bytes are safe to persist. BulkWriter
// is passed through to real unchecked.
func NewRevertableStorage(real storage.Storage, liveModified func(page int32) bool) *RevertableStorage {
	return &RevertableStorage{real: real, liveModified: liveModified}
}

func (r *RevertableStorage) Read(id int32) (*storage.Page, error) {
	return r.real.Read(id)
}

func (r *RevertableStorage) BulkRead(start int32, n int32, consumer func(*storage.Page) error) error {
	return r.real.BulkRead(start, n, consumer)
}

// Write persists page unless it is still live-modified by an uncommitted
// transaction, in which case the write is silently dropped and nil is
// returned. The cache is not told: after a Flush it treats the page as
// clean, and on eviction it discards the bytes.
func (r *RevertableStorage) Write(page *storage.Page) error {
	if r.liveModified != nil && r.liveModified(page.ID()) {
		return nil
	}
	return r.real.Write(page)
}

func (r *RevertableStorage) BulkWriter(start int32) (*storage.BulkWriter, error) {
	return r.real.BulkWriter(start)
}

func (r *RevertableStorage) NumPages() int32 {
	return r.real.NumPages()
}

func (r *RevertableStorage) Cost() float64 {
	return r.real.Cost()
}

func (r *RevertableStorage) Close() error {
	return r.real.Close()
}
