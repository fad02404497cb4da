// Package storage implements the paged storage layer: a byte-addressable
// pool of fixed-size pages with cost-accounted random and bulk access,
// emulating a rotating-disk cost model. Cost accounting sits at the
// durability boundary rather than the caching boundary, since eviction
// policy lives one layer up in package buffercache.
package storage

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/dbkernel/storage-engine/pkg/config"
)

// ErrNegativePageID is returned when a persisted request names a page id < 0.
var ErrNegativePageID = errors.New("storage: page id must be >= 0")

// ErrBulkWriterClosed is returned by operations attempted on a released
// BulkWriter.
var ErrBulkWriterClosed = errors.New("storage: bulk writer already released")

// Storage is the durable, fixed-size page I/O interface shared by the
// in-memory emulator and the file-backed variant.
type Storage interface {
	// Read returns an independent copy of the stored bytes for id, creating
	// a zero page on first access.
	Read(id int32) (*Page, error)
	// BulkRead feeds n consecutive pages starting at start to consumer, in
	// order; consumer is called strictly serially. start == -1 means "next
	// available id after the current maximum".
	BulkRead(start int32, n int32, consumer func(*Page) error) error
	// Write stores a copy of page. Fails if page.ID() < 0.
	Write(page *Page) error
	// BulkWriter returns a scoped writer that assigns sequential ids
	// starting at start (or the next free id if start == -1). The writer
	// must be released on every exit path.
	BulkWriter(start int32) (*BulkWriter, error)
	// NumPages returns one past the highest page id ever allocated.
	NumPages() int32
	// Cost returns the running, monotonically increasing abstract access
	// cost accumulator.
	Cost() float64
	// Close releases any OS resources held by the storage backend.
	Close() error
}

// costAccumulator is embedded by both storage variants so the random/bulk
// cost model in spec.md §4.1 is applied identically by each.
type costAccumulator struct {
	total atomic.Uint64 // bits of a float64, accessed via sync/atomic
}

func (c *costAccumulator) add(units float64) {
	for {
		old := c.total.Load()
		next := math.Float64frombits(old) + units
		if c.total.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

func (c *costAccumulator) Cost() float64 {
	return math.Float64frombits(c.total.Load())
}

func (c *costAccumulator) chargeRandom() {
	c.add(config.RandomAccessCost)
}

func (c *costAccumulator) chargeBulk(pages int) {
	c.add(config.RandomAccessCost + config.SequentialAccessCost*float64(pages))
}

// BulkWriter is a single-use scoped resource: every page Put through it is
// assigned the next sequential id, and closing it records the sequential
// scan cost exactly once rather than per page.
type BulkWriter struct {
	mu       sync.Mutex
	next     int32
	written  int
	released bool
	writeAt  func(page *Page) error
	onClose  func(pages int)
}

// Put assigns the writer's next sequential id to page, writes it through
// immediately, and returns the id assigned. Cost for the write is charged
// once, in aggregate, when the writer is released.
func (w *BulkWriter) Put(page *Page) (int32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return 0, ErrBulkWriterClosed
	}
	id := w.next
	page.id = id
	w.next++
	w.written++
	if err := w.writeAt(page); err != nil {
		return 0, err
	}
	return id, nil
}

// Release is mandatory on all exit paths; it is idempotent and counts the
// accumulated sequential-scan cost toward storage's cost accumulator exactly
// once, regardless of how many pages were written through this writer.
func (w *BulkWriter) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return nil
	}
	w.released = true
	if w.onClose != nil {
		w.onClose(w.written)
	}
	return nil
}

// Written returns how many pages were written through this writer so far.
func (w *BulkWriter) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}
