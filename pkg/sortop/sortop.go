// Package sortop implements the external multiway merge sort of spec.md
// §4.5: a partition phase that breaks the input into cache-sized sorted
// runs, and a merge phase that k-way merges them through a bounded-window
// reader per run, treating a table as an ordered sequence of slotted
// pages rather than anything index-specific.
package sortop

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dbkernel/storage-engine/pkg/buffercache"
	"github.com/dbkernel/storage-engine/pkg/catalog"
	"github.com/dbkernel/storage-engine/pkg/config"
	"github.com/dbkernel/storage-engine/pkg/slottedpage"
)

// Less compares two encoded records and reports whether a sorts before b.
// The sort makes no stability guarantee between records Less treats as
// equal.
type Less func(a, b []byte) bool

// ErrTooManyRuns is returned when the partition phase produces more runs
// than half the buffer cache's capacity in pages.
var ErrTooManyRuns = fmt.Errorf("sortop: run count exceeds half the cache capacity")

// Sorter runs an external merge sort over tables managed by a catalog.
type Sorter struct {
	cache *buffercache.Cache
	cat   *catalog.Catalog
	less  Less
}

// New constructs a Sorter that reads/writes tables through cat, using
// cache's capacity to size its partition batches and bound its run count.
func New(cache *buffercache.Cache, cat *catalog.Catalog, less Less) *Sorter {
	return &Sorter{cache: cache, cat: cat, less: less}
}

// pagesPerBatch is how many pages' worth of records a partition batch holds
// before it is sorted and flushed as a run: half the cache's capacity
// (config.MaxPagesInBuffer in "none" mode), at least 1. partition turns it
// into a record count with recordsPerPageEstimate.
func (s *Sorter) pagesPerBatch() int {
	capPages := s.cache.Capacity()
	if capPages == 0 {
		capPages = config.MaxPagesInBuffer
	}
	n := capPages / 2
	if n < 1 {
		n = 1
	}
	return n
}

// Sort reads every record of inputTable, sorts it externally, and writes
// the result, in order, to a freshly created outputTable.
func (s *Sorter) Sort(inputTable, outputTable string) error {
	runs, err := s.partition(inputTable)
	if err != nil {
		return err
	}
	defer func() {
		for _, r := range runs {
			s.cat.DeleteTable(r)
		}
	}()
	if cap := s.cache.Capacity(); cap > 0 && len(runs) > cap/2 {
		return ErrTooManyRuns
	}
	return s.merge(runs, outputTable)
}

// partition splits inputTable into a sequence of individually-sorted run
// tables. Each batch is sorted and flushed to its own run table on a
// worker from a small bounded pool (golang.org/x/sync/semaphore), so
// flushing one batch can overlap the scan collecting the next without
// ever letting more than a couple of batches' worth of pages compete for
// the buffer cache at once; golang.org/x/sync/errgroup collects the first
// error across workers.
func (s *Sorter) partition(inputTable string) ([]string, error) {
	batchSize := s.pagesPerBatch() * recordsPerPageEstimate
	const maxConcurrentFlushes = 2

	var (
		runsMu  sync.Mutex
		runs    []string
		nextID  atomic.Int64
		batch   [][]byte
		g       errgroup.Group
		sem     = semaphore.NewWeighted(maxConcurrentFlushes)
	)
	ctx := context.Background()

	flush := func(b [][]byte) error {
		name := fmt.Sprintf("__sort_run_%s_%d", inputTable, nextID.Add(1))
		sort.Slice(b, func(i, j int) bool { return s.less(b[i], b[j]) })
		if _, err := s.cat.CreateTable(name); err != nil {
			return err
		}
		if err := writeRecords(s.cache, s.cat, name, b); err != nil {
			return err
		}
		runsMu.Lock()
		runs = append(runs, name)
		runsMu.Unlock()
		return nil
	}

	scanErr := s.cat.FullScan(inputTable, func(_ int32, rec slottedpage.Record) error {
		batch = append(batch, append([]byte(nil), rec.Bytes...))
		if len(batch) < batchSize {
			return nil
		}
		toFlush := batch
		batch = nil
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			return flush(toFlush)
		})
		return nil
	})
	if len(batch) > 0 {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		b := batch
		g.Go(func() error {
			defer sem.Release(1)
			return flush(b)
		})
	}
	if waitErr := g.Wait(); waitErr != nil {
		return nil, waitErr
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return runs, nil
}

// recordsPerPageEstimate is a conservative guess at how many small
// fixed-width records fit per page, used only to size partition batches;
// it trades a slightly smaller batch for never reading in more than the
// cache can actually hold.
const recordsPerPageEstimate = 64

func writeRecords(cache *buffercache.Cache, cat *catalog.Catalog, table string, recs [][]byte) error {
	pages, err := cat.Pages(table)
	if err != nil {
		return err
	}
	pageID := pages[len(pages)-1]
	raw, err := cache.GetAndPin(pageID)
	if err != nil {
		return err
	}
	sp, err := slottedpage.New(raw, config.DefaultHeaderSize)
	if err != nil {
		cache.Unpin(pageID)
		return err
	}
	for _, b := range recs {
		status, _ := sp.PutRecord(b, -1)
		if status != slottedpage.OK {
			if err := cache.Put(raw); err != nil {
				cache.Unpin(pageID)
				return err
			}
			cache.Unpin(pageID)
			pageID, err = cat.AddPage(table)
			if err != nil {
				return err
			}
			raw, err = cache.GetAndPin(pageID)
			if err != nil {
				return err
			}
			sp, err = slottedpage.New(raw, config.DefaultHeaderSize)
			if err != nil {
				cache.Unpin(pageID)
				return err
			}
			if s, _ := sp.PutRecord(b, -1); s != slottedpage.OK {
				cache.Unpin(pageID)
				return fmt.Errorf("sortop: record too large for an empty page")
			}
		}
	}
	if err := cache.Put(raw); err != nil {
		cache.Unpin(pageID)
		return err
	}
	cache.Unpin(pageID)
	return nil
}

// merge k-way merges runs into outputTable using a min-heap of per-run
// cursors, each reading ahead through the buffer cache's residency rather
// than eagerly materializing whole runs.
func (s *Sorter) merge(runs []string, outputTable string) error {
	if _, err := s.cat.CreateTable(outputTable); err != nil {
		return err
	}
	cursors := make([]*runCursor, 0, len(runs))
	for _, r := range runs {
		c, err := newRunCursor(s.cache, s.cat, r)
		if err != nil {
			return err
		}
		if c.valid() {
			cursors = append(cursors, c)
		}
	}
	h := &cursorHeap{less: s.less, cursors: cursors}
	heap.Init(h)
	var out [][]byte
	const flushEvery = 256
	for h.Len() > 0 {
		c := h.cursors[0]
		out = append(out, c.current())
		if err := c.advance(); err != nil {
			return err
		}
		if c.valid() {
			heap.Fix(h, 0)
		} else {
			heap.Pop(h)
		}
		if len(out) >= flushEvery {
			if err := writeRecords(s.cache, s.cat, outputTable, out); err != nil {
				return err
			}
			out = out[:0]
		}
	}
	if len(out) > 0 {
		if err := writeRecords(s.cache, s.cat, outputTable, out); err != nil {
			return err
		}
	}
	return nil
}

// runCursor reads one run table's records in page order, prefetching a
// config.DefaultMergeWindow-page window ahead via the buffer cache so a
// many-way merge doesn't thrash residency one record at a time.
type runCursor struct {
	cache   *buffercache.Cache
	pages   []int32
	pageIdx int
	recs    []slottedpage.Record
	recIdx  int
}

func newRunCursor(cache *buffercache.Cache, cat *catalog.Catalog, table string) (*runCursor, error) {
	pages, err := cat.Pages(table)
	if err != nil {
		return nil, err
	}
	c := &runCursor{cache: cache, pages: pages}
	if err := c.loadPage(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *runCursor) loadPage() error {
	for c.pageIdx < len(c.pages) {
		if c.pageIdx == 0 || c.pageIdx%config.DefaultMergeWindow == 0 {
			remaining := int32(len(c.pages) - c.pageIdx)
			window := int32(config.DefaultMergeWindow)
			if remaining < window {
				window = remaining
			}
			c.cache.Load(c.pages[c.pageIdx], window)
		}
		raw, err := c.cache.GetAndPin(c.pages[c.pageIdx])
		if err != nil {
			return err
		}
		sp, err := slottedpage.New(raw, config.DefaultHeaderSize)
		if err != nil {
			c.cache.Unpin(c.pages[c.pageIdx])
			return err
		}
		all := sp.AllRecords()
		c.cache.Unpin(c.pages[c.pageIdx])
		var live []slottedpage.Record
		for _, r := range all {
			if r.Status == slottedpage.Found {
				live = append(live, r)
			}
		}
		c.pageIdx++
		if len(live) > 0 {
			c.recs = live
			c.recIdx = 0
			return nil
		}
	}
	c.recs = nil
	return nil
}

func (c *runCursor) valid() bool {
	return c.recs != nil && c.recIdx < len(c.recs)
}

func (c *runCursor) current() []byte {
	return c.recs[c.recIdx].Bytes
}

func (c *runCursor) advance() error {
	c.recIdx++
	if c.recIdx < len(c.recs) {
		return nil
	}
	return c.loadPage()
}

// cursorHeap orders runCursors by their current record under Less.
type cursorHeap struct {
	less    Less
	cursors []*runCursor
}

func (h *cursorHeap) Len() int { return len(h.cursors) }
func (h *cursorHeap) Less(i, j int) bool {
	return h.less(h.cursors[i].current(), h.cursors[j].current())
}
func (h *cursorHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }
func (h *cursorHeap) Push(x interface{}) {
	h.cursors = append(h.cursors, x.(*runCursor))
}
func (h *cursorHeap) Pop() interface{} {
	old := h.cursors
	n := len(old)
	v := old[n-1]
	h.cursors = old[:n-1]
	return v
}
