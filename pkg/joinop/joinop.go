// Package joinop implements the three join algorithms of spec.md §4.5 over
// the catalog's tables: block nested-loop, hash, and sort-merge. All three
// share one operand shape (a table name plus a key extractor) and emit
// their matches through a Result with Next/Pair/Close (the same shape as
// package cursor's Cursor, which Result does not implement), closing their
// intermediate tables in Close.
package joinop

import (
	"bytes"
	"fmt"

	"github.com/dbkernel/storage-engine/pkg/buffercache"
	"github.com/dbkernel/storage-engine/pkg/catalog"
	"github.com/dbkernel/storage-engine/pkg/hashop"
	"github.com/dbkernel/storage-engine/pkg/slottedpage"
	"github.com/dbkernel/storage-engine/pkg/sortop"
)

// KeyFunc extracts the join key bytes from an encoded record.
type KeyFunc func(record []byte) []byte

// Operand names one side of a join: a table plus how to extract its key.
type Operand struct {
	Table string
	Key   KeyFunc
}

// Pair is one emitted match: a left record paired with a right record whose
// keys compare equal.
type Pair struct {
	Left  []byte
	Right []byte
}

// Result is the lazy, closeable output sequence a join operator returns.
type Result struct {
	pairs   []Pair
	pos     int
	closers []func() error
}

// Next advances to the next pair, reporting whether one is available.
func (r *Result) Next() bool {
	r.pos++
	return r.pos < len(r.pairs)
}

// Pair returns the pair at the cursor's current position.
func (r *Result) Pair() Pair {
	return r.pairs[r.pos]
}

// Close releases every intermediate table and pinned page the join used to
// produce its output. Safe to call more than once.
func (r *Result) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

func newResult(pairs []Pair, closers ...func() error) *Result {
	return &Result{pairs: pairs, pos: -1, closers: closers}
}

// BlockNestedLoop joins left and right in chunks of cache.Capacity()-1 pages
// of the left (outer) table; each chunk is held in memory and probed once
// per scan of the right (inner) table. A naive single-record-at-a-time join
// is available via NestedLoop for reference/test paths only.
func BlockNestedLoop(cache *buffercache.Cache, cat *catalog.Catalog, left, right Operand) (*Result, error) {
	chunkSize := cache.Capacity() - 1
	if chunkSize < 1 {
		chunkSize = 1
	}
	leftPages, err := cat.Pages(left.Table)
	if err != nil {
		return nil, err
	}
	var pairs []Pair
	for start := 0; start < len(leftPages); start += chunkSize {
		end := start + chunkSize
		if end > len(leftPages) {
			end = len(leftPages)
		}
		chunk := make(map[string][][]byte)
		for _, pageID := range leftPages[start:end] {
			if err := scanPageInto(cache, pageID, func(rec []byte) {
				k := string(left.Key(rec))
				chunk[k] = append(chunk[k], rec)
			}); err != nil {
				return nil, err
			}
		}
		scanErr := cat.FullScan(right.Table, func(_ int32, rec slottedpage.Record) error {
			matches, ok := chunk[string(right.Key(rec.Bytes))]
			if !ok {
				return nil
			}
			for _, l := range matches {
				pairs = append(pairs, Pair{Left: l, Right: append([]byte(nil), rec.Bytes...)})
			}
			return nil
		})
		if scanErr != nil {
			return nil, scanErr
		}
	}
	return newResult(pairs), nil
}

// NestedLoop is the naive, single-record-at-a-time inner join: for every
// left record, scan the whole right table. Intended for reference paths and
// small test fixtures only; BlockNestedLoop is the production path.
func NestedLoop(cache *buffercache.Cache, cat *catalog.Catalog, left, right Operand) (*Result, error) {
	var leftRecs [][]byte
	if err := cat.FullScan(left.Table, func(_ int32, rec slottedpage.Record) error {
		leftRecs = append(leftRecs, append([]byte(nil), rec.Bytes...))
		return nil
	}); err != nil {
		return nil, err
	}
	var pairs []Pair
	for _, l := range leftRecs {
		lk := left.Key(l)
		err := cat.FullScan(right.Table, func(_ int32, rec slottedpage.Record) error {
			if bytes.Equal(lk, right.Key(rec.Bytes)) {
				pairs = append(pairs, Pair{Left: l, Right: append([]byte(nil), rec.Bytes...)})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return newResult(pairs), nil
}

func scanPageInto(cache *buffercache.Cache, pageID int32, visit func([]byte)) error {
	raw, err := cache.GetAndPin(pageID)
	if err != nil {
		return err
	}
	defer cache.Unpin(pageID)
	sp, err := slottedpage.New(raw, 0)
	if err != nil {
		return err
	}
	for _, rec := range sp.AllRecords() {
		if rec.Status == slottedpage.Found {
			visit(append([]byte(nil), rec.Bytes...))
		}
	}
	return nil
}

// Hash joins left and right by partitioning both into the same number of
// buckets and pairwise nested-loop-joining matching buckets, per spec.md
// §4.5's "hash join" algorithm. If the left side already fits comfortably in
// cache (<= 0.8 * capacity pages), it falls back to BlockNestedLoop directly,
// since partitioning would cost more than it saves.
func Hash(cache *buffercache.Cache, cat *catalog.Catalog, left, right Operand) (*Result, error) {
	capacity := cache.Capacity()
	leftPages, err := cat.PageCount(left.Table)
	if err != nil {
		return nil, err
	}
	threshold := int(0.8 * float64(capacity))
	if capacity == 0 || leftPages <= threshold {
		return BlockNestedLoop(cache, cat, left, right)
	}
	numBuckets := leftPages / threshold
	if leftPages%threshold != 0 {
		numBuckets++
	}
	if numBuckets < 1 {
		numBuckets = 1
	}

	leftPart := hashop.New(cache, cat, hashop.KeyFunc(left.Key), numBuckets)
	prefix := fmt.Sprintf("__hashjoin_%s_%s", left.Table, right.Table)
	leftBuckets, err := leftPart.Build(left.Table, prefix+"_l")
	if err != nil {
		return nil, err
	}
	rightPart := hashop.New(cache, cat, hashop.KeyFunc(right.Key), numBuckets)
	rightBuckets, err := rightPart.Build(right.Table, prefix+"_r")
	if err != nil {
		return nil, err
	}

	var pairs []Pair
	for i := 0; i < numBuckets; i++ {
		res, err := BlockNestedLoop(cache, cat, Operand{Table: leftBuckets[i], Key: left.Key}, Operand{Table: rightBuckets[i], Key: right.Key})
		if err != nil {
			return nil, err
		}
		for res.Next() {
			pairs = append(pairs, res.Pair())
		}
		res.Close()
	}
	closer := func() error {
		for _, t := range leftBuckets {
			cat.DeleteTable(t)
		}
		for _, t := range rightBuckets {
			cat.DeleteTable(t)
		}
		return nil
	}
	return newResult(pairs, closer), nil
}

// SortMerge joins left and right by sorting both on their join key and
// merging the two sorted streams: the smaller-keyed side advances until keys
// meet, and every pair of records sharing an equal key (on either side) is
// emitted before either side advances past it.
func SortMerge(cache *buffercache.Cache, cat *catalog.Catalog, left, right Operand) (*Result, error) {
	sortedLeft := "__sortmerge_left_" + left.Table
	sortedRight := "__sortmerge_right_" + right.Table
	cat.DeleteTable(sortedLeft)  // clear any stale run from a prior, unclosed join
	cat.DeleteTable(sortedRight)

	leftSorter := sortop.New(cache, cat, func(a, b []byte) bool { return bytes.Compare(left.Key(a), left.Key(b)) < 0 })
	if err := leftSorter.Sort(left.Table, sortedLeft); err != nil {
		return nil, err
	}
	rightSorter := sortop.New(cache, cat, func(a, b []byte) bool { return bytes.Compare(right.Key(a), right.Key(b)) < 0 })
	if err := rightSorter.Sort(right.Table, sortedRight); err != nil {
		cat.DeleteTable(sortedLeft)
		return nil, err
	}

	var leftRecs, rightRecs [][]byte
	if err := cat.FullScan(sortedLeft, func(_ int32, rec slottedpage.Record) error {
		leftRecs = append(leftRecs, rec.Bytes)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := cat.FullScan(sortedRight, func(_ int32, rec slottedpage.Record) error {
		rightRecs = append(rightRecs, rec.Bytes)
		return nil
	}); err != nil {
		return nil, err
	}

	var pairs []Pair
	i, j := 0, 0
	for i < len(leftRecs) && j < len(rightRecs) {
		lk, rk := left.Key(leftRecs[i]), right.Key(rightRecs[j])
		switch bytes.Compare(lk, rk) {
		case -1:
			i++
		case 1:
			j++
		default:
			lEnd := i
			for lEnd < len(leftRecs) && bytes.Equal(left.Key(leftRecs[lEnd]), lk) {
				lEnd++
			}
			rEnd := j
			for rEnd < len(rightRecs) && bytes.Equal(right.Key(rightRecs[rEnd]), rk) {
				rEnd++
			}
			for a := i; a < lEnd; a++ {
				for b := j; b < rEnd; b++ {
					pairs = append(pairs, Pair{Left: leftRecs[a], Right: rightRecs[b]})
				}
			}
			i, j = lEnd, rEnd
		}
	}

	closer := func() error {
		cat.DeleteTable(sortedLeft)
		cat.DeleteTable(sortedRight)
		return nil
	}
	return newResult(pairs, closer), nil
}
