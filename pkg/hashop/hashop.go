// Package hashop implements the hash build/bucket operator of spec.md
// §4.5: a partitioner that fans input records out into one temporary
// table per bucket by hashing a caller-supplied key, and a Find lookup
// that only ever scans the single bucket a key could be in. Keys are
// arbitrary byte slices, and buckets are ordinary catalog-managed temp
// tables rather than a fixed-size page layout tied to one key type.
package hashop

import (
	"fmt"

	"github.com/cespare/xxhash"

	"github.com/dbkernel/storage-engine/pkg/buffercache"
	"github.com/dbkernel/storage-engine/pkg/catalog"
	"github.com/dbkernel/storage-engine/pkg/config"
	"github.com/dbkernel/storage-engine/pkg/slottedpage"
)

// KeyFunc extracts the bytes a record should be hashed and compared on.
type KeyFunc func(record []byte) []byte

// bucketOf hashes key with xxhash and reduces it into [0, numBuckets):
// take xxhash's 64-bit sum as a signed int64, force it non-negative by
// absolute value, then reduce mod numBuckets. This is the resolution
// spec.md §9's open question on negative hashes settles on.
func bucketOf(key []byte, numBuckets int) int {
	h := int64(xxhash.Sum64(key))
	if h < 0 {
		h = -h
	}
	b := h % int64(numBuckets)
	if b < 0 {
		b = -b // h was math.MinInt64, whose negation overflows
	}
	return int(b)
}

// Partitioner builds a fixed number of bucket tables from an input table
// by hashing each record's key.
type Partitioner struct {
	cache      *buffercache.Cache
	cat        *catalog.Catalog
	keyFn      KeyFunc
	numBuckets int
}

// New constructs a Partitioner with numBuckets buckets, extracting each
// record's key via keyFn.
func New(cache *buffercache.Cache, cat *catalog.Catalog, keyFn KeyFunc, numBuckets int) *Partitioner {
	return &Partitioner{cache: cache, cat: cat, keyFn: keyFn, numBuckets: numBuckets}
}

// BucketTableName returns the temp table name Build uses for bucket i
// under the given prefix.
func BucketTableName(prefix string, i int) string {
	return fmt.Sprintf("%s_bucket_%d", prefix, i)
}

// Build scans inputTable once and fans every record out to its bucket
// table (created fresh under prefix), returning the bucket table names in
// bucket-index order.
func (p *Partitioner) Build(inputTable, prefix string) ([]string, error) {
	tables := make([]string, p.numBuckets)
	for i := range tables {
		name := BucketTableName(prefix, i)
		if _, err := p.cat.CreateTable(name); err != nil {
			return nil, err
		}
		tables[i] = name
	}
	err := p.cat.FullScan(inputTable, func(_ int32, rec slottedpage.Record) error {
		b := bucketOf(p.keyFn(rec.Bytes), p.numBuckets)
		return appendRecord(p.cache, p.cat, tables[b], rec.Bytes)
	})
	if err != nil {
		return nil, err
	}
	return tables, nil
}

// Find scans only the bucket key would hash to, returning every record in
// that bucket whose key byte-compares equal.
func (p *Partitioner) Find(bucketTables []string, key []byte) ([][]byte, error) {
	b := bucketOf(key, p.numBuckets)
	if b >= len(bucketTables) {
		return nil, fmt.Errorf("hashop: bucket index %d out of range for %d tables", b, len(bucketTables))
	}
	var out [][]byte
	err := p.cat.FullScan(bucketTables[b], func(_ int32, rec slottedpage.Record) error {
		if bytesEqual(p.keyFn(rec.Bytes), key) {
			out = append(out, rec.Bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// appendRecord writes one record to the last page of table, allocating a
// fresh page from the catalog when the current last page is full. It is
// the same pattern sortop.writeRecords uses, kept as a small local copy
// since each operator owns its own write path rather than sharing one
// across packages.
func appendRecord(cache *buffercache.Cache, cat *catalog.Catalog, table string, rec []byte) error {
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
	status, _ := sp.PutRecord(rec, -1)
	if status == slottedpage.OK {
		err := cache.Put(raw)
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
	defer cache.Unpin(pageID)
	sp, err = slottedpage.New(raw, config.DefaultHeaderSize)
	if err != nil {
		return err
	}
	if s, _ := sp.PutRecord(rec, -1); s != slottedpage.OK {
		return fmt.Errorf("hashop: record too large for an empty page")
	}
	return cache.Put(raw)
}
