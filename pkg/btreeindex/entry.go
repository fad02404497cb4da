package btreeindex

import (
	"github.com/dbkernel/storage-engine/pkg/record"
)

// KeyFunc extracts the sortable key bytes an index is built on from a
// data-table record.
type KeyFunc func(record []byte) []byte

// Compare orders two key byte-slices, returning <0, 0, or >0 the way
// bytes.Compare does. Index callers supply their own so int-typed and
// string-typed keys both get a correct total order instead of a raw
// byte-for-byte compare.
type Compare func(a, b []byte) int

// indexEntry is one (key, value, discriminator) triple, matching the B-tree
// leaf record layout of spec.md §6: discriminator 0 means value is a data
// page id directly; a non-zero discriminator means value is the negated
// head page of an overflow run and discriminator is that run's id.
type indexEntry struct {
	key           []byte
	value         int32
	discriminator int32
}

func encodeEntry(e indexEntry) []byte {
	return record.NewBuilder().
		PutString(string(e.key)).
		PutInt32(e.value).
		PutInt32(e.discriminator).
		Bytes()
}

func decodeEntry(b []byte) (indexEntry, error) {
	r := record.NewReader(b)
	key, err := r.String()
	if err != nil {
		return indexEntry{}, err
	}
	value, err := r.Int32()
	if err != nil {
		return indexEntry{}, err
	}
	disc, err := r.Int32()
	if err != nil {
		return indexEntry{}, err
	}
	return indexEntry{key: []byte(key), value: value, discriminator: disc}, nil
}

// overflowRecord is one record of an overflow run table: a run head
// (marker = run id > 0, page = run length) or a continuation
// (marker = -1, page = a data page id belonging to the run).
type overflowRecord struct {
	marker int32
	page   int32
}

func encodeOverflow(o overflowRecord) []byte {
	return record.NewBuilder().PutInt32(o.marker).PutInt32(o.page).Bytes()
}

func decodeOverflow(b []byte) (overflowRecord, error) {
	r := record.NewReader(b)
	marker, err := r.Int32()
	if err != nil {
		return overflowRecord{}, err
	}
	page, err := r.Int32()
	if err != nil {
		return overflowRecord{}, err
	}
	return overflowRecord{marker: marker, page: page}, nil
}
