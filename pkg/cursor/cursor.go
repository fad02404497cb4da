// Package cursor defines a lazy-sequence iteration contract over byte-slice
// records, per spec.md §9's "lazy sequences... finite, not restartable"
// design note. The operators do not implement it: btreeindex.Cursor and
// joinop.Result follow the same Next/Close shape with their own accessors
// (PageID, Pair), and hashop's Find returns a plain slice.
package cursor

// Cursor traverses a finite, non-restartable sequence of byte-slice records,
// releasing any pinned pages it holds when Close is called.
type Cursor interface {
	// Next advances the cursor, returning false once the sequence is
	// exhausted.
	Next() bool
	// Entry returns the record at the cursor's current position. Valid only
	// after a Next call that returned true.
	Entry() ([]byte, error)
	// Close releases any resources (pinned pages, open run tables) the
	// cursor holds. Safe to call more than once.
	Close() error
}

// SliceCursor adapts an in-memory slice of records to the Cursor interface,
// for callers (tests, small lookups) that already hold every result.
type SliceCursor struct {
	records [][]byte
	pos     int
}

// NewSliceCursor wraps records for sequential Cursor-style iteration.
func NewSliceCursor(records [][]byte) *SliceCursor {
	return &SliceCursor{records: records, pos: -1}
}

func (s *SliceCursor) Next() bool {
	s.pos++
	return s.pos < len(s.records)
}

func (s *SliceCursor) Entry() ([]byte, error) {
	return s.records[s.pos], nil
}

func (s *SliceCursor) Close() error {
	return nil
}
