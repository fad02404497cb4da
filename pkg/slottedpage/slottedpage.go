// Package slottedpage implements the on-page record directory described in
// spec.md §4.2: a fixed-width header, a growing-forward slot directory of
// signed offsets, and records packed backward from the page tail, with
// in-place updates that shift trailing records to make room.
package slottedpage

import (
	"encoding/binary"
	"errors"

	"github.com/dbkernel/storage-engine/pkg/storage"
)

// PutStatus is the outcome of a PutRecord call.
type PutStatus int

const (
	// OK indicates the record was written at the returned slot id.
	OK PutStatus = iota
	// OutOfSpace indicates the record wouldn't fit on this page.
	OutOfSpace
	// OutOfRange indicates the given slot id was neither an existing slot
	// nor the append position.
	OutOfRange
)

// GetStatus is the outcome of a GetRecord call.
type GetStatus int

const (
	// Found indicates the returned bytes are a live record.
	Found GetStatus = iota
	// Deleted indicates the slot was tombstoned.
	Deleted
	// NotFound indicates the slot id is out of range.
	NotFound
)

// directorySize bytes live at the front of every header, regardless of the
// header's overall width.
const directorySizeWidth = 4

var (
	// ErrHeaderTooNarrow is returned when a caller asks for a header
	// narrower than the mandatory directory-size field.
	ErrHeaderTooNarrow = errors.New("slottedpage: header size must be >= 4 bytes")
	// ErrSlotOutOfRange is returned by GetHeader/PutHeader bounds checks.
	ErrSlotOutOfRange = errors.New("slottedpage: slot id out of range")
	// ErrNotWorkingCopy is returned when Reset is called on a page that was
	// not constructed as a working copy of a source page.
	ErrNotWorkingCopy = errors.New("slottedpage: page has no source to reset from")
)

// Record pairs a slot id with its status and, if live, its bytes.
type Record struct {
	SlotID int32
	Status GetStatus
	Bytes  []byte
}

// Page wraps a storage.Page with the slotted record directory. The client
// may request a header wider than the mandatory 4 bytes to store subsystem
// metadata (e.g. the catalog's linked-directory header).
type Page struct {
	page       *storage.Page
	headerSize int64
	source     *storage.Page // non-nil if this Page is a working copy
}

// New wraps raw with the slotted-page directory, using headerSize bytes of
// header (config.DefaultHeaderSize if the caller passes 0).
func New(raw *storage.Page, headerSize int64) (*Page, error) {
	if headerSize != 0 && headerSize < directorySizeWidth {
		return nil, ErrHeaderTooNarrow
	}
	if headerSize == 0 {
		headerSize = directorySizeWidth
	}
	return &Page{page: raw, headerSize: headerSize}, nil
}

// NewWorkingCopy wraps a clone of src, retaining src as the Reset source.
func NewWorkingCopy(src *storage.Page, headerSize int64) (*Page, error) {
	sp, err := New(src.Clone(), headerSize)
	if err != nil {
		return nil, err
	}
	sp.source = src
	return sp, nil
}

// Raw returns the underlying storage page.
func (p *Page) Raw() *storage.Page {
	return p.page
}

func (p *Page) directorySize() int32 {
	return int32(binary.LittleEndian.Uint32(p.page.Data()[0:4]))
}

func (p *Page) setDirectorySize(n int32) {
	binary.LittleEndian.PutUint32(p.page.Data()[0:4], uint32(n))
}

func (p *Page) slotOffsetPos(slot int32) int64 {
	return p.headerSize + int64(slot)*4
}

func (p *Page) readSlotOffset(slot int32) int32 {
	pos := p.slotOffsetPos(slot)
	return int32(binary.LittleEndian.Uint32(p.page.Data()[pos : pos+4]))
}

func (p *Page) writeSlotOffset(slot int32, offset int32) {
	pos := p.slotOffsetPos(slot)
	binary.LittleEndian.PutUint32(p.page.Data()[pos:pos+4], uint32(offset))
}

// lastRecordOffset is the smallest (tail-most) live byte offset currently in
// use, i.e. where the next record would be appended from. A page with no
// records has its tail at storage.PageSize.
func (p *Page) lastRecordOffset() int64 {
	n := p.directorySize()
	min := storage.PageSize
	for i := int32(0); i < n; i++ {
		off := p.readSlotOffset(i)
		if off < 0 {
			off = -off
		}
		if int64(off) < min {
			min = int64(off)
		}
	}
	return min
}

// FreeSpace returns the number of bytes available for a new record,
// always >= 0.
func (p *Page) FreeSpace() int64 {
	n := int64(p.directorySize())
	free := p.lastRecordOffset() - n*4 - p.headerSize
	if free < 0 {
		free = 0
	}
	return free
}

// recordLen returns the length of slot's record, whose front offset is off:
// the distance from off to the next-larger offset of any other slot (or to
// the page end if no other slot lies beyond it).
func (p *Page) recordLen(slot int32, off int32) int32 {
	n := p.directorySize()
	next := int32(storage.PageSize)
	for i := int32(0); i < n; i++ {
		if i == slot {
			continue
		}
		o := p.readSlotOffset(i)
		if o < 0 {
			o = -o
		}
		if o > off && o < next {
			next = o
		}
	}
	return next - off
}

// PutRecord writes data at slotID. slotID == -1 or slotID == directory size
// appends a new slot; otherwise the existing slot at slotID is updated in
// place, shifting trailing records by the size delta. No change is made if
// the resulting free space would go negative.
func (p *Page) PutRecord(data []byte, slotID int32) (PutStatus, int32) {
	n := p.directorySize()
	if slotID == -1 {
		slotID = n
	}
	if slotID < 0 || slotID > n {
		return OutOfRange, 0
	}
	if slotID == n {
		return p.appendRecord(data)
	}
	return p.updateRecord(slotID, data)
}

func (p *Page) appendRecord(data []byte) (PutStatus, int32) {
	n := p.directorySize()
	need := int64(len(data)) + 4 // new slot entry plus record bytes
	if need > p.FreeSpace() {
		return OutOfSpace, 0
	}
	tail := p.lastRecordOffset()
	newOffset := tail - int64(len(data))
	copy(p.page.Data()[newOffset:newOffset+int64(len(data))], data)
	p.writeSlotOffset(n, int32(newOffset))
	p.setDirectorySize(n + 1)
	return OK, n
}

func (p *Page) updateRecord(slot int32, data []byte) (PutStatus, int32) {
	rawOff := p.readSlotOffset(slot)
	off := rawOff
	tombstoned := off < 0
	if tombstoned {
		off = -off
	}
	oldLen := p.recordLen(slot, off)
	delta := int64(len(data)) - int64(oldLen)
	if tombstoned {
		// Reviving a tombstone: treat as if oldLen were 0 for space math,
		// since the tombstone's bytes are logically gone already, but we
		// still need room for the new bytes.
		delta = int64(len(data))
	}
	if p.FreeSpace()-delta < 0 {
		return OutOfSpace, 0
	}
	// Shift every record whose offset is more tail-ward (smaller) than off
	// by -delta, in the order chosen below, to keep the pack contiguous.
	n := p.directorySize()
	type rec struct {
		slot int32
		off  int32
		neg  bool
	}
	recs := make([]rec, 0, n)
	for i := int32(0); i < n; i++ {
		o := p.readSlotOffset(i)
		neg := o < 0
		if neg {
			o = -o
		}
		if i != slot && o < off {
			recs = append(recs, rec{i, o, neg})
		}
	}
	// Growing (delta>0) shifts every trailing record to a smaller offset, so
	// processing smallest-offset-first never clobbers a record still to be
	// read. Shrinking (delta<0) shifts them to a larger offset instead, so
	// the order must flip: largest-offset-first, or the first move would
	// overwrite the next record's unread bytes.
	for i := 0; i < len(recs); i++ {
		for j := i + 1; j < len(recs); j++ {
			swap := recs[j].off < recs[i].off
			if delta < 0 {
				swap = recs[j].off > recs[i].off
			}
			if swap {
				recs[i], recs[j] = recs[j], recs[i]
			}
		}
	}
	buf := p.page.Data()
	for _, r := range recs {
		l := p.recordLen(r.slot, r.off)
		src := make([]byte, l)
		copy(src, buf[r.off:int32(r.off)+l])
		newOff := int32(int64(r.off) - delta)
		copy(buf[newOff:int32(newOff)+l], src)
		signed := newOff
		if r.neg {
			signed = -signed
		}
		p.writeSlotOffset(r.slot, signed)
	}
	newOff := int32(int64(off) - delta)
	copy(buf[newOff:int32(newOff)+int32(len(data))], data)
	p.writeSlotOffset(slot, newOff)
	return OK, slot
}

// GetRecord returns the record at slotID.
func (p *Page) GetRecord(slotID int32) (GetStatus, []byte) {
	n := p.directorySize()
	if slotID < 0 || slotID >= n {
		return NotFound, nil
	}
	off := p.readSlotOffset(slotID)
	if off < 0 {
		return Deleted, nil
	}
	l := p.recordLen(slotID, off)
	out := make([]byte, l)
	copy(out, p.page.Data()[off:off+l])
	return Found, out
}

// DeleteRecord flips the slot's offset sign, tombstoning it. The record
// bytes are left in place until a later PutRecord through this slot shifts
// them away.
func (p *Page) DeleteRecord(slotID int32) error {
	n := p.directorySize()
	if slotID < 0 || slotID >= n {
		return ErrSlotOutOfRange
	}
	off := p.readSlotOffset(slotID)
	if off < 0 {
		return nil // already deleted
	}
	p.writeSlotOffset(slotID, -off)
	return nil
}

// AllRecords enumerates every slot with its status.
func (p *Page) AllRecords() []Record {
	n := p.directorySize()
	out := make([]Record, 0, n)
	for i := int32(0); i < n; i++ {
		status, bytes := p.GetRecord(i)
		out = append(out, Record{SlotID: i, Status: status, Bytes: bytes})
	}
	return out
}

// Clear zeroes the buffer and resets the directory to empty.
func (p *Page) Clear() {
	buf := p.page.Data()
	for i := range buf {
		buf[i] = 0
	}
}

// PutHeader writes data into the header area starting at offset (offset is
// relative to the end of the mandatory directory-size field, i.e. offset 0
// is byte 4 of the page).
func (p *Page) PutHeader(offset int64, data []byte) error {
	if directorySizeWidth+offset < 0 || directorySizeWidth+offset+int64(len(data)) > p.headerSize {
		return ErrSlotOutOfRange
	}
	copy(p.page.Data()[directorySizeWidth+offset:], data)
	return nil
}

// GetHeader reads n bytes from the header area starting at offset.
func (p *Page) GetHeader(offset int64, n int64) ([]byte, error) {
	if directorySizeWidth+offset < 0 || directorySizeWidth+offset+n > p.headerSize {
		return nil, ErrSlotOutOfRange
	}
	out := make([]byte, n)
	copy(out, p.page.Data()[directorySizeWidth+offset:directorySizeWidth+offset+n])
	return out, nil
}

// Reset overwrites this page's bytes from its source page, if this Page was
// constructed as a working copy via NewWorkingCopy. Used by the transaction
// layer to revert aborted changes.
func (p *Page) Reset() error {
	if p.source == nil {
		return ErrNotWorkingCopy
	}
	p.page.CopyFrom(p.source)
	return nil
}

// HeaderSize returns the width, in bytes, of this page's header area.
func (p *Page) HeaderSize() int64 {
	return p.headerSize
}
