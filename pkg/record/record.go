// Package record implements the fixed-width/length-prefixed field encoding
// described in spec.md §6: fixed-width fields write their native bytes,
// strings are length-prefixed (4-byte length, raw bytes), and a record is
// just the concatenation of its field encodings — arbitrarily shaped and
// variable-length, the way the slotted page format stores them.
package record

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated is returned when a buffer ends before a field finishes
// decoding.
var ErrTruncated = errors.New("record: buffer truncated")

// Builder accumulates field encodings into one record's bytes.
type Builder struct {
	buf []byte
}

// NewBuilder returns an empty record Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// PutInt32 appends a fixed-width, little-endian int32 field.
func (b *Builder) PutInt32(v int32) *Builder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// PutInt64 appends a fixed-width, little-endian int64 field.
func (b *Builder) PutInt64(v int64) *Builder {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// PutFloat64 appends a fixed-width, little-endian float64 field.
func (b *Builder) PutFloat64(v float64) *Builder {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], float64bits(v))
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// PutBool appends a fixed-width, one-byte boolean field.
func (b *Builder) PutBool(v bool) *Builder {
	if v {
		b.buf = append(b.buf, 1)
	} else {
		b.buf = append(b.buf, 0)
	}
	return b
}

// PutString appends a length-prefixed string field: a 4-byte length followed
// by the raw bytes.
func (b *Builder) PutString(s string) *Builder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(s)))
	b.buf = append(b.buf, tmp[:]...)
	b.buf = append(b.buf, s...)
	return b
}

// Bytes returns the built record.
func (b *Builder) Bytes() []byte {
	return b.buf
}

// Reader decodes fields out of a record's bytes in the order they were
// written.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential field decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Int32 decodes the next fixed-width int32 field.
func (r *Reader) Int32() (int32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, ErrTruncated
	}
	v := int32(binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4]))
	r.pos += 4
	return v, nil
}

// Int64 decodes the next fixed-width int64 field.
func (r *Reader) Int64() (int64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, ErrTruncated
	}
	v := int64(binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8]))
	r.pos += 8
	return v, nil
}

// Float64 decodes the next fixed-width float64 field.
func (r *Reader) Float64() (float64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, ErrTruncated
	}
	v := float64frombits(binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8]))
	r.pos += 8
	return v, nil
}

// Bool decodes the next fixed-width boolean field.
func (r *Reader) Bool() (bool, error) {
	if r.pos+1 > len(r.buf) {
		return false, ErrTruncated
	}
	v := r.buf[r.pos] != 0
	r.pos++
	return v, nil
}

// String decodes the next length-prefixed string field.
func (r *Reader) String() (string, error) {
	if r.pos+4 > len(r.buf) {
		return "", ErrTruncated
	}
	n := int(binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4]))
	r.pos += 4
	if r.pos+n > len(r.buf) {
		return "", ErrTruncated
	}
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}

// Remaining returns how many bytes are left undecoded.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}
