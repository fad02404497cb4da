package storage

import "github.com/dbkernel/storage-engine/pkg/config"

// PageSize is the fixed number of bytes held by every page in the engine.
const PageSize = config.PageSize

// NoPage is the sentinel id meaning "allocate the next available id" in the
// bulk-write APIs. It must never appear in a persisted reference.
const NoPage int32 = -1

// Page is an independent, in-memory copy of one page's bytes plus its id.
// Storage hands out copies from read/bulk_read; mutating a Page does not
// affect anything until it is written back through write/bulk_write.
type Page struct {
	id   int32
	data []byte
}

// NewPage allocates a zeroed page with the given id.
func NewPage(id int32) *Page {
	return &Page{id: id, data: make([]byte, PageSize)}
}

// ID returns the page's identifier.
func (p *Page) ID() int32 {
	return p.id
}

// Data returns the page's raw byte buffer. Callers that intend to persist a
// mutation must pass the Page back through Storage.Write.
func (p *Page) Data() []byte {
	return p.data
}

// Clone returns an independent copy of this page.
func (p *Page) Clone() *Page {
	cp := &Page{id: p.id, data: make([]byte, len(p.data))}
	copy(cp.data, p.data)
	return cp
}

// CopyFrom overwrites this page's bytes with src's, keeping this page's id.
func (p *Page) CopyFrom(src *Page) {
	copy(p.data, src.data)
}
