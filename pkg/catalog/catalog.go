// Package catalog implements the table-access layer of spec.md §4.4: a
// name↔OID mapping living on the reserved name system table (OID 0), and a
// TablePageDirectory mapping each OID to its ordered data pages. It
// generalizes table create/lookup bookkeeping into a choice between the
// illustrative single-page directory and the production linked directory,
// per spec.md §9's design note on runtime-selectable components.
package catalog

import (
	"github.com/dbkernel/storage-engine/pkg/buffercache"
	"github.com/dbkernel/storage-engine/pkg/config"
	"github.com/dbkernel/storage-engine/pkg/slottedpage"
)

// DirectoryMode selects which TablePageDirectory implementation a Catalog
// uses for every table it manages.
type DirectoryMode int

const (
	// Simple selects the single-page directory.
	Simple DirectoryMode = iota
	// Linked selects the production chained directory.
	Linked
)

// Catalog is the table-access entry point: it owns the name system table
// and the page directory for every user table.
type Catalog struct {
	cache *buffercache.Cache
	zero  *ZeroPage
	dir   TablePageDirectory
	oids  *OidMapping
}

// Open rebuilds (or initializes, on a fresh database) a Catalog over cache
// using the given directory implementation.
func Open(cache *buffercache.Cache, mode DirectoryMode) (*Catalog, error) {
	zero, err := OpenZeroPage(cache)
	if err != nil {
		return nil, err
	}
	var dir TablePageDirectory
	switch mode {
	case Simple:
		dir = NewSimpleDirectory(cache, newPageAllocator(zero))
	default:
		dir = NewLinkedDirectory(cache, zero)
	}
	oids, err := OpenOidMapping(cache, dir)
	if err != nil {
		return nil, err
	}
	return &Catalog{cache: cache, zero: zero, dir: dir, oids: oids}, nil
}

// CreateTable assigns name a fresh OID, initializes its directory, and
// allocates its first data page.
func (c *Catalog) CreateTable(name string) (int32, error) {
	oid, err := c.oids.Create(name)
	if err != nil {
		return 0, err
	}
	if err := c.dir.Create(oid); err != nil {
		return 0, err
	}
	if _, err := c.dir.AddPages(oid, 1); err != nil {
		return 0, err
	}
	return oid, nil
}

// TableExists reports whether name currently names a live table.
func (c *Catalog) TableExists(name string) bool {
	return c.oids.Exists(name)
}

// OID returns the OID bound to name.
func (c *Catalog) OID(name string) (int32, error) {
	oid, ok := c.oids.Lookup(name)
	if !ok {
		return 0, ErrNoSuchTable
	}
	return oid, nil
}

// DeleteTable removes name from the catalog. Its data and directory pages
// are left allocated rather than reclaimed: the zero page's counters are
// append-only, and there is no free-page list to return them to.
func (c *Catalog) DeleteTable(name string) error {
	return c.oids.Delete(name)
}

// PageCount returns how many data pages name's directory currently lists.
func (c *Catalog) PageCount(name string) (int, error) {
	oid, err := c.OID(name)
	if err != nil {
		return 0, err
	}
	pages, err := c.dir.Pages(oid)
	if err != nil {
		return 0, err
	}
	return len(pages), nil
}

// Pages returns the ordered data page ids belonging to name.
func (c *Catalog) Pages(name string) ([]int32, error) {
	oid, err := c.OID(name)
	if err != nil {
		return nil, err
	}
	return c.dir.Pages(oid)
}

// AddPage allocates and appends one new data page to name's directory,
// returning the new page's id.
func (c *Catalog) AddPage(name string) (int32, error) {
	oid, err := c.OID(name)
	if err != nil {
		return 0, err
	}
	return c.dir.AddPages(oid, 1)
}

// FullScan visits every live record of name's table, page by page, calling
// consumer with the page it was found on. consumer is called strictly
// serially in page order; returning an error from consumer halts the scan.
func (c *Catalog) FullScan(name string, consumer func(pageID int32, rec slottedpage.Record) error) error {
	pages, err := c.Pages(name)
	if err != nil {
		return err
	}
	for _, pageID := range pages {
		if err := c.scanPage(pageID, consumer); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) scanPage(pageID int32, consumer func(int32, slottedpage.Record) error) error {
	raw, err := c.cache.GetAndPin(pageID)
	if err != nil {
		return err
	}
	defer c.cache.Unpin(pageID)
	sp, err := slottedpage.New(raw, config.DefaultHeaderSize)
	if err != nil {
		return err
	}
	for _, rec := range sp.AllRecords() {
		if rec.Status != slottedpage.Found {
			continue
		}
		if err := consumer(pageID, rec); err != nil {
			return err
		}
	}
	return nil
}

// ZeroPage exposes the shared page-id allocator, for operators (sort,
// hash, B-tree) that need scratch tables of their own.
func (c *Catalog) ZeroPage() *ZeroPage {
	return c.zero
}
