package catalog

import (
	"errors"
	"sync"

	"github.com/dbkernel/storage-engine/pkg/buffercache"
	"github.com/dbkernel/storage-engine/pkg/config"
	"github.com/dbkernel/storage-engine/pkg/record"
	"github.com/dbkernel/storage-engine/pkg/slottedpage"
)

// ErrNoSuchTable is returned by lookups naming a table that is absent or
// has been deleted.
var ErrNoSuchTable = errors.New("catalog: no such table")

// ErrTableExists is returned when creating a table name already in use.
var ErrTableExists = errors.New("catalog: table already exists")

type location struct {
	pageID int32
	slotID int32
}

// OidMapping is the name system table living at OID 0: it assigns every
// user table a stable int32 OID and records the name↔OID correspondence,
// with an in-memory memoized lookup index rebuilt from disk on Open.
type OidMapping struct {
	cache *buffercache.Cache
	dir   TablePageDirectory

	mu      sync.Mutex
	byName  map[string]int32
	loc     map[string]location
	nextOid int32
}

// OpenOidMapping rebuilds the in-memory name index by scanning every page
// of the name system table, creating it empty if this is a fresh database.
func OpenOidMapping(cache *buffercache.Cache, dir TablePageDirectory) (*OidMapping, error) {
	m := &OidMapping{
		cache:   cache,
		dir:     dir,
		byName:  make(map[string]int32),
		loc:     make(map[string]location),
		nextOid: config.AttributeTableOID + 1,
	}
	pages, err := dir.Pages(config.NameTableOID)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		if err := dir.Create(config.NameTableOID); err != nil {
			return nil, err
		}
		first, err := dir.AddPages(config.NameTableOID, 1)
		if err != nil {
			return nil, err
		}
		pages = []int32{first}
	}
	for _, pageID := range pages {
		raw, err := cache.GetAndPin(pageID)
		if err != nil {
			return nil, err
		}
		sp, err := slottedpage.New(raw, config.DefaultHeaderSize)
		if err != nil {
			cache.Unpin(pageID)
			return nil, err
		}
		for _, rec := range sp.AllRecords() {
			if rec.Status != slottedpage.Found {
				continue
			}
			oid, name, deleted := decodeNameRecord(rec.Bytes)
			if oid >= m.nextOid {
				m.nextOid = oid + 1
			}
			if deleted {
				delete(m.byName, name)
				delete(m.loc, name)
				continue
			}
			m.byName[name] = oid
			m.loc[name] = location{pageID, rec.SlotID}
		}
		cache.Unpin(pageID)
	}
	return m, nil
}

func decodeNameRecord(b []byte) (oid int32, name string, deleted bool) {
	r := record.NewReader(b)
	oid, _ = r.Int32()
	name, _ = r.String()
	deleted, _ = r.Bool()
	return
}

func encodeNameRecord(oid int32, name string, deleted bool) []byte {
	return record.NewBuilder().PutInt32(oid).PutString(name).PutBool(deleted).Bytes()
}

// Lookup returns the OID for a live table name.
func (m *OidMapping) Lookup(name string) (int32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oid, ok := m.byName[name]
	return oid, ok
}

// Exists reports whether name currently names a live table.
func (m *OidMapping) Exists(name string) bool {
	_, ok := m.Lookup(name)
	return ok
}

// Create assigns name a fresh OID and persists the mapping, failing if name
// is already in use.
func (m *OidMapping) Create(name string) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[name]; ok {
		return 0, ErrTableExists
	}
	oid := m.nextOid
	m.nextOid++

	pages, err := m.dir.Pages(config.NameTableOID)
	if err != nil {
		return 0, err
	}
	pageID := pages[len(pages)-1]
	raw, err := m.cache.GetAndPin(pageID)
	if err != nil {
		return 0, err
	}
	defer m.cache.Unpin(pageID)
	sp, err := slottedpage.New(raw, config.DefaultHeaderSize)
	if err != nil {
		return 0, err
	}
	status, slot := sp.PutRecord(encodeNameRecord(oid, name, false), -1)
	if status != slottedpage.OK {
		newPageID, err := m.dir.AddPages(config.NameTableOID, 1)
		if err != nil {
			return 0, err
		}
		newRaw, err := m.cache.GetAndPin(newPageID)
		if err != nil {
			return 0, err
		}
		defer m.cache.Unpin(newPageID)
		newSP, err := slottedpage.New(newRaw, config.DefaultHeaderSize)
		if err != nil {
			return 0, err
		}
		status, slot = newSP.PutRecord(encodeNameRecord(oid, name, false), -1)
		if status != slottedpage.OK {
			return 0, errors.New("catalog: name system table record too large to fit a fresh page")
		}
		if err := m.cache.Put(newRaw); err != nil {
			return 0, err
		}
		pageID = newPageID
	} else if err := m.cache.Put(raw); err != nil {
		return 0, err
	}

	m.byName[name] = oid
	m.loc[name] = location{pageID, slot}
	return oid, nil
}

// Delete removes name from the mapping by tombstoning its record.
func (m *OidMapping) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.loc[name]
	if !ok {
		return ErrNoSuchTable
	}
	raw, err := m.cache.GetAndPin(loc.pageID)
	if err != nil {
		return err
	}
	defer m.cache.Unpin(loc.pageID)
	sp, err := slottedpage.New(raw, config.DefaultHeaderSize)
	if err != nil {
		return err
	}
	if err := sp.DeleteRecord(loc.slotID); err != nil {
		return err
	}
	delete(m.byName, name)
	delete(m.loc, name)
	return m.cache.Put(raw)
}
