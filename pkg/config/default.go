// Package config collects the tunable constants shared across the storage
// engine: page geometry, reserved id ranges, and cache/cost defaults.
package config

// Name of the database engine.
const DBName = "dinodb"

// PageSize is the size, in bytes, of every page the engine ever allocates.
const PageSize int64 = 4096

// DefaultHeaderSize is the width, in bytes, of a slotted page's subsystem
// header when the caller doesn't ask for a wider one. The first 4 bytes of
// every header are always the directory size.
const DefaultHeaderSize int64 = 4

// CatalogHeaderSize is the header width used by linked catalog pages, which
// additionally track their directory chain's last page and their own next
// page.
const CatalogHeaderSize int64 = 12

// ZeroPageHeaderSize is the header width of the reserved zero page, which
// tracks the free catalog/data page counters.
const ZeroPageHeaderSize int64 = 12

// ReservedIDRange is the number of page ids set aside at the bottom of the
// id space for root/catalog bookkeeping pages, matching the external
// interface's reserved region.
const ReservedIDRange int32 = 4096

// NameTableOID and AttributeTableOID are the two permanently reserved
// system-table object ids.
const (
	NameTableOID      int32 = 0
	AttributeTableOID int32 = 1
)

// MaxPagesInBuffer is the default number of pages a buffer cache will hold
// resident at once.
const MaxPagesInBuffer = 32

// RandomAccessCost is the abstract cost, in time-units, charged for a single
// random page access against storage.
const RandomAccessCost float64 = 5.0

// SequentialAccessCost is the additional abstract cost, per page, charged for
// participating in a bulk (sequential) operation.
const SequentialAccessCost float64 = 1.3

// DefaultSegmentSize is the size of one segment file in the file-backed
// storage variant (16 MiB).
const DefaultSegmentSize int64 = 16 * 1024 * 1024

// DefaultMergeWindow is the number of pages each run iterator prefetches into
// the buffer cache at a time during the merge phase of external sort. The
// prefetched pages are not pinned; the iterator pins one page only while it
// copies that page's records out.
const DefaultMergeWindow = 10

// Name of the write-ahead log file.
const LogFileName = "db.log"
