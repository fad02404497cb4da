package txn

import (
	"sync"

	"github.com/dbkernel/storage-engine/pkg/buffercache"
	"github.com/dbkernel/storage-engine/pkg/storage"
)

// Manager arbitrates every transaction's access to a buffercache.Cache
// through a Scheduler and records everything in a WAL, per spec.md §4.6:
// it starts a transaction by allocating the next descriptor and telling
// the WAL, then returns a handle that intercepts every read/write; on
// write it consults the scheduler, fires the WAL before-hook, performs
// the write, and fires the after-hook; on commit/abort it invokes the
// scheduler (which returns waiters), invokes the corresponding WAL hook,
// then publishes the transaction's completion. Suspension is cooperative:
// a blocked caller parks on a per-transaction channel and is woken when
// its blocker commits or aborts, rather than blocking on a shared lock.
type Manager struct {
	mu        sync.Mutex
	cache     *buffercache.Cache
	scheduler Scheduler
	wal       *WAL

	next      Descriptor
	snapshots map[Descriptor]map[int32]*storage.Page // first-pin bytes, for abort-revert
	modified  map[Descriptor]map[int32]bool
	done      map[Descriptor]chan struct{}
}

// NewManager constructs a Manager over cache, arbitrating with scheduler and
// journaling through wal.
func NewManager(cache *buffercache.Cache, scheduler Scheduler, wal *WAL) *Manager {
	return &Manager{
		cache:     cache,
		scheduler: scheduler,
		wal:       wal,
		snapshots: make(map[Descriptor]map[int32]*storage.Page),
		modified:  make(map[Descriptor]map[int32]bool),
		done:      make(map[Descriptor]chan struct{}),
	}
}

// Begin allocates the next transaction descriptor, registers it with the
// scheduler, journals its start, and returns a Txn handle scoped to it.
func (m *Manager) Begin() (*Txn, error) {
	m.mu.Lock()
	m.next++
	id := m.next
	m.scheduler.Begin(id)
	m.snapshots[id] = make(map[int32]*storage.Page)
	m.modified[id] = make(map[int32]bool)
	m.done[id] = make(chan struct{})
	m.mu.Unlock()

	if err := m.wal.TransactionStarted(id); err != nil {
		return nil, err
	}
	return &Txn{mgr: m, id: id}, nil
}

// wait blocks the caller until blocker's completion channel closes. Used by
// readPage/writePage when the scheduler returns Wait; their loops then ask
// the scheduler again.
func (m *Manager) wait(blocker Descriptor) {
	m.mu.Lock()
	ch, ok := m.done[blocker]
	m.mu.Unlock()
	if !ok {
		return // blocker already finished between the decision and here
	}
	<-ch
}

// readPage arbitrates and serves a read of page on behalf of txn, taking a
// first-pin snapshot of the page's bytes so an eventual abort can revert
// them — the snapshot must happen here, at pin time, because callers
// mutate a pinned page's bytes in place before ever calling writePage.
func (m *Manager) readPage(txn Descriptor, page int32) (*storage.Page, error) {
	for {
		res := m.scheduler.Read(txn, page)
		switch res.Decision {
		case OK:
			p, err := m.cache.GetAndPin(res.PageID)
			if err != nil {
				return nil, err
			}
			m.snapshotIfAbsent(txn, res.PageID, p)
			return p, nil
		case Abort:
			return nil, ErrAborted
		case Wait:
			m.wait(res.BlockingTxn)
		}
	}
}

func (m *Manager) snapshotIfAbsent(txn Descriptor, page int32, p *storage.Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[txn][page]; ok {
		return
	}
	m.snapshots[txn][page] = p.Clone()
}

// writePage arbitrates, journals, and marks page dirty on behalf of txn.
// The caller must have already mutated the pinned page's bytes in place;
// writePage's job is the bookkeeping (lock arbitration, before/after WAL
// hooks, dirty flag), matching spec.md §4.6's write sequence.
func (m *Manager) writePage(txn Descriptor, page int32) error {
	for {
		res := m.scheduler.Write(txn, page)
		switch res.Decision {
		case OK:
			if err := m.wal.BeforePageWrite(txn, page); err != nil {
				return err
			}
			m.cache.MarkDirty(page)
			if err := m.wal.AfterPageWrite(txn, page); err != nil {
				return err
			}
			m.mu.Lock()
			m.modified[txn][page] = true
			m.mu.Unlock()
			if res.Commit != nil {
				if err := res.Commit(); err != nil {
					return err
				}
			}
			return nil
		case Abort:
			return ErrAborted
		case Wait:
			m.wait(res.BlockingTxn)
		}
	}
}

// commit finalizes txn: asks the scheduler to release its locks (collecting
// the transactions that were waiting on it), journals the commit with the
// final modified-page set, and wakes every waiter.
func (m *Manager) commit(txn Descriptor) error {
	m.mu.Lock()
	modified := pageSet(m.modified[txn])
	m.mu.Unlock()

	waiters := m.scheduler.Commit(txn)
	if err := m.wal.TransactionCommitted(txn, modified); err != nil {
		return err
	}
	m.finish(txn, waiters)
	return nil
}

// abort finalizes txn: reverts every page it modified to its first-pin
// snapshot, releases its locks, journals the abort, and wakes every waiter.
func (m *Manager) abort(txn Descriptor) error {
	m.mu.Lock()
	modified := pageSet(m.modified[txn])
	snaps := m.snapshots[txn]
	m.mu.Unlock()

	for _, page := range modified {
		snap, ok := snaps[page]
		if !ok {
			continue
		}
		p, err := m.cache.GetAndPin(page)
		if err != nil {
			return err
		}
		p.CopyFrom(snap)
		m.cache.MarkDirty(page)
		m.cache.Unpin(page)
	}

	waiters := m.scheduler.Abort(txn)
	if err := m.wal.TransactionAborted(txn, modified); err != nil {
		return err
	}
	m.finish(txn, waiters)
	return nil
}

func (m *Manager) finish(txn Descriptor, waiters []Descriptor) {
	m.mu.Lock()
	ch := m.done[txn]
	delete(m.done, txn)
	delete(m.snapshots, txn)
	delete(m.modified, txn)
	m.mu.Unlock()
	close(ch)
	_ = waiters // waiters wake via the closed channel; nothing further to do
}

// LiveModified reports whether page is modified by any still-live
// transaction, for wiring into a RevertableStorage so the cache never
// flushes uncommitted bytes to disk ahead of commit or abort.
func (m *Manager) LiveModified(page int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pages := range m.modified {
		if pages[page] {
			return true
		}
	}
	return false
}

func pageSet(set map[int32]bool) []int32 {
	pages := make([]int32, 0, len(set))
	for p := range set {
		pages = append(pages, p)
	}
	return pages
}

// Txn is a handle to one live transaction, returned by Manager.Begin. All
// page access during the transaction's lifetime must go through it rather
// than the Cache directly, so the Manager can arbitrate and journal every
// access.
type Txn struct {
	mgr *Manager
	id  Descriptor
}

// ID returns the transaction's descriptor.
func (t *Txn) ID() Descriptor { return t.id }

// Read pins and returns page, after scheduler arbitration.
func (t *Txn) Read(page int32) (*storage.Page, error) {
	return t.mgr.readPage(t.id, page)
}

// Unpin releases a pin taken by Read.
func (t *Txn) Unpin(page int32) error {
	return t.mgr.cache.Unpin(page)
}

// Write arbitrates and journals a write to page, which the caller must
// have already pinned via Read and mutated in place.
func (t *Txn) Write(page int32) error {
	return t.mgr.writePage(t.id, page)
}

// Commit finalizes the transaction, making its writes durable.
func (t *Txn) Commit() error {
	return t.mgr.commit(t.id)
}

// Abort finalizes the transaction, reverting its writes.
func (t *Txn) Abort() error {
	return t.mgr.abort(t.id)
}
