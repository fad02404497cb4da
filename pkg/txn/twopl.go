package txn

import "sync"

type lockMode int

const (
	readLock  lockMode = 0
	writeLock lockMode = 1
)

// TwoPL is a strict two-phase-locking scheduler: every page a transaction
// touches is locked until that transaction commits or aborts, and a
// waits-for cycle is treated as an immediate abort of the requester.
// Conflicting requests return Wait rather than blocking the caller, so the
// Manager can suspend and resume it cooperatively.
type TwoPL struct {
	mu sync.Mutex // guards everything below

	holders  map[int32]map[Descriptor]lockMode // page -> holder set
	held     map[Descriptor]map[int32]lockMode // txn -> pages it holds
	waitsFor *waitsForGraph
}

// NewTwoPL constructs an empty two-phase-locking scheduler.
func NewTwoPL() *TwoPL {
	return &TwoPL{
		holders:  make(map[int32]map[Descriptor]lockMode),
		held:     make(map[Descriptor]map[int32]lockMode),
		waitsFor: newWaitsForGraph(),
	}
}

func (s *TwoPL) Begin(txn Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[txn]; !ok {
		s.held[txn] = make(map[int32]lockMode)
	}
}

func (s *TwoPL) Read(txn Descriptor, page int32) ReadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[txn][page]; ok {
		return ReadResult{Decision: OK, PageID: page}
	}
	if blocker, conflict := s.conflict(txn, page, readLock); conflict {
		s.waitsFor.addEdge(txn, blocker)
		if s.waitsFor.hasCycle() {
			s.waitsFor.removeEdge(txn, blocker)
			return ReadResult{Decision: Abort, Reason: "deadlock detected"}
		}
		return ReadResult{Decision: Wait, BlockingTxn: blocker}
	}
	s.grant(txn, page, readLock)
	return ReadResult{Decision: OK, PageID: page}
}

func (s *TwoPL) Write(txn Descriptor, page int32) WriteResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mode, ok := s.held[txn][page]; ok && mode == writeLock {
		return WriteResult{Decision: OK}
	}
	if blocker, conflict := s.conflict(txn, page, writeLock); conflict {
		s.waitsFor.addEdge(txn, blocker)
		if s.waitsFor.hasCycle() {
			s.waitsFor.removeEdge(txn, blocker)
			return WriteResult{Decision: Abort, Reason: "deadlock detected"}
		}
		return WriteResult{Decision: Wait, BlockingTxn: blocker}
	}
	s.grant(txn, page, writeLock)
	return WriteResult{Decision: OK}
}

// conflict reports whether granting txn a lock of mode on page would
// conflict with some other live transaction's held lock, returning one
// such blocker.
func (s *TwoPL) conflict(txn Descriptor, page int32, mode lockMode) (Descriptor, bool) {
	for holder, heldMode := range s.holders[page] {
		if holder == txn {
			continue
		}
		if mode == writeLock || heldMode == writeLock {
			return holder, true
		}
	}
	return 0, false
}

func (s *TwoPL) grant(txn Descriptor, page int32, mode lockMode) {
	if s.holders[page] == nil {
		s.holders[page] = make(map[Descriptor]lockMode)
	}
	s.holders[page][txn] = mode
	if s.held[txn] == nil {
		s.held[txn] = make(map[int32]lockMode)
	}
	s.held[txn][page] = mode
	s.waitsFor.removeAllFrom(txn)
}

func (s *TwoPL) Commit(txn Descriptor) []Descriptor {
	return s.release(txn)
}

func (s *TwoPL) Abort(txn Descriptor) []Descriptor {
	return s.release(txn)
}

func (s *TwoPL) release(txn Descriptor) []Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	for page := range s.held[txn] {
		delete(s.holders[page], txn)
		if len(s.holders[page]) == 0 {
			delete(s.holders, page)
		}
	}
	delete(s.held, txn)
	waiters := s.waitsFor.waitersOn(txn)
	s.waitsFor.removeAllTo(txn)
	return waiters
}
