package storage

import "sync"

// MemoryStorage is the in-memory emulator: a page table keyed by id, with no
// persistence, implementing the reference cost model of spec.md §4.1. It is
// the storage variant the package tests build their caches on.
type MemoryStorage struct {
	costAccumulator
	mu    sync.Mutex
	pages map[int32]*Page
	max   int32 // one past the highest id ever allocated; 0 if empty
}

// NewMemoryStorage constructs an empty in-memory page pool.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{pages: make(map[int32]*Page), max: 0}
}

// Read returns an independent copy of the stored bytes for id, creating a
// zero page on first access.
func (s *MemoryStorage) Read(id int32) (*Page, error) {
	if id < 0 {
		return nil, ErrNegativePageID
	}
	s.chargeRandom()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(id), nil
}

func (s *MemoryStorage) readLocked(id int32) *Page {
	if p, ok := s.pages[id]; ok {
		return p.Clone()
	}
	if id+1 > s.max {
		s.max = id + 1
	}
	return NewPage(id)
}

// BulkRead feeds n consecutive pages starting at start to consumer in order.
func (s *MemoryStorage) BulkRead(start int32, n int32, consumer func(*Page) error) error {
	s.mu.Lock()
	if start == NoPage {
		start = s.max
	}
	s.mu.Unlock()
	s.chargeBulk(int(n))
	for i := int32(0); i < n; i++ {
		s.mu.Lock()
		p := s.readLocked(start + i)
		s.mu.Unlock()
		if err := consumer(p); err != nil {
			return err
		}
	}
	return nil
}

// Write stores a copy of page.
func (s *MemoryStorage) Write(page *Page) error {
	if page.ID() < 0 {
		return ErrNegativePageID
	}
	s.chargeRandom()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page.ID()] = page.Clone()
	if page.ID()+1 > s.max {
		s.max = page.ID() + 1
	}
	return nil
}

// BulkWriter returns a scoped writer that assigns sequential ids.
func (s *MemoryStorage) BulkWriter(start int32) (*BulkWriter, error) {
	s.mu.Lock()
	if start == NoPage {
		start = s.max
	}
	s.mu.Unlock()
	return &BulkWriter{
		next: start,
		writeAt: func(page *Page) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.pages[page.ID()] = page.Clone()
			if page.ID()+1 > s.max {
				s.max = page.ID() + 1
			}
			return nil
		},
		onClose: func(pages int) {
			s.chargeBulk(pages)
		},
	}, nil
}

// NumPages returns one past the highest page id ever allocated.
func (s *MemoryStorage) NumPages() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max
}

// Close is a no-op for the in-memory emulator.
func (s *MemoryStorage) Close() error { return nil }
