package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dbkernel/storage-engine/pkg/config"
	"github.com/ncw/directio"
	cp "github.com/otiai10/copy"
)

// FileStorage is the production, file-backed storage variant: a directory
// of fixed-size segment files, each pre-sized and opened for aligned
// O_DIRECT access, split across segments so no single file need grow past
// segmentSize.
type FileStorage struct {
	costAccumulator
	mu          sync.Mutex
	dir         string
	prefix      string
	segmentSize int64
	pagesPerSeg int32
	segments    map[int32]*os.File
	max         int32
}

// OpenFileStorage opens (or creates) a file-backed storage rooted at dir,
// using the given segment file prefix. segmentSize must be a multiple of
// config.PageSize; config.DefaultSegmentSize is used when segmentSize <= 0.
func OpenFileStorage(dir string, prefix string, segmentSize int64) (*FileStorage, error) {
	if segmentSize <= 0 {
		segmentSize = config.DefaultSegmentSize
	}
	if segmentSize%config.PageSize != 0 {
		return nil, errors.New("storage: segment size must be a multiple of the page size")
	}
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, err
	}
	fs := &FileStorage{
		dir:         dir,
		prefix:      prefix,
		segmentSize: segmentSize,
		pagesPerSeg: int32(segmentSize / config.PageSize),
		segments:    make(map[int32]*os.File),
	}
	existing, err := filepath.Glob(filepath.Join(dir, prefix+"-*.seg"))
	if err != nil {
		return nil, err
	}
	for _, path := range existing {
		var segNum int32
		if _, err := fmt.Sscanf(filepath.Base(path), prefix+"-%d.seg", &segNum); err != nil {
			continue
		}
		f, err := directio.OpenFile(path, os.O_RDWR, 0666)
		if err != nil {
			return nil, err
		}
		fs.segments[segNum] = f
		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		pagesHere := int32(info.Size() / config.PageSize)
		if top := segNum*fs.pagesPerSeg + pagesHere; top > fs.max {
			fs.max = top
		}
	}
	return fs, nil
}

// OpenFileStorageFromTemplate is OpenFileStorage, but when dir does not yet
// exist it is first populated by copying templateDir's contents into it —
// a pre-built reserved region (zero page segment plus system-table
// skeleton) shipped alongside the binary, so a brand-new database starts
// from a valid catalog instead of an all-zero one. If dir already exists,
// templateDir is ignored and this behaves exactly like OpenFileStorage.
func OpenFileStorageFromTemplate(dir, prefix string, segmentSize int64, templateDir string) (*FileStorage, error) {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := cp.Copy(templateDir, dir); err != nil {
			return nil, fmt.Errorf("storage: bootstrap %s from template %s: %w", dir, templateDir, err)
		}
	}
	return OpenFileStorage(dir, prefix, segmentSize)
}

// segmentFor returns the segment number and byte offset within it for page id p.
func (fs *FileStorage) segmentFor(p int32) (segNum int32, offset int64) {
	segNum = p / fs.pagesPerSeg
	offset = int64(p%fs.pagesPerSeg) * config.PageSize
	return
}

// segmentFile returns (creating and pre-sizing on first touch) segment file
// number segNum.
func (fs *FileStorage) segmentFile(segNum int32) (*os.File, error) {
	if f, ok := fs.segments[segNum]; ok {
		return f, nil
	}
	path := filepath.Join(fs.dir, fmt.Sprintf("%s-%d.seg", fs.prefix, segNum))
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(fs.segmentSize); err != nil {
		f.Close()
		return nil, err
	}
	fs.segments[segNum] = f
	return f, nil
}

// Read returns an independent copy of the stored bytes for id, creating a
// zero page on first access.
func (fs *FileStorage) Read(id int32) (*Page, error) {
	if id < 0 {
		return nil, ErrNegativePageID
	}
	fs.chargeRandom()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.readLocked(id)
}

func (fs *FileStorage) readLocked(id int32) (*Page, error) {
	segNum, offset := fs.segmentFor(id)
	f, err := fs.segmentFile(segNum)
	if err != nil {
		return nil, err
	}
	buf := directio.AlignedBlock(int(config.PageSize))
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	if id+1 > fs.max {
		fs.max = id + 1
	}
	return &Page{id: id, data: buf}, nil
}

// BulkRead feeds n consecutive pages starting at start to consumer in order.
func (fs *FileStorage) BulkRead(start int32, n int32, consumer func(*Page) error) error {
	fs.mu.Lock()
	if start == NoPage {
		start = fs.max
	}
	fs.mu.Unlock()
	fs.chargeBulk(int(n))
	for i := int32(0); i < n; i++ {
		fs.mu.Lock()
		p, err := fs.readLocked(start + i)
		fs.mu.Unlock()
		if err != nil {
			return err
		}
		if err := consumer(p); err != nil {
			return err
		}
	}
	return nil
}

// Write stores a copy of page, pre-sizing and creating its segment on first
// touch.
func (fs *FileStorage) Write(page *Page) error {
	if page.ID() < 0 {
		return ErrNegativePageID
	}
	fs.chargeRandom()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.writeLocked(page)
}

func (fs *FileStorage) writeLocked(page *Page) error {
	segNum, offset := fs.segmentFor(page.ID())
	f, err := fs.segmentFile(segNum)
	if err != nil {
		return err
	}
	buf := directio.AlignedBlock(int(config.PageSize))
	copy(buf, page.Data())
	if _, err := f.WriteAt(buf, offset); err != nil {
		return err
	}
	if page.ID()+1 > fs.max {
		fs.max = page.ID() + 1
	}
	return nil
}

// BulkWriter returns a scoped writer that assigns sequential ids.
func (fs *FileStorage) BulkWriter(start int32) (*BulkWriter, error) {
	fs.mu.Lock()
	if start == NoPage {
		start = fs.max
	}
	fs.mu.Unlock()
	return &BulkWriter{
		next: start,
		writeAt: func(page *Page) error {
			fs.mu.Lock()
			defer fs.mu.Unlock()
			return fs.writeLocked(page)
		},
		onClose: func(pages int) {
			fs.chargeBulk(pages)
		},
	}, nil
}

// NumPages returns one past the highest page id ever allocated.
func (fs *FileStorage) NumPages() int32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.max
}

// Close forces all segment files closed.
func (fs *FileStorage) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var firstErr error
	for _, f := range fs.segments {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
