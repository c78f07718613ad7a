// Package pagestore maps fixed-size pages onto a single backing file. Page 0
// holds the file header; freed pages form a singly linked free list threaded
// through their own contents.
package pagestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/pagedb/pagedb/core/dberrors"
	"github.com/pagedb/pagedb/core/storage/page"
	internaltelemetry "github.com/pagedb/pagedb/internal/telemetry"
	"go.uber.org/zap"
)

// Options tune a PageStore.
type Options struct {
	// MaxPages caps the file size in pages, header included. 0 means unlimited.
	MaxPages uint64
	Logger   *zap.Logger
	Metrics  *internaltelemetry.StorageMetrics
}

// PageStore is a file-backed array of pages. All methods are safe for
// concurrent use.
type PageStore struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	pageSize int
	numPages uint64
	maxPages uint64
	header   FileHeader
	scratch  []byte
	closed   bool

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

func newPageStore(path string, file *os.File, pageSize int, opts Options) *PageStore {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = internaltelemetry.NopStorageMetrics()
	}
	return &PageStore{
		path:     path,
		file:     file,
		pageSize: pageSize,
		maxPages: opts.MaxPages,
		scratch:  make([]byte, pageSize),
		logger:   logger.Named("pagestore"),
		metrics:  metrics,
	}
}

// Create makes a new store file at path from the layout fields of tmpl. The
// identity, root and free-list fields of tmpl are ignored. It fails with
// ErrDBFileExists if the file is already present.
func Create(path string, tmpl FileHeader, opts Options) (*PageStore, error) {
	if tmpl.PageSize < page.MinPageSize {
		return nil, fmt.Errorf("%w: page size %d below minimum %d", dberrors.ErrInvalidConfiguration, tmpl.PageSize, page.MinPageSize)
	}
	if opts.MaxPages != 0 && opts.MaxPages < 2 {
		return nil, fmt.Errorf("%w: max pages %d leaves no room for a root", dberrors.ErrInvalidConfiguration, opts.MaxPages)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", dberrors.ErrDBFileExists, path)
		}
		return nil, fmt.Errorf("%w: create %s: %v", dberrors.ErrStorageIO, path, err)
	}

	ps := newPageStore(path, file, int(tmpl.PageSize), opts)
	ps.header = tmpl
	ps.header.Magic = DBMagic
	ps.header.Version = DBVersion
	ps.header.RootPageID = page.InvalidPageID
	ps.header.FreeListHead = page.InvalidPageID
	ps.header.RecordCount = 0
	ps.header.PageCount = 1
	ps.header.StoreID = uuid.New()
	ps.numPages = 1

	if err := ps.writeHeaderLocked(); err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	if err := ps.syncLocked(); err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	ps.logger.Info("created page store",
		zap.String("path", path),
		zap.Uint32("page_size", tmpl.PageSize),
		zap.String("store_id", ps.header.StoreID.String()))
	return ps, nil
}

// Open reads and validates the header of an existing store file.
func Open(path string, opts Options) (*PageStore, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", dberrors.ErrDBFileNotFound, path)
		}
		return nil, fmt.Errorf("%w: open %s: %v", dberrors.ErrStorageIO, path, err)
	}

	header, numPages, err := readHeader(file)
	if err != nil {
		file.Close()
		return nil, err
	}

	ps := newPageStore(path, file, int(header.PageSize), opts)
	ps.header = header
	ps.numPages = numPages
	ps.logger.Info("opened page store",
		zap.String("path", path),
		zap.Uint32("page_size", header.PageSize),
		zap.Uint64("num_pages", numPages),
		zap.Uint64("root_page_id", uint64(header.RootPageID)),
		zap.String("store_id", header.StoreID.String()))
	return ps, nil
}

func readHeader(file *os.File) (FileHeader, uint64, error) {
	prefix := make([]byte, page.MinPageSize)
	if _, err := file.ReadAt(prefix, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return FileHeader{}, 0, fmt.Errorf("%w: file shorter than a header page", dberrors.ErrCorruptFormat)
		}
		return FileHeader{}, 0, fmt.Errorf("%w: read header: %v", dberrors.ErrStorageIO, err)
	}
	header, err := decodeHeader(prefix)
	if err != nil {
		return FileHeader{}, 0, err
	}

	full := make([]byte, header.PageSize)
	if _, err := file.ReadAt(full, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return FileHeader{}, 0, fmt.Errorf("%w: header page truncated", dberrors.ErrCorruptFormat)
		}
		return FileHeader{}, 0, fmt.Errorf("%w: read header: %v", dberrors.ErrStorageIO, err)
	}
	if err := page.Validate(full); err != nil {
		return FileHeader{}, 0, dberrors.WrapPage("open", 0, err)
	}

	info, err := file.Stat()
	if err != nil {
		return FileHeader{}, 0, fmt.Errorf("%w: stat: %v", dberrors.ErrStorageIO, err)
	}
	numPages := uint64(info.Size()) / uint64(header.PageSize)
	if header.PageCount > numPages {
		return FileHeader{}, 0, fmt.Errorf("%w: header records %d pages but file holds %d",
			dberrors.ErrCorruptFormat, header.PageCount, numPages)
	}
	if uint64(header.RootPageID) >= numPages || uint64(header.FreeListHead) >= numPages {
		return FileHeader{}, 0, fmt.Errorf("%w: header points past the end of the file", dberrors.ErrCorruptFormat)
	}
	return header, numPages, nil
}

func (ps *PageStore) PageSize() int { return ps.pageSize }
func (ps *PageStore) Path() string  { return ps.path }

// NumPages returns the number of pages in the file, header included.
func (ps *PageStore) NumPages() uint64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.numPages
}

// Header returns a copy of the in-memory file header.
func (ps *PageStore) Header() FileHeader {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.header
}

// UpdateHeader applies fn to the in-memory header. The change reaches disk on
// the next WriteHeader. Layout and free-list fields are owned by the store and
// restored after fn returns.
func (ps *PageStore) UpdateHeader(fn func(h *FileHeader)) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	owned := ps.header
	fn(&ps.header)
	ps.header.Magic = owned.Magic
	ps.header.Version = owned.Version
	ps.header.PageSize = owned.PageSize
	ps.header.KeyWidth = owned.KeyWidth
	ps.header.ValueWidth = owned.ValueWidth
	ps.header.ValueEncoding = owned.ValueEncoding
	ps.header.FreeListHead = owned.FreeListHead
	ps.header.PageCount = owned.PageCount
	ps.header.StoreID = owned.StoreID
}

// WriteHeader persists the in-memory header to page 0.
func (ps *PageStore) WriteHeader() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return dberrors.ErrStoreClosed
	}
	return ps.writeHeaderLocked()
}

func (ps *PageStore) writeHeaderLocked() error {
	data, err := encodeHeader(ps.header, ps.pageSize)
	if err != nil {
		return err
	}
	if _, err := ps.file.WriteAt(data, 0); err != nil {
		return dberrors.WrapPage("write header", 0, classifyWriteErr(err))
	}
	internaltelemetry.Inc(ps.metrics.PageWritesCounter)
	return nil
}

// ReadPage copies page id into dst. With validate set, the checksum and type
// tag are verified and a mismatch is reported as ErrCorruptFormat.
func (ps *PageStore) ReadPage(id page.PageID, dst []byte, validate bool) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return dberrors.ErrStoreClosed
	}
	return ps.readPageLocked(id, dst, validate)
}

func (ps *PageStore) readPageLocked(id page.PageID, dst []byte, validate bool) error {
	if len(dst) != ps.pageSize {
		return dberrors.WrapPage("read", uint64(id), fmt.Errorf("%w: buffer is %d bytes, page is %d", dberrors.ErrStorageIO, len(dst), ps.pageSize))
	}
	if uint64(id) >= ps.numPages {
		return dberrors.WrapPage("read", uint64(id), fmt.Errorf("%w: page beyond end of file (%d pages)", dberrors.ErrStorageIO, ps.numPages))
	}
	n, err := ps.file.ReadAt(dst, int64(id)*int64(ps.pageSize))
	if err != nil && !(errors.Is(err, io.EOF) && n == ps.pageSize) {
		return dberrors.WrapPage("read", uint64(id), fmt.Errorf("%w: %v", dberrors.ErrStorageIO, err))
	}
	internaltelemetry.Inc(ps.metrics.PageReadsCounter)
	if validate {
		if err := page.Validate(dst); err != nil {
			return dberrors.WrapPage("read", uint64(id), err)
		}
	}
	return nil
}

// WritePage writes src to page id, stamping the checksum trailer on a private
// copy so src is never modified.
func (ps *PageStore) WritePage(id page.PageID, src []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return dberrors.ErrStoreClosed
	}
	if id == page.HeaderPageID {
		return dberrors.WrapPage("write", 0, fmt.Errorf("%w: page 0 is written through WriteHeader", dberrors.ErrCorruptFormat))
	}
	if len(src) != ps.pageSize {
		return dberrors.WrapPage("write", uint64(id), fmt.Errorf("%w: buffer is %d bytes, page is %d", dberrors.ErrStorageIO, len(src), ps.pageSize))
	}
	if uint64(id) >= ps.numPages {
		return dberrors.WrapPage("write", uint64(id), fmt.Errorf("%w: page beyond end of file (%d pages)", dberrors.ErrStorageIO, ps.numPages))
	}
	copy(ps.scratch, src)
	page.StampChecksum(ps.scratch)
	return ps.writeRawLocked(id, ps.scratch)
}

func (ps *PageStore) writeRawLocked(id page.PageID, data []byte) error {
	if _, err := ps.file.WriteAt(data, int64(id)*int64(ps.pageSize)); err != nil {
		return dberrors.WrapPage("write", uint64(id), classifyWriteErr(err))
	}
	internaltelemetry.Inc(ps.metrics.PageWritesCounter)
	return nil
}

// Sync forces buffered writes to stable storage.
func (ps *PageStore) Sync() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return dberrors.ErrStoreClosed
	}
	return ps.syncLocked()
}

func (ps *PageStore) syncLocked() error {
	if err := ps.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", dberrors.ErrStorageIO, ps.path, err)
	}
	return nil
}

// Close syncs and closes the backing file. It does not write the header;
// callers persist it first.
func (ps *PageStore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	syncErr := ps.syncLocked()
	if err := ps.file.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", dberrors.ErrStorageIO, ps.path, err)
	}
	ps.logger.Info("closed page store", zap.String("path", ps.path), zap.Uint64("num_pages", ps.numPages))
	return syncErr
}

// classifyWriteErr turns out-of-space conditions into ErrStorageFull and any
// other failure into ErrStorageIO.
func classifyWriteErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EFBIG) {
		return fmt.Errorf("%w: %v", dberrors.ErrStorageFull, err)
	}
	return fmt.Errorf("%w: %v", dberrors.ErrStorageIO, err)
}

func putPageID(dst []byte, id page.PageID) { binary.LittleEndian.PutUint64(dst, uint64(id)) }
func getPageID(src []byte) page.PageID     { return page.PageID(binary.LittleEndian.Uint64(src)) }
