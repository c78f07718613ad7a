// Package bufferpool keeps a bounded set of pages in memory on top of a page
// store. Pages are pinned while in use, written back when dirty, and evicted
// in least-recently-used order.
package bufferpool

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/pagedb/pagedb/core/dberrors"
	"github.com/pagedb/pagedb/core/storage/page"
	internaltelemetry "github.com/pagedb/pagedb/internal/telemetry"
	"go.uber.org/zap"
)

// Store is the page storage the pool reads from and writes back to.
// *pagestore.PageStore implements it.
type Store interface {
	PageSize() int
	ReadPage(id page.PageID, dst []byte, validate bool) error
	WritePage(id page.PageID, src []byte) error
	AllocatePage() (page.PageID, error)
	FreePage(id page.PageID) error
}

type Options struct {
	Logger  *zap.Logger
	Metrics *internaltelemetry.StorageMetrics
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity   int
	Resident   int
	Pinned     int
	Dirty      int
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	WriteBacks uint64
}

// BufferPoolManager maps page ids to resident frames. The LRU list holds every
// resident frame, most recently used at the front. Since every access moves a
// frame to the front, recency is a total order and victim selection never has
// to break ties.
type BufferPoolManager struct {
	store     Store
	capacity  int
	pageSize  int
	pageTable map[page.PageID]*page.Page
	lruList   *list.List
	mu        sync.Mutex

	hits, misses, evictions, writeBacks uint64

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// NewBufferPoolManager creates a pool of at most capacity resident pages.
func NewBufferPoolManager(store Store, capacity int, opts Options) (*BufferPoolManager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: buffer pool needs a store", dberrors.ErrInvalidConfiguration)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("%w: cache size %d must be positive", dberrors.ErrInvalidConfiguration, capacity)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = internaltelemetry.NopStorageMetrics()
	}
	bpm := &BufferPoolManager{
		store:     store,
		capacity:  capacity,
		pageSize:  store.PageSize(),
		pageTable: make(map[page.PageID]*page.Page, capacity),
		lruList:   list.New(),
		logger:    logger.Named("bufferpool"),
		metrics:   metrics,
	}
	bpm.logger.Debug("buffer pool initialized", zap.Int("capacity", capacity), zap.Int("page_size", bpm.pageSize))
	return bpm, nil
}

func (bpm *BufferPoolManager) Capacity() int { return bpm.capacity }

// Resident returns the number of pages currently held.
func (bpm *BufferPoolManager) Resident() int {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return len(bpm.pageTable)
}

// FetchPage pins page id, faulting it in from the store on a miss, and marks
// it most recently used. It fails with ErrCacheExhausted when the pool is full
// and every resident page is pinned.
func (bpm *BufferPoolManager) FetchPage(id page.PageID) (*PageGuard, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if p, ok := bpm.pageTable[id]; ok {
		p.Pin()
		bpm.lruList.MoveToFront(p.GetLruElement())
		bpm.hits++
		internaltelemetry.Inc(bpm.metrics.CacheHitsCounter)
		return newPageGuard(bpm, p), nil
	}

	bpm.misses++
	internaltelemetry.Inc(bpm.metrics.CacheMissesCounter)
	frame, err := bpm.getFrameInternal()
	if err != nil {
		return nil, dberrors.WrapPage("fetch", uint64(id), err)
	}
	frame.Reset(id)
	if err := bpm.store.ReadPage(id, frame.GetData(), true); err != nil {
		// The frame is not tracked yet, so it is simply dropped.
		return nil, err
	}
	bpm.installInternal(frame)
	return newPageGuard(bpm, frame), nil
}

// NewPage allocates a page in the store and returns it pinned, zeroed and
// dirty. A frame is secured before the allocation so that a full pool does
// not leak a page id.
func (bpm *BufferPoolManager) NewPage() (*PageGuard, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frame, err := bpm.getFrameInternal()
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	id, err := bpm.store.AllocatePage()
	if err != nil {
		return nil, err
	}
	frame.Reset(id)
	frame.SetDirty(true)
	bpm.installInternal(frame)
	return newPageGuard(bpm, frame), nil
}

// installInternal pins frame and makes it resident as the MRU entry.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) installInternal(frame *page.Page) {
	frame.Pin()
	bpm.pageTable[frame.GetPageID()] = frame
	frame.SetLruElement(bpm.lruList.PushFront(frame))
	bpm.metrics.CacheResidentUpDownCount.Add(context.Background(), 1)
}

// getFrameInternal returns a frame that is not resident: a fresh one while
// the pool has room, otherwise the least recently used unpinned frame, which
// is written back first if dirty.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) getFrameInternal() (*page.Page, error) {
	if len(bpm.pageTable) < bpm.capacity {
		return page.NewPage(page.InvalidPageID, bpm.pageSize), nil
	}

	for e := bpm.lruList.Back(); e != nil; e = e.Prev() {
		victim := e.Value.(*page.Page)
		if victim.GetPinCount() != 0 {
			continue
		}
		if victim.IsDirty() {
			if err := bpm.store.WritePage(victim.GetPageID(), victim.GetData()); err != nil {
				bpm.logger.Error("failed to write back victim page",
					zap.Uint64("page_id", uint64(victim.GetPageID())), zap.Error(err))
				return nil, err
			}
			victim.SetDirty(false)
			bpm.writeBacks++
			internaltelemetry.Inc(bpm.metrics.CacheWriteBacksCounter)
			bpm.logger.Debug("wrote back dirty victim", zap.Uint64("page_id", uint64(victim.GetPageID())))
		}
		bpm.removeInternal(victim)
		bpm.evictions++
		internaltelemetry.Inc(bpm.metrics.CacheEvictionsCounter)
		return victim, nil
	}
	return nil, fmt.Errorf("%w: all %d resident pages are pinned", dberrors.ErrCacheExhausted, bpm.capacity)
}

// removeInternal drops p from the page table and the LRU list.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) removeInternal(p *page.Page) {
	delete(bpm.pageTable, p.GetPageID())
	if elem := p.GetLruElement(); elem != nil {
		bpm.lruList.Remove(elem)
		p.SetLruElement(nil)
	}
	bpm.metrics.CacheResidentUpDownCount.Add(context.Background(), -1)
}

// unpin drops one pin from p.
func (bpm *BufferPoolManager) unpin(p *page.Page) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	p.Unpin()
}

func (bpm *BufferPoolManager) markDirty(p *page.Page) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if !p.IsDetached() {
		p.SetDirty(true)
	}
}

// FreePage discards the guarded page without writing it back and returns its
// id to the store's free list. The guard is released. If another holder still
// pins the frame, the frame is detached: it stays valid for that holder but
// can no longer be found by id, so the id can be reused at once.
func (bpm *BufferPoolManager) FreePage(g *PageGuard) error {
	if g.released {
		return fmt.Errorf("free page %d: guard already released", g.PageID())
	}
	g.Unlatch()
	g.released = true

	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	p := g.page
	id := p.GetPageID()
	if bpm.pageTable[id] == p {
		bpm.removeInternal(p)
	}
	p.SetDirty(false)
	if !p.Unpin() {
		p.Detach()
		bpm.logger.Debug("detached freed page still pinned elsewhere", zap.Uint64("page_id", uint64(id)))
	}
	return bpm.store.FreePage(id)
}

// DiscardPage is FreePage for a page the caller no longer pins. A resident
// copy is dropped without being written back.
func (bpm *BufferPoolManager) DiscardPage(id page.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if p, ok := bpm.pageTable[id]; ok {
		bpm.removeInternal(p)
		p.SetDirty(false)
		if p.GetPinCount() > 0 {
			p.Detach()
			bpm.logger.Debug("detached discarded page still pinned elsewhere", zap.Uint64("page_id", uint64(id)))
		}
	}
	return bpm.store.FreePage(id)
}

// FlushPage writes page id back if it is resident and dirty.
func (bpm *BufferPoolManager) FlushPage(id page.PageID) error {
	bpm.mu.Lock()
	p, ok := bpm.pageTable[id]
	if !ok || !p.IsDirty() {
		bpm.mu.Unlock()
		return nil
	}
	p.Pin()
	bpm.mu.Unlock()

	err := bpm.flushPinned(p)
	bpm.unpin(p)
	return err
}

// FlushAll writes back every dirty resident page, from least to most
// recently used. Pages stay resident. Each page is written under its read
// latch, so an operation that is modifying a page finishes first.
func (bpm *BufferPoolManager) FlushAll() error {
	bpm.mu.Lock()
	var dirty []*page.Page
	for e := bpm.lruList.Back(); e != nil; e = e.Prev() {
		p := e.Value.(*page.Page)
		if p.IsDirty() {
			p.Pin()
			dirty = append(dirty, p)
		}
	}
	bpm.mu.Unlock()

	var firstErr error
	for _, p := range dirty {
		if err := bpm.flushPinned(p); err != nil && firstErr == nil {
			firstErr = err
		}
		bpm.unpin(p)
	}
	if firstErr != nil {
		bpm.logger.Error("flush all failed", zap.Error(firstErr))
	}
	return firstErr
}

// flushPinned writes p back. The caller holds a pin on p.
func (bpm *BufferPoolManager) flushPinned(p *page.Page) error {
	p.RLock()
	defer p.RUnlock()

	bpm.mu.Lock()
	dirty := p.IsDirty() && !p.IsDetached()
	p.SetDirty(false)
	bpm.mu.Unlock()
	if !dirty {
		return nil
	}

	if err := bpm.store.WritePage(p.GetPageID(), p.GetData()); err != nil {
		bpm.markDirty(p)
		return err
	}
	bpm.mu.Lock()
	bpm.writeBacks++
	bpm.mu.Unlock()
	internaltelemetry.Inc(bpm.metrics.CacheWriteBacksCounter)
	return nil
}

// Stats returns counters and occupancy of the pool.
func (bpm *BufferPoolManager) Stats() Stats {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	s := Stats{
		Capacity:   bpm.capacity,
		Resident:   len(bpm.pageTable),
		Hits:       bpm.hits,
		Misses:     bpm.misses,
		Evictions:  bpm.evictions,
		WriteBacks: bpm.writeBacks,
	}
	for _, p := range bpm.pageTable {
		if p.GetPinCount() > 0 {
			s.Pinned++
		}
		if p.IsDirty() {
			s.Dirty++
		}
	}
	return s
}

// residentIDs lists resident page ids from least to most recently used.
func (bpm *BufferPoolManager) residentIDs() []page.PageID {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	ids := make([]page.PageID, 0, bpm.lruList.Len())
	for e := bpm.lruList.Back(); e != nil; e = e.Prev() {
		ids = append(ids, e.Value.(*page.Page).GetPageID())
	}
	return ids
}
