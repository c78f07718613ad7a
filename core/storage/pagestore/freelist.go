package pagestore

import (
	"fmt"

	"github.com/pagedb/pagedb/core/dberrors"
	"github.com/pagedb/pagedb/core/storage/page"
	internaltelemetry "github.com/pagedb/pagedb/internal/telemetry"
	"go.uber.org/zap"
)

// A free page is a regular page tagged page.TypeFree whose body starts with
// the id of the next free page (InvalidPageID terminates the list).
const freeNextOffset = page.HeaderSize

// AllocatePage returns a page id for new content. The free list is consumed
// first; otherwise the file grows by one zeroed page. The on-disk contents of
// the returned page are unspecified until the caller writes it.
func (ps *PageStore) AllocatePage() (page.PageID, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return page.InvalidPageID, dberrors.ErrStoreClosed
	}

	if head := ps.header.FreeListHead; head != page.InvalidPageID {
		if err := ps.readPageLocked(head, ps.scratch, true); err != nil {
			return page.InvalidPageID, err
		}
		if page.TypeOf(ps.scratch) != page.TypeFree {
			return page.InvalidPageID, dberrors.WrapPage("allocate", uint64(head),
				fmt.Errorf("%w: free list entry has type %s", dberrors.ErrCorruptFormat, page.TypeOf(ps.scratch)))
		}
		next := getPageID(ps.scratch[freeNextOffset:])
		if uint64(next) >= ps.numPages {
			return page.InvalidPageID, dberrors.WrapPage("allocate", uint64(head),
				fmt.Errorf("%w: free list link %d past end of file", dberrors.ErrCorruptFormat, next))
		}
		ps.header.FreeListHead = next
		internaltelemetry.Inc(ps.metrics.PagesAllocatedCounter)
		ps.logger.Debug("reused free page", zap.Uint64("page_id", uint64(head)), zap.Uint64("next_free", uint64(next)))
		return head, nil
	}

	if ps.maxPages != 0 && ps.numPages >= ps.maxPages {
		return page.InvalidPageID, fmt.Errorf("%w: file holds the maximum of %d pages", dberrors.ErrStorageFull, ps.maxPages)
	}
	id := page.PageID(ps.numPages)
	clear(ps.scratch)
	if err := ps.writeRawLocked(id, ps.scratch); err != nil {
		return page.InvalidPageID, err
	}
	ps.numPages++
	ps.header.PageCount = ps.numPages
	internaltelemetry.Inc(ps.metrics.PagesAllocatedCounter)
	return id, nil
}

// FreePage pushes id onto the free list. The page is rewritten immediately as
// a free page, so callers must have dropped any cached copy first.
func (ps *PageStore) FreePage(id page.PageID) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return dberrors.ErrStoreClosed
	}
	if id == page.HeaderPageID || uint64(id) >= ps.numPages {
		return dberrors.WrapPage("free", uint64(id),
			fmt.Errorf("%w: page cannot be freed (file holds %d pages)", dberrors.ErrCorruptFormat, ps.numPages))
	}

	clear(ps.scratch)
	page.SetType(ps.scratch, page.TypeFree)
	putPageID(ps.scratch[freeNextOffset:], ps.header.FreeListHead)
	page.StampChecksum(ps.scratch)
	if err := ps.writeRawLocked(id, ps.scratch); err != nil {
		return err
	}
	ps.header.FreeListHead = id
	internaltelemetry.Inc(ps.metrics.PagesFreedCounter)
	ps.logger.Debug("freed page", zap.Uint64("page_id", uint64(id)))
	return nil
}

// FreeListLength walks the free list and counts its entries.
func (ps *PageStore) FreeListLength() (int, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return 0, dberrors.ErrStoreClosed
	}
	n := 0
	for id := ps.header.FreeListHead; id != page.InvalidPageID; n++ {
		if uint64(n) >= ps.numPages {
			return n, fmt.Errorf("%w: free list contains a cycle", dberrors.ErrCorruptFormat)
		}
		if err := ps.readPageLocked(id, ps.scratch, true); err != nil {
			return n, err
		}
		if page.TypeOf(ps.scratch) != page.TypeFree {
			return n, dberrors.WrapPage("free list", uint64(id),
				fmt.Errorf("%w: free list entry has type %s", dberrors.ErrCorruptFormat, page.TypeOf(ps.scratch)))
		}
		id = getPageID(ps.scratch[freeNextOffset:])
	}
	return n, nil
}
