package page

import (
	"container/list"
	"sync"
)

// --- Page Management ---

// PageID represents a unique identifier for a page on disk. Its byte offset
// in the backing file is PageID * PageSize.
type PageID uint64

// InvalidPageID is page 0, which always holds the file header, so it never
// names a tree node or a free page.
const InvalidPageID PageID = 0

// HeaderPageID is the page that stores the FileHeader.
const HeaderPageID PageID = 0

// Page is a cache frame: the in-memory copy of one disk page plus the
// bookkeeping the buffer pool keeps for it. The pool mutex guards everything
// except data, which is guarded by the page latch.
type Page struct {
	id       PageID
	data     []byte
	pinCount int32
	isDirty  bool
	// detached frames were freed while still pinned by another holder; they
	// are no longer reachable through the page table.
	detached bool

	lruElement *list.Element

	// latch protects data for physical concurrency control between tree
	// operations. It is never held while the page is unpinned.
	latch sync.RWMutex
}

// NewPage creates a zeroed frame for id.
func NewPage(id PageID, size int) *Page {
	return &Page{
		id:   id,
		data: make([]byte, size),
	}
}

func (p *Page) GetPageID() PageID                { return p.id }
func (p *Page) GetData() []byte                  { return p.data }
func (p *Page) GetLruElement() *list.Element     { return p.lruElement }
func (p *Page) SetLruElement(elem *list.Element) { p.lruElement = elem }
func (p *Page) IsDirty() bool                    { return p.isDirty }
func (p *Page) SetDirty(dirty bool)              { p.isDirty = dirty }
func (p *Page) GetPinCount() int32               { return p.pinCount }
func (p *Page) IsDetached() bool                 { return p.detached }
func (p *Page) Detach()                          { p.detached = true }
func (p *Page) Pin()                             { p.pinCount++ }

// Unpin decrements the pin count and reports whether the page is now unpinned.
func (p *Page) Unpin() bool {
	if p.pinCount > 0 {
		p.pinCount--
	}
	return p.pinCount == 0
}

// --- Latch Methods ---

// RLock acquires a read (shared) latch on the page.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases a read (shared) latch on the page.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock acquires a write (exclusive) latch on the page.
func (p *Page) Lock() { p.latch.Lock() }

// Unlock releases a write (exclusive) latch on the page.
func (p *Page) Unlock() { p.latch.Unlock() }

// TryLock attempts a write latch without blocking.
func (p *Page) TryLock() bool { return p.latch.TryLock() }

// Reset recycles the frame for id with zeroed contents and no pins.
func (p *Page) Reset(id PageID) {
	p.id = id
	p.pinCount = 0
	p.isDirty = false
	p.detached = false
	p.lruElement = nil
	clear(p.data)
}
