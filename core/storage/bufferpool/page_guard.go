package bufferpool

import "github.com/pagedb/pagedb/core/storage/page"

type latchMode uint8

const (
	latchNone latchMode = iota
	latchShared
	latchExclusive
)

// PageGuard is a pinned reference to a resident page. The pin, and any latch
// taken through the guard, is dropped by Release, which is safe to call more
// than once so it can be deferred after an explicit release. A guard belongs
// to a single goroutine.
type PageGuard struct {
	bpm      *BufferPoolManager
	page     *page.Page
	latch    latchMode
	released bool
}

func newPageGuard(bpm *BufferPoolManager, p *page.Page) *PageGuard {
	return &PageGuard{bpm: bpm, page: p}
}

func (g *PageGuard) PageID() page.PageID { return g.page.GetPageID() }

// Data returns the page contents. Callers hold the appropriate latch when
// other goroutines may use the same page.
func (g *PageGuard) Data() []byte { return g.page.GetData() }

// RLatch takes the page's shared latch.
func (g *PageGuard) RLatch() {
	g.page.RLock()
	g.latch = latchShared
}

// WLatch takes the page's exclusive latch.
func (g *PageGuard) WLatch() {
	g.page.Lock()
	g.latch = latchExclusive
}

// Unlatch drops whichever latch the guard holds.
func (g *PageGuard) Unlatch() {
	switch g.latch {
	case latchShared:
		g.page.RUnlock()
	case latchExclusive:
		g.page.Unlock()
	}
	g.latch = latchNone
}

// MarkDirty records that the page was modified and must be written back
// before eviction.
func (g *PageGuard) MarkDirty() {
	g.bpm.markDirty(g.page)
}

// Release unlatches and unpins the page.
func (g *PageGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.Unlatch()
	g.bpm.unpin(g.page)
}
