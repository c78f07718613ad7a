package btree

import (
	"github.com/pagedb/pagedb/core/storage/bufferpool"
	"github.com/pagedb/pagedb/core/storage/page"
)

// writePath is the chain of exclusively latched pages a mutation may still
// modify, from the highest unsafe ancestor down to the leaf. idxs[i] is the
// child index taken from guards[i].
type writePath struct {
	t        *Tree
	guards   []*bufferpool.PageGuard
	idxs     []int
	rootHeld bool
}

// releaseRoot gives up the root latch once the root can no longer change.
func (p *writePath) releaseRoot() {
	if p.rootHeld {
		p.rootHeld = false
		p.t.rootLatch.Unlock()
	}
}

// releaseAll unlatches and unpins every page on the path.
func (p *writePath) releaseAll() {
	for _, g := range p.guards {
		g.Release()
	}
	p.guards = p.guards[:0]
	p.idxs = p.idxs[:0]
	p.releaseRoot()
}

func (p *writePath) leaf() *bufferpool.PageGuard { return p.guards[len(p.guards)-1] }

// holdsRoot reports whether guards[0] is the current root.
func (p *writePath) holdsRoot() bool {
	return p.rootHeld && len(p.guards) > 0 && p.guards[0].PageID() == p.t.root
}

// safeFunc reports whether a latched node can absorb the pending change
// without restructuring its parent.
type safeFunc func(data []byte, isRoot bool) bool

func (t *Tree) safeForInsert(data []byte, _ bool) bool {
	if page.TypeOf(data) == page.TypeLeaf {
		return page.Count(data) < t.layout.maxLeaf
	}
	return page.Count(data) < t.layout.maxChildren
}

func (t *Tree) safeForDelete(data []byte, isRoot bool) bool {
	count := page.Count(data)
	if page.TypeOf(data) == page.TypeLeaf {
		return isRoot || count > t.layout.minLeaf
	}
	if isRoot {
		return count > 2
	}
	return count > t.layout.minChildren
}

// descendForWrite latches the path to the leaf for key exclusively. Each time
// a newly latched node is safe, every ancestor above it is released, together
// with the root latch. The caller must call releaseAll on the result.
func (t *Tree) descendForWrite(key []byte, safe safeFunc) (*writePath, error) {
	p := &writePath{t: t, rootHeld: true}
	t.rootLatch.Lock()

	g, err := t.fetch(t.root, true)
	if err != nil {
		p.releaseAll()
		return nil, err
	}
	p.guards = append(p.guards, g)
	if safe(g.Data(), true) {
		p.releaseRoot()
	}

	for page.TypeOf(g.Data()) == page.TypeBranch {
		data := g.Data()
		idx := t.layout.routeBranch(data, key, t.cmp)
		child, err := t.fetch(t.layout.branchChild(data, idx, page.Count(data)), true)
		if err != nil {
			p.releaseAll()
			return nil, err
		}
		if safe(child.Data(), false) {
			p.releaseAll()
		} else {
			p.idxs = append(p.idxs, idx)
		}
		p.guards = append(p.guards, child)
		g = child
	}
	return p, nil
}
