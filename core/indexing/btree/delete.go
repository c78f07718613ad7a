package btree

import (
	"errors"
	"time"

	"github.com/pagedb/pagedb/core/storage/bufferpool"
	"github.com/pagedb/pagedb/core/storage/page"
	internaltelemetry "github.com/pagedb/pagedb/internal/telemetry"
	"go.uber.org/zap"
)

// Erase removes key and reports whether it was present.
func (t *Tree) Erase(key []byte) (found bool, err error) {
	done, err := t.begin(true)
	if err != nil {
		return false, err
	}
	defer done()
	start := time.Now()
	defer func() { t.observe("erase", start, err) }()

	if err := t.checkKey(key); err != nil {
		return false, err
	}
	found, err = t.delete(key)
	if err != nil || !found {
		return found, err
	}
	if t.paranoid {
		return true, t.verifyInternal()
	}
	return true, nil
}

// delete mirrors insert: underflow is resolved on decoded copies first,
// reading siblings as needed, and latched pages are only overwritten once
// nothing can fail. A page that survives a merge is always the one on the
// path. Emptied pages are freed last; if that fails the record is gone and
// the tree is consistent, only the pages are not reused.
//
// Besides the path, at most one sibling is pinned at a time.
func (t *Tree) delete(key []byte) (bool, error) {
	path, err := t.descendForWrite(key, t.safeForDelete)
	if err != nil {
		return false, err
	}
	defer path.releaseAll()

	nodes, err := t.decodePath(path)
	if err != nil {
		return false, err
	}
	last := len(nodes) - 1
	pos, found := nodes[last].find(key, t.cmp)
	if !found {
		return false, nil
	}
	nodes[last].removeRecord(pos)

	var (
		lender *sibling
		merged []page.PageID
	)
	defer func() {
		if lender != nil {
			lender.guard.Release()
		}
	}()
	top := last
	for level := last; level > 0 && nodes[level].size() < t.layout.minFill(nodes[level]); level-- {
		lent, gone, err := t.rebalance(nodes[level-1], path.idxs[level-1], nodes[level])
		if err != nil {
			return false, err
		}
		top = level - 1
		if lent != nil {
			lender = lent
			break
		}
		merged = append(merged, gone)
	}

	collapse := top == 0 && path.holdsRoot() && !nodes[0].leaf && len(nodes[0].children) == 1
	if lender != nil {
		t.writeBack(lender.guard, lender.n)
		internaltelemetry.Inc(t.metrics.TreeBorrowsCounter)
	}
	first := top
	if collapse {
		first = 1
	}
	for level := first; level <= last; level++ {
		t.writeBack(path.guards[level], nodes[level])
	}
	t.count.Add(-1)
	if collapse {
		t.setRoot(nodes[0].children[0], t.height-1)
	}

	var errs []error
	for i, id := range merged {
		internaltelemetry.Inc(t.metrics.TreeMergesCounter)
		t.logger.Debug("merged node", zap.Uint64("page_id", uint64(id)),
			zap.Uint64("into_page_id", uint64(path.guards[last-i].PageID())))
		errs = append(errs, t.bpm.DiscardPage(id))
	}
	if collapse {
		errs = append(errs, t.bpm.FreePage(path.guards[0]))
	}
	if err := errors.Join(errs...); err != nil {
		t.logger.Error("failed to free emptied pages", zap.Error(err))
		return true, err
	}
	return true, nil
}

// sibling is a latched neighbour of a path node together with its decoded
// contents.
type sibling struct {
	guard *bufferpool.PageGuard
	n     *node
}

// rebalance fixes the underflowing child idx of parent, decoded as cur, by
// changing the decoded nodes only. It borrows from the left sibling, then
// the right one, and otherwise merges a sibling into cur. A lending sibling
// is returned still latched for the caller to write back; a merged sibling's
// id is returned for freeing.
func (t *Tree) rebalance(parent *node, idx int, cur *node) (*sibling, page.PageID, error) {
	var left *node
	if idx > 0 {
		s, err := t.fetchSibling(parent.children[idx-1])
		if err != nil {
			return nil, page.InvalidPageID, err
		}
		if s.n.size() > t.layout.minFill(s.n) {
			borrowFromLeft(parent, idx, s.n, cur)
			return s, page.InvalidPageID, nil
		}
		// Nothing else can reach it while parent stays latched.
		s.guard.Release()
		left = s.n
	}

	if idx == len(parent.children)-1 {
		gone := parent.children[idx-1]
		left.absorb(cur, parent.keys[idx-1])
		*cur = *left
		parent.keys = removeAt(parent.keys, idx-1)
		parent.children = removeAt(parent.children, idx-1)
		return nil, gone, nil
	}

	s, err := t.fetchSibling(parent.children[idx+1])
	if err != nil {
		return nil, page.InvalidPageID, err
	}
	if s.n.size() > t.layout.minFill(s.n) {
		borrowFromRight(parent, idx, cur, s.n)
		return s, page.InvalidPageID, nil
	}
	s.guard.Release()
	gone := parent.children[idx+1]
	cur.absorb(s.n, parent.keys[idx])
	parent.keys = removeAt(parent.keys, idx)
	parent.children = removeAt(parent.children, idx+1)
	return nil, gone, nil
}

func (t *Tree) fetchSibling(id page.PageID) (*sibling, error) {
	g, err := t.fetch(id, true)
	if err != nil {
		return nil, err
	}
	n, err := t.layout.decode(id, g.Data())
	if err != nil {
		g.Release()
		return nil, err
	}
	return &sibling{guard: g, n: n}, nil
}

func (t *Tree) writeBack(g *bufferpool.PageGuard, n *node) {
	t.layout.encode(n, g.Data())
	g.MarkDirty()
}

// borrowFromLeft moves the last entry of left to the front of cur, child idx
// of parent.
func borrowFromLeft(parent *node, idx int, left, cur *node) {
	last := len(left.keys) - 1
	if cur.leaf {
		cur.insertRecord(0, left.keys[last], left.values[last])
		left.removeRecord(last)
		parent.keys[idx-1] = clone(cur.keys[0])
		return
	}
	lastChild := len(left.children) - 1
	cur.keys = insertAt(cur.keys, 0, parent.keys[idx-1])
	cur.children = insertAt(cur.children, 0, left.children[lastChild])
	parent.keys[idx-1] = left.keys[last]
	left.keys = removeAt(left.keys, last)
	left.children = removeAt(left.children, lastChild)
}

// borrowFromRight moves the first entry of right to the end of cur, child idx
// of parent.
func borrowFromRight(parent *node, idx int, cur, right *node) {
	if cur.leaf {
		cur.insertRecord(len(cur.keys), right.keys[0], right.values[0])
		right.removeRecord(0)
		parent.keys[idx] = clone(right.keys[0])
		return
	}
	cur.keys = append(cur.keys, parent.keys[idx])
	cur.children = append(cur.children, right.children[0])
	parent.keys[idx] = right.keys[0]
	right.keys = removeAt(right.keys, 0)
	right.children = removeAt(right.children, 0)
}
