package btree

import (
	"fmt"

	"github.com/pagedb/pagedb/core/dberrors"
	"github.com/pagedb/pagedb/core/storage/page"
)

// Verify walks the whole tree and checks its structure: every leaf at the
// same depth, fill bounds on every non-root node, keys strictly ascending and
// inside their parent's separators, and the record count. Violations are
// reported as ErrCorruptFormat. Operations wait while Verify runs.
func (t *Tree) Verify() error {
	t.opLatch.Lock()
	defer t.opLatch.Unlock()
	if t.closed {
		return dberrors.ErrStoreClosed
	}
	return t.verifyInternal()
}

// verifyInternal requires that no other operation is running.
func (t *Tree) verifyInternal() error {
	v := &verifier{t: t}
	if err := v.walk(t.root, 1, nil, nil); err != nil {
		return err
	}
	if v.records != t.count.Load() {
		return fmt.Errorf("%w: leaves hold %d records, tree counts %d", dberrors.ErrCorruptFormat, v.records, t.count.Load())
	}
	return nil
}

type verifier struct {
	t       *Tree
	records int64
}

func (v *verifier) fail(id page.PageID, format string, args ...any) error {
	return dberrors.WrapPage("verify", uint64(id), fmt.Errorf("%w: "+format, append([]any{dberrors.ErrCorruptFormat}, args...)...))
}

// walk checks the subtree at id, whose keys must lie in [lo, hi) where nil
// bounds are open.
func (v *verifier) walk(id page.PageID, depth int, lo, hi []byte) error {
	t := v.t
	g, err := t.fetch(id, false)
	if err != nil {
		return err
	}
	n, err := t.layout.decode(id, g.Data())
	g.Release()
	if err != nil {
		return err
	}

	isRoot := id == t.root
	if n.leaf != (depth == t.height) {
		return v.fail(id, "leaf=%v at depth %d of a tree of height %d", n.leaf, depth, t.height)
	}
	if n.size() > t.layout.maxFill(n) {
		return v.fail(id, "holds %d entries, max %d", n.size(), t.layout.maxFill(n))
	}
	if !isRoot && n.size() < t.layout.minFill(n) {
		return v.fail(id, "holds %d entries, min %d", n.size(), t.layout.minFill(n))
	}
	if isRoot && !n.leaf && len(n.children) < 2 {
		return v.fail(id, "root branch has %d children", len(n.children))
	}
	for i, k := range n.keys {
		if i > 0 && t.cmp(n.keys[i-1], k) >= 0 {
			return v.fail(id, "keys out of order at %d", i)
		}
		if lo != nil && t.cmp(k, lo) < 0 {
			return v.fail(id, "key %d below the lower separator", i)
		}
		if hi != nil && t.cmp(k, hi) >= 0 {
			return v.fail(id, "key %d at or above the upper separator", i)
		}
	}

	if n.leaf {
		v.records += int64(len(n.keys))
		return nil
	}
	for i, child := range n.children {
		clo, chi := lo, hi
		if i > 0 {
			clo = n.keys[i-1]
		}
		if i < len(n.keys) {
			chi = n.keys[i]
		}
		if err := v.walk(child, depth+1, clo, chi); err != nil {
			return err
		}
	}
	return nil
}
