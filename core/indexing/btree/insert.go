package btree

import (
	"fmt"
	"time"

	"github.com/pagedb/pagedb/core/dberrors"
	"github.com/pagedb/pagedb/core/storage/page"
	"github.com/pagedb/pagedb/core/storage/pagestore"
	internaltelemetry "github.com/pagedb/pagedb/internal/telemetry"
	"go.uber.org/zap"
)

// Put stores value under key, replacing any existing value.
func (t *Tree) Put(key, value []byte) (err error) {
	done, err := t.begin(true)
	if err != nil {
		return err
	}
	defer done()
	start := time.Now()
	defer func() { t.observe("put", start, err) }()

	if err := t.checkKey(key); err != nil {
		return err
	}
	if err := t.checkValue(value); err != nil {
		return err
	}
	if err := t.insert(clone(key), clone(value)); err != nil {
		return err
	}
	if t.paranoid {
		return t.verifyInternal()
	}
	return nil
}

// newNode is a page produced by a split that is not linked into the tree yet.
type newNode struct {
	id page.PageID
	n  *node
}

// insert works in two phases. The split cascade is first computed on decoded
// copies of the latched path, and every page it creates is allocated and
// written to the store. Only then are the latched pages overwritten, which
// cannot fail, so an error at any point leaves the tree unchanged. The only
// pages pinned are those of the path.
func (t *Tree) insert(key, value []byte) error {
	path, err := t.descendForWrite(key, t.safeForInsert)
	if err != nil {
		return err
	}
	defer path.releaseAll()

	nodes, err := t.decodePath(path)
	if err != nil {
		return err
	}
	last := len(nodes) - 1
	leaf := nodes[last]
	pos, found := leaf.find(key, t.cmp)
	if found {
		leaf.values[pos] = value
		t.writeBack(path.leaf(), leaf)
		return nil
	}
	leaf.insertRecord(pos, key, value)

	var created []newNode
	top := last
	newRoot := page.InvalidPageID
	for level := last; nodes[level].size() > t.layout.maxFill(nodes[level]); level-- {
		if level == 0 {
			if !path.holdsRoot() {
				t.dropNewPages(created)
				return dberrors.WrapPage("insert", uint64(path.guards[0].PageID()),
					fmt.Errorf("%w: non-root node overflowed above the latched path", dberrors.ErrCorruptFormat))
			}
			if need := t.height + 2; need > t.bpm.Capacity() {
				t.dropNewPages(created)
				return fmt.Errorf("%w: growing the tree to height %d needs a cache of %d pages, have %d",
					dberrors.ErrCacheExhausted, t.height+1, need, t.bpm.Capacity())
			}
		}

		right, sep := nodes[level].split()
		rightID, err := t.store.AllocatePage()
		if err != nil {
			t.dropNewPages(created)
			return err
		}
		created = append(created, newNode{id: rightID, n: right})

		if level == 0 {
			rootID, err := t.store.AllocatePage()
			if err != nil {
				t.dropNewPages(created)
				return err
			}
			root := &node{keys: [][]byte{sep}, children: []page.PageID{path.guards[0].PageID(), rightID}}
			created = append(created, newNode{id: rootID, n: root})
			newRoot = rootID
			top = 0
			break
		}
		nodes[level-1].insertChild(path.idxs[level-1], sep, rightID)
		top = level - 1
	}

	// Fresh ids are never resident: freed pages leave the cache before they
	// reach the free list. They are written straight to the store.
	buf := make([]byte, t.layout.pageSize)
	for _, c := range created {
		t.layout.encode(c.n, buf)
		if err := t.store.WritePage(c.id, buf); err != nil {
			t.dropNewPages(created)
			return err
		}
	}

	for level := top; level <= last; level++ {
		t.writeBack(path.guards[level], nodes[level])
	}
	for _, c := range created {
		if c.id == newRoot {
			continue
		}
		internaltelemetry.Inc(t.metrics.TreeSplitsCounter)
		t.logger.Debug("split node", zap.Uint64("new_page_id", uint64(c.id)), zap.Bool("leaf", c.n.leaf))
	}
	if newRoot != page.InvalidPageID {
		t.setRoot(newRoot, t.height+1)
	}
	t.count.Add(1)
	return nil
}

// dropNewPages returns the pages of an abandoned split cascade to the free
// list, newest first, so the list is left in its previous order.
func (t *Tree) dropNewPages(created []newNode) {
	for i := len(created) - 1; i >= 0; i-- {
		if err := t.store.FreePage(created[i].id); err != nil {
			t.logger.Error("failed to return unused page", zap.Uint64("page_id", uint64(created[i].id)), zap.Error(err))
		}
	}
}

// decodePath decodes every latched page of path, top down.
func (t *Tree) decodePath(path *writePath) ([]*node, error) {
	nodes := make([]*node, len(path.guards))
	for i, g := range path.guards {
		n, err := t.layout.decode(g.PageID(), g.Data())
		if err != nil {
			return nil, err
		}
		nodes[i] = n
	}
	return nodes, nil
}

// setRoot records a new root and height and stages them in the file header
// before any page of the restructured path is released.
func (t *Tree) setRoot(root page.PageID, height int) {
	old := t.root
	t.root = root
	t.height = height
	t.store.UpdateHeader(func(h *pagestore.FileHeader) {
		h.RootPageID = root
		h.Height = uint32(height)
	})
	internaltelemetry.Inc(t.metrics.TreeRootChangesCounter)
	t.logger.Debug("root changed",
		zap.Uint64("old_root", uint64(old)),
		zap.Uint64("new_root", uint64(root)),
		zap.Int("height", height))
}
