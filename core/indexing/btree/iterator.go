package btree

import (
	"sort"

	"github.com/pagedb/pagedb/core/storage/page"
)

// Iterator walks records in ascending key order. It copies one leaf at a
// time and holds no pins or latches between calls to Next, so it sees the
// tree as it is when each leaf is visited rather than a snapshot.
//
//	it := tree.Iterate(nil)
//	defer it.Close()
//	for it.Next() {
//		use(it.Key(), it.Value())
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	t *Tree

	keys   [][]byte
	values [][]byte
	pos    int

	// seek is where the next leaf visit starts; nil means the leftmost leaf.
	seek []byte
	done bool

	key, value []byte
	err        error
}

// Iterate returns an iterator positioned before the first key >= from, or
// before the smallest key when from is nil.
func (t *Tree) Iterate(from []byte) *Iterator {
	it := &Iterator{t: t}
	if from != nil {
		if err := t.checkKey(from); err != nil {
			it.err = err
			return it
		}
		it.seek = clone(from)
	}
	return it
}

// Next advances to the next record and reports whether there is one.
func (it *Iterator) Next() bool {
	for {
		if it.pos < len(it.keys) {
			it.key = it.keys[it.pos]
			it.value = it.values[it.pos]
			it.pos++
			return true
		}
		if it.done || it.err != nil {
			it.key, it.value = nil, nil
			return false
		}
		it.err = it.fill()
	}
}

// Key returns the current key. It stays valid after Next.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value. It stays valid after Next.
func (it *Iterator) Value() []byte { return it.value }

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Close ends the iteration early.
func (it *Iterator) Close() {
	it.done = true
	it.keys, it.values = nil, nil
}

// fill loads the records of the leaf covering it.seek that are >= it.seek and
// moves the seek position to the leaf's upper fence, the smallest separator
// above the leaf. Every key at or past the fence lives in a later leaf.
func (it *Iterator) fill() error {
	t := it.t
	done, err := t.begin(false)
	if err != nil {
		return err
	}
	defer done()

	g, err := t.fetchRootShared()
	if err != nil {
		return err
	}
	var fence []byte
	for page.TypeOf(g.Data()) == page.TypeBranch {
		data := g.Data()
		count := page.Count(data)
		idx := 0
		if it.seek != nil {
			idx = t.layout.routeBranch(data, it.seek, t.cmp)
		}
		if idx < count-1 {
			fence = clone(t.layout.branchKey(data, idx))
		}
		child, ferr := t.fetch(t.layout.branchChild(data, idx, count), false)
		g.Release()
		if ferr != nil {
			return ferr
		}
		g = child
	}
	defer g.Release()

	data := g.Data()
	count := page.Count(data)
	start := 0
	if it.seek != nil {
		start = sort.Search(count, func(i int) bool { return t.cmp(t.layout.leafKey(data, i), it.seek) >= 0 })
	}
	it.keys = it.keys[:0]
	it.values = it.values[:0]
	for i := start; i < count; i++ {
		it.keys = append(it.keys, clone(t.layout.leafKey(data, i)))
		it.values = append(it.values, clone(t.layout.leafValue(data, i)))
	}
	it.pos = 0
	if fence == nil {
		it.done = true
	} else {
		it.seek = fence
	}
	return nil
}
