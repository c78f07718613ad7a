package btree

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/pagedb/pagedb/core/dberrors"
	"github.com/pagedb/pagedb/core/storage/page"
)

// Node pages share the common page header; the count field holds the number
// of records of a leaf and the number of children of a branch.
//
// Leaf body:   count slots of key | value.
//
//	Fixed values take valueWidth bytes. Length-prefixed values take a uint16
//	length followed by valueWidth bytes, of which only the prefix is used.
//
// Branch body: count-1 pairs of key | child, then the trailing child.
//
//	The child of pair i holds keys below key i; the trailing child holds keys
//	at or above the last key.
const childIDSize = 8

// layout is the per-file geometry derived from the page size and the widths.
type layout struct {
	pageSize    int
	keyWidth    int
	valueWidth  int
	varValues   bool
	valueSlot   int
	leafSlot    int
	pairSize    int
	maxLeaf     int
	minLeaf     int
	maxChildren int
	minChildren int
}

func newLayout(pageSize, keyWidth, valueWidth int, varValues bool) (layout, error) {
	if err := validateWidths(pageSize, keyWidth, valueWidth); err != nil {
		return layout{}, err
	}
	l := layout{
		pageSize:   pageSize,
		keyWidth:   keyWidth,
		valueWidth: valueWidth,
		varValues:  varValues,
		valueSlot:  valueWidth,
		pairSize:   keyWidth + childIDSize,
	}
	if varValues {
		l.valueSlot += 2
	}
	l.leafSlot = keyWidth + l.valueSlot

	body := page.BodySize(pageSize)
	l.maxLeaf = body / l.leafSlot
	l.maxChildren = (body + keyWidth) / l.pairSize
	if l.maxLeaf < 3 || l.maxChildren < 3 {
		return layout{}, fmt.Errorf("%w: page size %d holds %d records per leaf and %d children per branch, need at least 3",
			dberrors.ErrInvalidConfiguration, pageSize, l.maxLeaf, l.maxChildren)
	}
	if l.maxLeaf > 0xFFFF || l.maxChildren > 0xFFFF {
		return layout{}, fmt.Errorf("%w: page size %d holds more records than a page header can count",
			dberrors.ErrInvalidConfiguration, pageSize)
	}
	l.minLeaf = (l.maxLeaf + 1) / 2
	l.minChildren = (l.maxChildren + 1) / 2
	return l, nil
}

func (l *layout) leafOff(i int) int   { return page.HeaderSize + i*l.leafSlot }
func (l *layout) branchOff(i int) int { return page.HeaderSize + i*l.pairSize }

func (l *layout) leafKey(data []byte, i int) []byte {
	off := l.leafOff(i)
	return data[off : off+l.keyWidth]
}

func (l *layout) leafValue(data []byte, i int) []byte {
	off := l.leafOff(i) + l.keyWidth
	if l.varValues {
		n := min(int(binary.LittleEndian.Uint16(data[off:])), l.valueWidth)
		return data[off+2 : off+2+n]
	}
	return data[off : off+l.valueWidth]
}

func (l *layout) branchKey(data []byte, i int) []byte {
	off := l.branchOff(i)
	return data[off : off+l.keyWidth]
}

func (l *layout) branchChild(data []byte, i, count int) page.PageID {
	off := l.branchOff(i) + l.keyWidth
	if i == count-1 {
		off = l.branchOff(count - 1)
	}
	return page.PageID(binary.LittleEndian.Uint64(data[off:]))
}

// checkNode validates the tag and count of a node page before it is read.
func (l *layout) checkNode(id page.PageID, data []byte) error {
	count := page.Count(data)
	switch t := page.TypeOf(data); t {
	case page.TypeLeaf:
		if count > l.maxLeaf {
			return dberrors.WrapPage("check", uint64(id), fmt.Errorf("%w: leaf holds %d records, capacity %d", dberrors.ErrCorruptFormat, count, l.maxLeaf))
		}
	case page.TypeBranch:
		if count < 2 || count > l.maxChildren {
			return dberrors.WrapPage("check", uint64(id), fmt.Errorf("%w: branch holds %d children, capacity %d", dberrors.ErrCorruptFormat, count, l.maxChildren))
		}
	default:
		return dberrors.WrapPage("check", uint64(id), fmt.Errorf("%w: expected a tree node, found %s page", dberrors.ErrCorruptFormat, t))
	}
	return nil
}

// searchLeaf looks key up directly in a leaf page.
func (l *layout) searchLeaf(data []byte, key []byte, cmp func(a, b []byte) int) ([]byte, bool) {
	count := page.Count(data)
	i := sort.Search(count, func(i int) bool { return cmp(l.leafKey(data, i), key) >= 0 })
	if i < count && cmp(l.leafKey(data, i), key) == 0 {
		return l.leafValue(data, i), true
	}
	return nil, false
}

// routeBranch returns the index of the child of a branch page that covers
// key. A key equal to a separator belongs to the child right of it.
func (l *layout) routeBranch(data []byte, key []byte, cmp func(a, b []byte) int) int {
	keys := page.Count(data) - 1
	return sort.Search(keys, func(i int) bool { return cmp(l.branchKey(data, i), key) > 0 })
}

// node is the decoded, mutable form of a node page. Its slices never alias
// page memory.
type node struct {
	leaf     bool
	keys     [][]byte
	values   [][]byte
	children []page.PageID
}

func (l *layout) decode(id page.PageID, data []byte) (*node, error) {
	if err := l.checkNode(id, data); err != nil {
		return nil, err
	}
	count := page.Count(data)
	if page.TypeOf(data) == page.TypeLeaf {
		n := &node{leaf: true, keys: make([][]byte, count), values: make([][]byte, count)}
		for i := 0; i < count; i++ {
			if l.varValues {
				off := l.leafOff(i) + l.keyWidth
				if vlen := int(binary.LittleEndian.Uint16(data[off:])); vlen > l.valueWidth {
					return nil, dberrors.WrapPage("decode", uint64(id), fmt.Errorf("%w: value length %d exceeds width %d", dberrors.ErrCorruptFormat, vlen, l.valueWidth))
				}
			}
			n.keys[i] = clone(l.leafKey(data, i))
			n.values[i] = clone(l.leafValue(data, i))
		}
		return n, nil
	}
	n := &node{keys: make([][]byte, count-1), children: make([]page.PageID, count)}
	for i := 0; i < count; i++ {
		if i < count-1 {
			n.keys[i] = clone(l.branchKey(data, i))
		}
		n.children[i] = l.branchChild(data, i, count)
		if n.children[i] == page.InvalidPageID {
			return nil, dberrors.WrapPage("decode", uint64(id), fmt.Errorf("%w: branch child %d points at page 0", dberrors.ErrCorruptFormat, i))
		}
	}
	return n, nil
}

// encode writes n over data. The caller has checked that n fits.
func (l *layout) encode(n *node, data []byte) {
	clear(data[:len(data)-page.ChecksumSize])
	if n.leaf {
		page.SetType(data, page.TypeLeaf)
		page.SetCount(data, len(n.keys))
		for i := range n.keys {
			off := l.leafOff(i)
			copy(data[off:off+l.keyWidth], n.keys[i])
			off += l.keyWidth
			if l.varValues {
				binary.LittleEndian.PutUint16(data[off:], uint16(len(n.values[i])))
				off += 2
			}
			copy(data[off:], n.values[i])
		}
		return
	}
	page.SetType(data, page.TypeBranch)
	count := len(n.children)
	page.SetCount(data, count)
	for i := 0; i < count-1; i++ {
		off := l.branchOff(i)
		copy(data[off:off+l.keyWidth], n.keys[i])
		binary.LittleEndian.PutUint64(data[off+l.keyWidth:], uint64(n.children[i]))
	}
	binary.LittleEndian.PutUint64(data[l.branchOff(count-1):], uint64(n.children[count-1]))
}

// size is the fill measure bounded by maxFill and minFill.
func (n *node) size() int {
	if n.leaf {
		return len(n.keys)
	}
	return len(n.children)
}

func (l *layout) maxFill(n *node) int {
	if n.leaf {
		return l.maxLeaf
	}
	return l.maxChildren
}

func (l *layout) minFill(n *node) int {
	if n.leaf {
		return l.minLeaf
	}
	return l.minChildren
}

// find returns the position of key in a leaf and whether it is present.
func (n *node) find(key []byte, cmp func(a, b []byte) int) (int, bool) {
	i := sort.Search(len(n.keys), func(i int) bool { return cmp(n.keys[i], key) >= 0 })
	return i, i < len(n.keys) && cmp(n.keys[i], key) == 0
}

func (n *node) insertRecord(i int, key, value []byte) {
	n.keys = insertAt(n.keys, i, key)
	n.values = insertAt(n.values, i, value)
}

func (n *node) removeRecord(i int) {
	n.keys = removeAt(n.keys, i)
	n.values = removeAt(n.values, i)
}

// insertChild records that child i was split at sep, with right holding the
// upper half.
func (n *node) insertChild(i int, sep []byte, right page.PageID) {
	n.keys = insertAt(n.keys, i, sep)
	n.children = insertAt(n.children, i+1, right)
}

// split moves the upper half of an overflowing node into a new node and
// returns it with the separator the parent needs. Leaves copy the first key
// of the right half up; branches move their middle key up.
func (n *node) split() (*node, []byte) {
	if n.leaf {
		mid := len(n.keys) / 2
		right := &node{
			leaf:   true,
			keys:   append([][]byte(nil), n.keys[mid:]...),
			values: append([][]byte(nil), n.values[mid:]...),
		}
		n.keys = n.keys[:mid:mid]
		n.values = n.values[:mid:mid]
		return right, clone(right.keys[0])
	}
	mid := len(n.keys) / 2
	sep := n.keys[mid]
	right := &node{
		keys:     append([][]byte(nil), n.keys[mid+1:]...),
		children: append([]page.PageID(nil), n.children[mid+1:]...),
	}
	n.keys = n.keys[:mid:mid]
	n.children = n.children[: mid+1 : mid+1]
	return right, sep
}

// absorb appends right, the next sibling of n, into n. sep is the parent key
// between them and only matters for branches.
func (n *node) absorb(right *node, sep []byte) {
	if n.leaf {
		n.keys = append(n.keys, right.keys...)
		n.values = append(n.values, right.values...)
		return
	}
	n.keys = append(append(n.keys, sep), right.keys...)
	n.children = append(n.children, right.children...)
}

func clone(b []byte) []byte { return append([]byte(nil), b...) }

func insertAt[T any](s []T, i int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt[T any](s []T, i int) []T {
	copy(s[i:], s[i+1:])
	var zero T
	s[len(s)-1] = zero
	return s[:len(s)-1]
}
