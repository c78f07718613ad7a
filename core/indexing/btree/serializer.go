package btree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	"github.com/pagedb/pagedb/core/dberrors"
)

// KeyValueSerializer converts typed keys and values to the fixed-width byte
// form stored in pages. Serialized keys are compared with the tree
// comparator, bytes.Compare by default, so key encodings must preserve order.
type KeyValueSerializer[K any, V any] struct {
	KeyWidth         int
	ValueWidth       int
	VariableValues   bool
	SerializeKey     func(K) ([]byte, error)
	DeserializeKey   func([]byte) (K, error)
	SerializeValue   func(V) ([]byte, error)
	DeserializeValue func([]byte) (V, error)
}

func (kv KeyValueSerializer[K, V]) validate() error {
	if kv.SerializeKey == nil || kv.DeserializeKey == nil || kv.SerializeValue == nil || kv.DeserializeValue == nil {
		return fmt.Errorf("%w: all key/value serializers must be provided", dberrors.ErrInvalidConfiguration)
	}
	return nil
}

// BTree is a typed view over a Tree.
type BTree[K any, V any] struct {
	tree *Tree
	kv   KeyValueSerializer[K, V]
}

// NewBTreeFile creates a typed tree file. The widths in kv override those in
// opts.
func NewBTreeFile[K any, V any](path string, kv KeyValueSerializer[K, V], opts Options) (*BTree[K, V], error) {
	if err := kv.validate(); err != nil {
		return nil, err
	}
	opts.KeyWidth = kv.KeyWidth
	opts.ValueWidth = kv.ValueWidth
	opts.VariableValues = kv.VariableValues
	tree, err := Create(path, opts)
	if err != nil {
		return nil, err
	}
	return &BTree[K, V]{tree: tree, kv: kv}, nil
}

// OpenBTreeFile opens a typed tree file and checks that kv matches the
// stored layout.
func OpenBTreeFile[K any, V any](path string, kv KeyValueSerializer[K, V], opts Options) (*BTree[K, V], error) {
	if err := kv.validate(); err != nil {
		return nil, err
	}
	tree, err := Open(path, opts)
	if err != nil {
		return nil, err
	}
	l := tree.layout
	if l.keyWidth != kv.KeyWidth || l.valueWidth != kv.ValueWidth || l.varValues != kv.VariableValues {
		tree.Close()
		return nil, fmt.Errorf("%w: file stores %d byte keys and %d byte values (variable=%v), serializer expects %d, %d (variable=%v)",
			dberrors.ErrInvalidConfiguration, l.keyWidth, l.valueWidth, l.varValues, kv.KeyWidth, kv.ValueWidth, kv.VariableValues)
	}
	return &BTree[K, V]{tree: tree, kv: kv}, nil
}

// OpenOrCreateBTreeFile opens the typed tree at path, creating it and its
// parent directory when the file does not exist yet.
func OpenOrCreateBTreeFile[K any, V any](path string, kv KeyValueSerializer[K, V], opts Options) (bt *BTree[K, V], created bool, err error) {
	bt, err = OpenBTreeFile(path, kv, opts)
	if !errors.Is(err, dberrors.ErrDBFileNotFound) {
		return bt, false, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, false, fmt.Errorf("%w: create data directory: %v", dberrors.ErrStorageIO, err)
		}
	}
	bt, err = NewBTreeFile(path, kv, opts)
	return bt, err == nil, err
}

// Tree returns the underlying byte-level tree.
func (bt *BTree[K, V]) Tree() *Tree { return bt.tree }

func (bt *BTree[K, V]) Get(key K) (V, bool, error) {
	var zero V
	k, err := bt.kv.SerializeKey(key)
	if err != nil {
		return zero, false, fmt.Errorf("%w: %v", dberrors.ErrInvalidKey, err)
	}
	raw, found, err := bt.tree.Get(k)
	if err != nil || !found {
		return zero, found, err
	}
	v, err := bt.kv.DeserializeValue(raw)
	if err != nil {
		return zero, false, fmt.Errorf("%w: stored value: %v", dberrors.ErrCorruptFormat, err)
	}
	return v, true, nil
}

func (bt *BTree[K, V]) Put(key K, value V) error {
	k, err := bt.kv.SerializeKey(key)
	if err != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrInvalidKey, err)
	}
	v, err := bt.kv.SerializeValue(value)
	if err != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrInvalidValue, err)
	}
	return bt.tree.Put(k, v)
}

func (bt *BTree[K, V]) Erase(key K) (bool, error) {
	k, err := bt.kv.SerializeKey(key)
	if err != nil {
		return false, fmt.Errorf("%w: %v", dberrors.ErrInvalidKey, err)
	}
	return bt.tree.Erase(k)
}

// Scan calls fn for each record with key >= *from (every record when from is
// nil) in ascending order until fn returns false.
func (bt *BTree[K, V]) Scan(from *K, fn func(K, V) bool) error {
	var start []byte
	if from != nil {
		k, err := bt.kv.SerializeKey(*from)
		if err != nil {
			return fmt.Errorf("%w: %v", dberrors.ErrInvalidKey, err)
		}
		start = k
	}
	it := bt.tree.Iterate(start)
	defer it.Close()
	for it.Next() {
		k, err := bt.kv.DeserializeKey(it.Key())
		if err != nil {
			return fmt.Errorf("%w: stored key: %v", dberrors.ErrCorruptFormat, err)
		}
		v, err := bt.kv.DeserializeValue(it.Value())
		if err != nil {
			return fmt.Errorf("%w: stored value: %v", dberrors.ErrCorruptFormat, err)
		}
		if !fn(k, v) {
			return nil
		}
	}
	return it.Err()
}

// All returns an iterator over the records from *from onward. Errors end the
// sequence and are stored in *errp when errp is not nil.
func (bt *BTree[K, V]) All(from *K, errp *error) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		err := bt.Scan(from, yield)
		if errp != nil {
			*errp = err
		}
	}
}

func (bt *BTree[K, V]) Len() int64            { return bt.tree.Len() }
func (bt *BTree[K, V]) Flush() error          { return bt.tree.Flush() }
func (bt *BTree[K, V]) Verify() error         { return bt.tree.Verify() }
func (bt *BTree[K, V]) Stats() (Stats, error) { return bt.tree.Stats() }
func (bt *BTree[K, V]) Close() error          { return bt.tree.Close() }

// --- Serializers ---

var errWidth = errors.New("encoded length does not match width")

// SerializeUint64 encodes v big endian so byte order matches numeric order.
func SerializeUint64(v uint64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, v), nil
}

func DeserializeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: %d bytes for uint64", errWidth, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// SerializeInt64 flips the sign bit so that negative numbers sort first.
func SerializeInt64(v int64) ([]byte, error) {
	return SerializeUint64(uint64(v) ^ (1 << 63))
}

func DeserializeInt64(b []byte) (int64, error) {
	u, err := DeserializeUint64(b)
	return int64(u ^ (1 << 63)), err
}

// FixedString returns a serializer pair that pads strings with zero bytes to
// width. Strings longer than width or containing a zero byte are rejected.
func FixedString(width int) (func(string) ([]byte, error), func([]byte) (string, error)) {
	ser := func(s string) ([]byte, error) {
		if len(s) > width {
			return nil, fmt.Errorf("%w: %d byte string exceeds %d", errWidth, len(s), width)
		}
		if bytes.IndexByte([]byte(s), 0) >= 0 {
			return nil, errors.New("fixed width strings cannot contain zero bytes")
		}
		b := make([]byte, width)
		copy(b, s)
		return b, nil
	}
	de := func(b []byte) (string, error) {
		if len(b) != width {
			return "", fmt.Errorf("%w: %d bytes for a %d byte string", errWidth, len(b), width)
		}
		return string(bytes.TrimRight(b, "\x00")), nil
	}
	return ser, de
}

func SerializeBytes(b []byte) ([]byte, error)   { return b, nil }
func DeserializeBytes(b []byte) ([]byte, error) { return bytes.Clone(b), nil }
func SerializeString(s string) ([]byte, error)  { return []byte(s), nil }
func DeserializeString(b []byte) (string, error) {
	return string(b), nil
}

// Uint64Serializer stores uint64 keys and uint64 values in 8 bytes each.
func Uint64Serializer() KeyValueSerializer[uint64, uint64] {
	return KeyValueSerializer[uint64, uint64]{
		KeyWidth:         8,
		ValueWidth:       8,
		SerializeKey:     SerializeUint64,
		DeserializeKey:   DeserializeUint64,
		SerializeValue:   SerializeUint64,
		DeserializeValue: DeserializeUint64,
	}
}

// StringSerializer stores zero-padded keys of up to keyWidth bytes and
// variable length values of up to maxValue bytes.
func StringSerializer(keyWidth, maxValue int) KeyValueSerializer[string, string] {
	serKey, deKey := FixedString(keyWidth)
	return KeyValueSerializer[string, string]{
		KeyWidth:         keyWidth,
		ValueWidth:       maxValue,
		VariableValues:   true,
		SerializeKey:     serKey,
		DeserializeKey:   deKey,
		SerializeValue:   SerializeString,
		DeserializeValue: DeserializeString,
	}
}

// Int64BytesSerializer stores int64 keys and variable length byte values.
func Int64BytesSerializer(maxValue int) KeyValueSerializer[int64, []byte] {
	return KeyValueSerializer[int64, []byte]{
		KeyWidth:         8,
		ValueWidth:       maxValue,
		VariableValues:   true,
		SerializeKey:     SerializeInt64,
		DeserializeKey:   DeserializeInt64,
		SerializeValue:   SerializeBytes,
		DeserializeValue: DeserializeBytes,
	}
}
