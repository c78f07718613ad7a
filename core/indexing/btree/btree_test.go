package btree

import (
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/pagedb/pagedb/core/dberrors"
	"github.com/pagedb/pagedb/core/storage/page"
	"github.com/pagedb/pagedb/core/storage/pagestore"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// --- Test Helpers ---

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func fromU64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// smallOptions gives 7 records per leaf and 7 children per branch, so a few
// hundred keys already build a tree several levels deep.
func smallOptions(t *testing.T) Options {
	return Options{
		PageSize:   128,
		CacheSize:  16,
		KeyWidth:   8,
		ValueWidth: 8,
		Logger:     zaptest.NewLogger(t),
	}
}

// setupTree creates a tree in a temporary directory and closes it at cleanup.
func setupTree(t *testing.T, opts Options) (*Tree, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tree.db")
	tree, err := Create(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { tree.Close() })
	return tree, path
}

func collect(t *testing.T, tree *Tree, from []byte) []uint64 {
	t.Helper()
	var keys []uint64
	it := tree.Iterate(from)
	defer it.Close()
	for it.Next() {
		keys = append(keys, fromU64(it.Key()))
	}
	require.NoError(t, it.Err())
	return keys
}

func stats(t *testing.T, tree *Tree) Stats {
	t.Helper()
	s, err := tree.Stats()
	require.NoError(t, err)
	return s
}

// --- Test Cases ---

func TestCreateEmptyTree(t *testing.T) {
	tree, _ := setupTree(t, smallOptions(t))

	s := stats(t, tree)
	require.Equal(t, 1, s.Height)
	require.Equal(t, int64(0), s.RecordCount)
	require.Equal(t, page.PageID(1), s.RootPageID)
	require.Equal(t, 7, s.MaxLeaf)

	_, found, err := tree.Get(u64(1))
	require.NoError(t, err)
	require.False(t, found)

	found, err = tree.Erase(u64(1))
	require.NoError(t, err)
	require.False(t, found, "erasing a missing key is not an error")

	require.Empty(t, collect(t, tree, nil))
	require.NoError(t, tree.Verify())
}

func TestCreateValidatesConfiguration(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]Options{
		"fanout below three": {PageSize: 128, KeyWidth: 40, ValueWidth: 40},
		"zero key width":     {PageSize: 4096, KeyWidth: 0, ValueWidth: 8},
		"tiny cache":         {PageSize: 4096, KeyWidth: 8, ValueWidth: 8, CacheSize: 2},
		"tiny page":          {PageSize: 64, KeyWidth: 8, ValueWidth: 8},
	}
	for name, opts := range cases {
		path := filepath.Join(dir, name+".db")
		_, err := Create(path, opts)
		require.ErrorIs(t, err, dberrors.ErrInvalidConfiguration, name)
		_, statErr := os.Stat(path)
		require.True(t, os.IsNotExist(statErr), "%s: no file is left behind", name)
	}
}

func TestFourKilobytePageScenario(t *testing.T) {
	tree, _ := setupTree(t, Options{PageSize: 4096, CacheSize: 16, KeyWidth: 8, ValueWidth: 8, Logger: zaptest.NewLogger(t)})
	require.Equal(t, 255, stats(t, tree).MaxLeaf)

	for k := uint64(0); k < 255; k++ {
		require.NoError(t, tree.Put(u64(k), u64(k*10)))
	}
	require.Equal(t, 1, stats(t, tree).Height, "a full root leaf has not split yet")
	require.NoError(t, tree.Put(u64(255), u64(2550)))
	require.Equal(t, 2, stats(t, tree).Height, "the 256th key splits the root leaf")

	for k := uint64(256); k < 1000; k++ {
		require.NoError(t, tree.Put(u64(k), u64(k*10)))
	}
	require.Equal(t, int64(1000), tree.Len())

	v, found, err := tree.Get(u64(500))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(5000), fromU64(v))

	for k := uint64(0); k < 500; k++ {
		found, err := tree.Erase(u64(k))
		require.NoError(t, err)
		require.True(t, found, "key %d", k)
	}
	_, found, err = tree.Get(u64(250))
	require.NoError(t, err)
	require.False(t, found)

	keys := collect(t, tree, u64(500))
	require.Len(t, keys, 500)
	for i, k := range keys {
		require.Equal(t, uint64(500+i), k)
	}
	require.NoError(t, tree.Verify())
}

func TestPutOverwritesExistingKey(t *testing.T) {
	tree, _ := setupTree(t, smallOptions(t))

	require.NoError(t, tree.Put(u64(7), u64(1)))
	require.NoError(t, tree.Put(u64(7), u64(2)))
	require.Equal(t, int64(1), tree.Len())

	v, found, err := tree.Get(u64(7))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(2), fromU64(v))
}

func TestPutRejectsBadWidths(t *testing.T) {
	tree, _ := setupTree(t, smallOptions(t))

	require.ErrorIs(t, tree.Put([]byte("short"), u64(1)), dberrors.ErrInvalidKey)
	require.ErrorIs(t, tree.Put(u64(1), []byte("toolongvalue")), dberrors.ErrInvalidValue)
	_, _, err := tree.Get([]byte{1})
	require.ErrorIs(t, err, dberrors.ErrInvalidKey)

	it := tree.Iterate([]byte{1, 2})
	require.False(t, it.Next())
	require.ErrorIs(t, it.Err(), dberrors.ErrInvalidKey)
}

func TestRandomOperationsMatchReferenceMap(t *testing.T) {
	opts := smallOptions(t)
	opts.VerifyAfterMutation = true
	tree, path := setupTree(t, opts)

	rng := rand.New(rand.NewSource(42))
	ref := make(map[uint64]uint64)
	for i := 0; i < 3000; i++ {
		k := uint64(rng.Intn(400))
		if rng.Intn(10) < 6 {
			v := rng.Uint64()
			require.NoError(t, tree.Put(u64(k), u64(v)))
			ref[k] = v
		} else {
			found, err := tree.Erase(u64(k))
			require.NoError(t, err)
			_, want := ref[k]
			require.Equal(t, want, found, "erase %d at step %d", k, i)
			delete(ref, k)
		}
	}
	requireMatches(t, tree, ref)
	require.Greater(t, stats(t, tree).Height, 2)

	require.NoError(t, tree.Close())
	reopened, err := Open(path, Options{CacheSize: 16, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer reopened.Close()
	requireMatches(t, reopened, ref)
	require.NoError(t, reopened.Verify())
}

func requireMatches(t *testing.T, tree *Tree, ref map[uint64]uint64) {
	t.Helper()
	require.Equal(t, int64(len(ref)), tree.Len())

	want := make([]uint64, 0, len(ref))
	for k := range ref {
		want = append(want, k)
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	require.Equal(t, want, collect(t, tree, nil))

	for k := uint64(0); k < 400; k++ {
		v, found, err := tree.Get(u64(k))
		require.NoError(t, err)
		rv, ok := ref[k]
		require.Equal(t, ok, found, "key %d", k)
		if ok {
			require.Equal(t, rv, fromU64(v), "key %d", k)
		}
	}
}

func TestCloseAndReopenPreservesContents(t *testing.T) {
	opts := smallOptions(t)
	opts.VariableValues = true
	opts.ValueWidth = 6
	tree, path := setupTree(t, opts)

	values := []string{"", "a", "bb", "cccccc"}
	for k := uint64(0); k < 300; k++ {
		require.NoError(t, tree.Put(u64(k), []byte(values[k%4])))
	}
	before := stats(t, tree)
	require.NoError(t, tree.Close())
	require.NoError(t, tree.Close(), "second close is a no-op")
	_, _, err := tree.Get(u64(1))
	require.ErrorIs(t, err, dberrors.ErrStoreClosed)

	reopened, err := Open(path, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer reopened.Close()

	after := stats(t, reopened)
	require.Equal(t, before.StoreID, after.StoreID)
	require.Equal(t, before.RootPageID, after.RootPageID)
	require.Equal(t, before.Height, after.Height)
	require.Equal(t, int64(300), after.RecordCount)
	require.Equal(t, 16, after.Cache.Capacity, "cache size defaults to the stored value")

	for k := uint64(0); k < 300; k++ {
		v, found, err := reopened.Get(u64(k))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, values[k%4], string(v))
	}
	require.NoError(t, reopened.Verify())
}

func TestEraseEverythingCollapsesAndReusesPages(t *testing.T) {
	tree, _ := setupTree(t, smallOptions(t))

	for k := uint64(0); k < 500; k++ {
		require.NoError(t, tree.Put(u64(k), u64(k)))
	}
	grown := stats(t, tree)
	require.Greater(t, grown.Height, 2)

	rng := rand.New(rand.NewSource(7))
	for _, k := range rng.Perm(500) {
		found, err := tree.Erase(u64(uint64(k)))
		require.NoError(t, err)
		require.True(t, found)
	}
	empty := stats(t, tree)
	require.Equal(t, 1, empty.Height)
	require.Equal(t, int64(0), empty.RecordCount)
	require.Empty(t, collect(t, tree, nil))
	require.NotEqual(t, page.InvalidPageID, empty.FreeListHead)
	require.NoError(t, tree.Verify())

	// Eight keys overflow the root leaf; both pages of the split come from
	// the free list.
	for k := uint64(0); k < 8; k++ {
		require.NoError(t, tree.Put(u64(k), u64(k)))
	}
	refilled := stats(t, tree)
	require.Equal(t, 2, refilled.Height)
	require.Equal(t, grown.NumPages, refilled.NumPages, "file does not grow while free pages remain")
	require.NotEqual(t, empty.FreeListHead, refilled.FreeListHead)
}

func TestStorageFullLeavesTreeIntact(t *testing.T) {
	opts := smallOptions(t)
	opts.MaxPages = 6
	tree, _ := setupTree(t, opts)

	var stored uint64
	var err error
	for k := uint64(0); k < 1000; k++ {
		if err = tree.Put(u64(k), u64(k)); err != nil {
			break
		}
		stored++
	}
	require.ErrorIs(t, err, dberrors.ErrStorageFull)
	require.Equal(t, int64(stored), tree.Len())
	require.NoError(t, tree.Verify())

	_, found, err := tree.Get(u64(stored))
	require.NoError(t, err)
	require.False(t, found)
	for k := uint64(0); k < stored; k++ {
		_, found, err := tree.Get(u64(k))
		require.NoError(t, err)
		require.True(t, found)
	}

	// Updates in place still succeed.
	require.NoError(t, tree.Put(u64(0), u64(99)))
}

func TestMinimumCacheCarriesDeepTrees(t *testing.T) {
	opts := smallOptions(t)
	opts.CacheSize = MinCacheSize
	opts.Logger = zap.NewNop()
	tree, _ := setupTree(t, opts)

	// Ascending keys leave every node but the rightmost at minimum fill, so
	// the tree grows as tall as the cache allows.
	var stored uint64
	var err error
	for ; stored < 200000; stored++ {
		if err = tree.Put(u64(stored), u64(stored)); err != nil {
			break
		}
	}
	require.ErrorIs(t, err, dberrors.ErrCacheExhausted)
	s := stats(t, tree)
	require.Equal(t, MinCacheSize-1, s.Height, "root stops growing once height+1 fills the cache")
	require.Equal(t, int64(stored), s.RecordCount)
	require.Zero(t, s.Cache.Pinned)
	require.NoError(t, tree.Verify())

	_, found, err := tree.Get(u64(stored))
	require.NoError(t, err)
	require.False(t, found, "refused key was not stored")

	// Erasing borrows and merges through every level with the same cache.
	rng := rand.New(rand.NewSource(11))
	for i, k := range rng.Perm(int(stored)) {
		found, err := tree.Erase(u64(uint64(k)))
		require.NoError(t, err, "erase %d", k)
		require.True(t, found)
		if i == int(stored)/2 {
			require.NoError(t, tree.Verify())
		}
	}
	require.Equal(t, 1, stats(t, tree).Height)
	require.NoError(t, tree.Verify())
}

func TestOpenRejectsCacheSmallerThanTree(t *testing.T) {
	tree, path := setupTree(t, smallOptions(t))
	require.NoError(t, tree.Put(u64(1), u64(1)))
	require.NoError(t, tree.Close())

	store, err := pagestore.Open(path, pagestore.Options{})
	require.NoError(t, err)
	store.UpdateHeader(func(h *pagestore.FileHeader) { h.Height = MinCacheSize })
	require.NoError(t, store.WriteHeader())
	require.NoError(t, store.Close())

	_, err = Open(path, Options{CacheSize: MinCacheSize, Logger: zaptest.NewLogger(t)})
	require.ErrorIs(t, err, dberrors.ErrInvalidConfiguration)
}

// readNode decodes page id of tree.
func readNode(t *testing.T, tree *Tree, id page.PageID) *node {
	t.Helper()
	g, err := tree.fetch(id, false)
	require.NoError(t, err)
	defer g.Release()
	n, err := tree.layout.decode(id, g.Data())
	require.NoError(t, err)
	return n
}

// spine returns the page ids from the root down to the leaf covering key.
func spine(t *testing.T, tree *Tree, key []byte) []page.PageID {
	t.Helper()
	ids := []page.PageID{tree.root}
	for n := readNode(t, tree, tree.root); !n.leaf; {
		idx := sort.Search(len(n.keys), func(i int) bool { return tree.cmp(n.keys[i], key) > 0 })
		ids = append(ids, n.children[idx])
		n = readNode(t, tree, n.children[idx])
	}
	return ids
}

func TestFailedRebalanceLeavesTreeUnchanged(t *testing.T) {
	tree, path := setupTree(t, smallOptions(t))
	const n = 300
	for k := uint64(0); k < n; k++ {
		require.NoError(t, tree.Put(u64(k), u64(k)))
	}
	height := stats(t, tree).Height
	require.GreaterOrEqual(t, height, 3)
	// Erasing key 0 merges the leftmost node of every level with its right
	// neighbour, up to the second child of the root.
	uncle := readNode(t, tree, tree.root).children[1]
	require.NoError(t, tree.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	off := int64(uncle)*128 + page.HeaderSize + 3
	original := make([]byte, 1)
	_, err = f.ReadAt(original, off)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{^original[0]}, off)
	require.NoError(t, err)

	reopened, err := Open(path, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer reopened.Close()

	found, err := reopened.Erase(u64(0))
	require.ErrorIs(t, err, dberrors.ErrCorruptFormat)
	require.False(t, found)
	require.Equal(t, int64(n), reopened.Len())
	require.Equal(t, height, stats(t, reopened).Height)
	_, found, err = reopened.Get(u64(0))
	require.NoError(t, err)
	require.True(t, found, "record survives the failed erase")
	require.Zero(t, stats(t, reopened).Cache.Pinned)

	// With the page repaired the untouched tree checks out and the erase
	// goes through.
	_, err = f.WriteAt(original, off)
	require.NoError(t, err)
	require.NoError(t, reopened.Verify())
	found, err = reopened.Erase(u64(0))
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, reopened.Verify())
	require.Len(t, collect(t, reopened, nil), n-1)
}

func TestCorruptPageIsReported(t *testing.T) {
	tree, path := setupTree(t, smallOptions(t))
	for k := uint64(0); k < 5; k++ {
		require.NoError(t, tree.Put(u64(k), u64(k)))
	}
	root := stats(t, tree).RootPageID
	require.NoError(t, tree.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xEE}, int64(root)*128+page.HeaderSize+3)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer reopened.Close()

	_, _, err = reopened.Get(u64(1))
	require.ErrorIs(t, err, dberrors.ErrCorruptFormat)
	require.Equal(t, dberrors.KindCorruptFormat, dberrors.Classify(err))
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.db"), Options{})
	require.ErrorIs(t, err, dberrors.ErrDBFileNotFound)
}

func TestExternalConcurrencyMode(t *testing.T) {
	opts := smallOptions(t)
	opts.Concurrency = External
	tree, _ := setupTree(t, opts)

	for k := uint64(0); k < 200; k++ {
		require.NoError(t, tree.Put(u64(k), u64(k)))
	}
	for k := uint64(0); k < 200; k += 2 {
		_, err := tree.Erase(u64(k))
		require.NoError(t, err)
	}
	require.Len(t, collect(t, tree, nil), 100)
	require.NoError(t, tree.Verify())
}

func TestBackup(t *testing.T) {
	tree, _ := setupTree(t, smallOptions(t))
	for k := uint64(0); k < 100; k++ {
		require.NoError(t, tree.Put(u64(k), u64(k)))
	}

	dst := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, tree.Backup(t.Context(), dst, 0))

	// Writes after the backup do not reach it.
	require.NoError(t, tree.Put(u64(1000), u64(1)))

	backup, err := Open(dst, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer backup.Close()
	require.Equal(t, int64(100), backup.Len())
	require.NoError(t, backup.Verify())
	_, found, err := backup.Get(u64(1000))
	require.NoError(t, err)
	require.False(t, found)
}
