package btree

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pagedb/pagedb/core/dberrors"
	"github.com/pagedb/pagedb/core/storage/bufferpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConcurrentWritersAndReaders(t *testing.T) {
	opts := smallOptions(t)
	opts.CacheSize = 64
	tree, _ := setupTree(t, opts)

	const (
		writers   = 4
		perWriter = 300
	)

	var wg sync.WaitGroup
	errs := make(chan error, writers*4)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			base := uint64(w * perWriter)
			for k := base; k < base+perWriter; k++ {
				if err := tree.Put(u64(k), u64(k)); err != nil {
					errs <- err
					return
				}
			}
			// Remove every third key of this writer's range.
			for k := base; k < base+perWriter; k += 3 {
				found, err := tree.Erase(u64(k))
				if err != nil {
					errs <- err
					return
				}
				if !found {
					errs <- errMissing(k)
					return
				}
			}
		}(w)
	}

	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; round < 20; round++ {
				it := tree.Iterate(nil)
				var prev []byte
				for it.Next() {
					if prev != nil && tree.cmp(prev, it.Key()) >= 0 {
						errs <- errOrder(prev, it.Key())
						it.Close()
						return
					}
					if fromU64(it.Key()) != fromU64(it.Value()) {
						errs <- errMissing(fromU64(it.Key()))
						it.Close()
						return
					}
					prev = it.Key()
				}
				if err := it.Err(); err != nil {
					errs <- err
					return
				}
				for k := uint64(0); k < writers*perWriter; k += 37 {
					if _, _, err := tree.Get(u64(k)); err != nil {
						errs <- err
						return
					}
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, tree.Verify())
	require.Equal(t, int64(writers*perWriter-writers*perWriter/3), tree.Len())
	for k := uint64(0); k < writers*perWriter; k++ {
		_, found, err := tree.Get(u64(k))
		require.NoError(t, err)
		require.Equal(t, k%uint64(perWriter)%3 != 0, found, "key %d", k)
	}
	require.Equal(t, 0, stats(t, tree).Cache.Pinned)
}

func TestConcurrentOverlappingKeys(t *testing.T) {
	opts := smallOptions(t)
	opts.CacheSize = MinCacheSize
	opts.Logger = zap.NewNop()
	tree, _ := setupTree(t, opts)

	const (
		workers = 8
		keys    = 400
		ops     = 3000
	)
	for k := uint64(0); k < keys; k += 2 {
		require.NoError(t, tree.Put(u64(k), u64(k<<8)))
	}

	// Values carry their key in the upper bytes and the writer in the low
	// byte, so a record can be checked without knowing who wrote it last.
	var exhausted atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < ops; i++ {
				k := uint64(rng.Intn(keys))
				var err error
				switch rng.Intn(4) {
				case 0, 1:
					err = tree.Put(u64(k), u64(k<<8|uint64(w)))
				case 2:
					_, err = tree.Erase(u64(k))
				default:
					var v []byte
					var found bool
					v, found, err = tree.Get(u64(k))
					if err == nil && found && fromU64(v)>>8 != k {
						assert.Failf(t, "record holds another key's value", "key %d: %x", k, v)
						return
					}
				}
				if errors.Is(err, dberrors.ErrCacheExhausted) {
					exhausted.Add(1)
					continue
				}
				if !assert.NoError(t, err) {
					return
				}
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, tree.Verify())
	var n int64
	it := tree.Iterate(nil)
	for it.Next() {
		require.Equal(t, fromU64(it.Key()), fromU64(it.Value())>>8)
		n++
	}
	it.Close()
	require.NoError(t, it.Err())
	require.Equal(t, tree.Len(), n)
	require.Zero(t, stats(t, tree).Cache.Pinned)
	t.Logf("%d operations found the cache fully pinned", exhausted.Load())
}

func TestCacheExhaustedDuringRebalanceLeavesTreeUnchanged(t *testing.T) {
	opts := smallOptions(t)
	opts.CacheSize = MinCacheSize
	opts.Logger = zap.NewNop()
	tree, _ := setupTree(t, opts)

	const n = 1200
	for k := uint64(0); k < n; k++ {
		require.NoError(t, tree.Put(u64(k), u64(k)))
	}
	// Erasing key 0 needs the whole leftmost path latched plus one sibling
	// at a time. Another holder pins pages of the rightmost path until only
	// the path itself fits.
	latched := len(spine(t, tree, u64(0)))
	right := spine(t, tree, u64(n-1))
	others := MinCacheSize - latched
	require.Less(t, others, len(right), "tree too shallow to fill the cache")

	var held []*bufferpool.PageGuard
	for _, id := range right[len(right)-others:] {
		g, err := tree.bpm.FetchPage(id)
		require.NoError(t, err)
		held = append(held, g)
	}

	found, err := tree.Erase(u64(0))
	require.ErrorIs(t, err, dberrors.ErrCacheExhausted)
	require.False(t, found)
	require.Equal(t, int64(n), tree.Len())
	for _, g := range held {
		g.Release()
	}

	require.NoError(t, tree.Verify())
	_, found, err = tree.Get(u64(0))
	require.NoError(t, err)
	require.True(t, found)
	found, err = tree.Erase(u64(0))
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, tree.Verify())
}

func TestFlushDuringWrites(t *testing.T) {
	tree, _ := setupTree(t, smallOptions(t))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for k := uint64(0); k < 500; k++ {
			assert.NoError(t, tree.Put(u64(k), u64(k)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			assert.NoError(t, tree.Flush())
		}
	}()
	wg.Wait()

	require.NoError(t, tree.Verify())
	require.Equal(t, int64(500), tree.Len())
}

func errMissing(k uint64) error { return fmt.Errorf("unexpected state for key %d", k) }

func errOrder(a, b []byte) error {
	return fmt.Errorf("iterator out of order: %x then %x", a, b)
}
