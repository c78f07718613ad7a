// Package btree implements an ordered key/value store as a B+ tree whose
// nodes are pages of a single file, reached through a bounded page cache.
package btree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pagedb/pagedb/core/dberrors"
	"github.com/pagedb/pagedb/core/storage/bufferpool"
	"github.com/pagedb/pagedb/core/storage/page"
	"github.com/pagedb/pagedb/core/storage/pagestore"
	internaltelemetry "github.com/pagedb/pagedb/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Tree is a B+ tree over fixed-width byte keys. Leaves hold all records;
// branches hold separators. All methods are safe for concurrent use unless
// the tree was opened with External concurrency.
type Tree struct {
	store    *pagestore.PageStore
	bpm      *bufferpool.BufferPoolManager
	layout   layout
	cmp      func(a, b []byte) int
	latching bool
	paranoid bool

	// rootLatch guards root and height. Writers hold it exclusively until
	// they know the root cannot split or collapse.
	rootLatch sync.RWMutex
	root      page.PageID
	height    int
	count     atomic.Int64

	// opLatch is held shared by every operation and exclusively by Flush,
	// Close and Backup.
	opLatch sync.RWMutex
	closed  bool

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// Stats describes the shape and occupancy of a tree.
type Stats struct {
	StoreID      uuid.UUID
	RootPageID   page.PageID
	Height       int
	RecordCount  int64
	NumPages     uint64
	FreeListHead page.PageID
	PageSize     int
	KeyWidth     int
	ValueWidth   int
	MaxLeaf      int
	MinLeaf      int
	MaxChildren  int
	MinChildren  int
	Cache        bufferpool.Stats
}

// Create makes a new tree file at path holding an empty root leaf.
func Create(path string, opts Options) (*Tree, error) {
	opts = opts.withDefaults()
	if opts.CacheSize == 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if err := validateCacheSize(opts.CacheSize); err != nil {
		return nil, err
	}
	l, err := newLayout(opts.PageSize, opts.KeyWidth, opts.ValueWidth, opts.VariableValues)
	if err != nil {
		return nil, err
	}
	metrics, err := internaltelemetry.NewStorageMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage metrics: %w", err)
	}

	encoding := pagestore.ValueFixed
	if opts.VariableValues {
		encoding = pagestore.ValueLengthPrefixed
	}
	store, err := pagestore.Create(path, pagestore.FileHeader{
		PageSize:      uint32(opts.PageSize),
		CacheSize:     uint32(opts.CacheSize),
		KeyWidth:      uint16(opts.KeyWidth),
		ValueWidth:    uint16(opts.ValueWidth),
		ValueEncoding: encoding,
	}, pagestore.Options{MaxPages: opts.MaxPages, Logger: opts.Logger, Metrics: metrics})
	if err != nil {
		return nil, err
	}

	t, err := newTree(store, l, opts, metrics)
	if err != nil {
		store.Close()
		os.Remove(path)
		return nil, err
	}

	rootGuard, err := t.bpm.NewPage()
	if err != nil {
		store.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to create initial root page: %w", err)
	}
	t.layout.encode(&node{leaf: true}, rootGuard.Data())
	rootGuard.MarkDirty()
	t.root = rootGuard.PageID()
	t.height = 1
	rootGuard.Release()

	if err := t.flushInternal(); err != nil {
		store.Close()
		os.Remove(path)
		return nil, err
	}
	t.logger.Info("created btree",
		zap.String("path", path),
		zap.Int("page_size", l.pageSize),
		zap.Int("key_width", l.keyWidth),
		zap.Int("value_width", l.valueWidth),
		zap.Int("max_leaf", l.maxLeaf),
		zap.Int("max_children", l.maxChildren))
	return t, nil
}

// Open loads an existing tree file. The layout comes from the file header;
// opts.CacheSize falls back to the value stored at creation.
func Open(path string, opts Options) (*Tree, error) {
	opts = opts.withDefaults()
	metrics, err := internaltelemetry.NewStorageMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage metrics: %w", err)
	}
	store, err := pagestore.Open(path, pagestore.Options{MaxPages: opts.MaxPages, Logger: opts.Logger, Metrics: metrics})
	if err != nil {
		return nil, err
	}
	h := store.Header()

	l, err := newLayout(int(h.PageSize), int(h.KeyWidth), int(h.ValueWidth), h.ValueEncoding == pagestore.ValueLengthPrefixed)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("%w: stored layout is unusable: %v", dberrors.ErrCorruptFormat, err)
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = int(h.CacheSize)
	}
	if err := validateCacheSize(opts.CacheSize); err != nil {
		store.Close()
		return nil, err
	}
	if h.RootPageID == page.InvalidPageID || h.Height == 0 {
		store.Close()
		return nil, fmt.Errorf("%w: header has no root (root %d, height %d)", dberrors.ErrCorruptFormat, h.RootPageID, h.Height)
	}

	if int(h.Height)+1 > opts.CacheSize {
		store.Close()
		return nil, fmt.Errorf("%w: a tree of height %d needs a cache of at least %d pages, got %d",
			dberrors.ErrInvalidConfiguration, h.Height, h.Height+1, opts.CacheSize)
	}

	t, err := newTree(store, l, opts, metrics)
	if err != nil {
		store.Close()
		return nil, err
	}
	t.root = h.RootPageID
	t.height = int(h.Height)
	t.count.Store(int64(h.RecordCount))
	t.logger.Info("opened btree",
		zap.String("path", path),
		zap.Uint64("root_page_id", uint64(t.root)),
		zap.Int("height", t.height),
		zap.Uint64("record_count", h.RecordCount))
	return t, nil
}

func newTree(store *pagestore.PageStore, l layout, opts Options, metrics *internaltelemetry.StorageMetrics) (*Tree, error) {
	bpm, err := bufferpool.NewBufferPoolManager(store, opts.CacheSize, bufferpool.Options{Logger: opts.Logger, Metrics: metrics})
	if err != nil {
		return nil, err
	}
	return &Tree{
		store:    store,
		bpm:      bpm,
		layout:   l,
		cmp:      opts.Comparator,
		latching: opts.Concurrency != External,
		paranoid: opts.VerifyAfterMutation,
		logger:   opts.Logger.Named("btree"),
		metrics:  metrics,
	}, nil
}

// begin admits an operation. Mutations take the operation latch exclusively
// while VerifyAfterMutation is on, so that Verify sees a quiet tree.
func (t *Tree) begin(mutation bool) (func(), error) {
	exclusive := mutation && t.paranoid
	if exclusive {
		t.opLatch.Lock()
	} else {
		t.opLatch.RLock()
	}
	done := t.opLatch.RUnlock
	if exclusive {
		done = t.opLatch.Unlock
	}
	if t.closed {
		done()
		return nil, dberrors.ErrStoreClosed
	}
	return done, nil
}

func (t *Tree) observe(op string, start time.Time, err error) {
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("result", dberrors.Classify(err).String()),
	)
	t.metrics.TreeOpsCounter.Add(context.Background(), 1, attrs)
	t.metrics.TreeOpLatencyHistogram.Record(context.Background(), time.Since(start).Microseconds(), attrs)
}

func (t *Tree) checkKey(key []byte) error {
	if len(key) != t.layout.keyWidth {
		return fmt.Errorf("%w: got %d bytes, want %d", dberrors.ErrInvalidKey, len(key), t.layout.keyWidth)
	}
	return nil
}

func (t *Tree) checkValue(value []byte) error {
	if t.layout.varValues {
		if len(value) > t.layout.valueWidth {
			return fmt.Errorf("%w: got %d bytes, limit %d", dberrors.ErrInvalidValue, len(value), t.layout.valueWidth)
		}
		return nil
	}
	if len(value) != t.layout.valueWidth {
		return fmt.Errorf("%w: got %d bytes, want %d", dberrors.ErrInvalidValue, len(value), t.layout.valueWidth)
	}
	return nil
}

// fetch pins page id and latches it shared or exclusive. The page must be a
// tree node.
func (t *Tree) fetch(id page.PageID, exclusive bool) (*bufferpool.PageGuard, error) {
	g, err := t.bpm.FetchPage(id)
	if err != nil {
		return nil, err
	}
	if t.latching {
		if exclusive {
			g.WLatch()
		} else {
			g.RLatch()
		}
	}
	if err := t.layout.checkNode(id, g.Data()); err != nil {
		g.Release()
		return nil, err
	}
	return g, nil
}

// fetchRootShared returns the root latched shared, coupling through the
// root latch so the root id cannot change underneath.
func (t *Tree) fetchRootShared() (*bufferpool.PageGuard, error) {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.fetch(t.root, false)
}

// Get returns the value stored under key. A missing key is reported through
// found, not as an error.
func (t *Tree) Get(key []byte) (value []byte, found bool, err error) {
	done, err := t.begin(false)
	if err != nil {
		return nil, false, err
	}
	defer done()
	start := time.Now()
	defer func() { t.observe("get", start, err) }()

	if err = t.checkKey(key); err != nil {
		return nil, false, err
	}
	g, err := t.fetchRootShared()
	if err != nil {
		return nil, false, err
	}
	for page.TypeOf(g.Data()) == page.TypeBranch {
		data := g.Data()
		idx := t.layout.routeBranch(data, key, t.cmp)
		child, ferr := t.fetch(t.layout.branchChild(data, idx, page.Count(data)), false)
		g.Release()
		if ferr != nil {
			return nil, false, ferr
		}
		g = child
	}
	defer g.Release()
	v, ok := t.layout.searchLeaf(g.Data(), key, t.cmp)
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

// Len returns the number of records in the tree.
func (t *Tree) Len() int64 { return t.count.Load() }

// Flush writes every dirty page back, then the header, syncing before and
// after the header so that it never points at pages that are not on disk.
func (t *Tree) Flush() error {
	t.opLatch.Lock()
	defer t.opLatch.Unlock()
	if t.closed {
		return dberrors.ErrStoreClosed
	}
	return t.flushInternal()
}

// flushInternal requires the operation latch held exclusively.
func (t *Tree) flushInternal() error {
	if err := t.bpm.FlushAll(); err != nil {
		return fmt.Errorf("flush pages: %w", err)
	}
	if err := t.store.Sync(); err != nil {
		return err
	}
	t.store.UpdateHeader(func(h *pagestore.FileHeader) {
		h.RootPageID = t.root
		h.Height = uint32(t.height)
		h.RecordCount = uint64(t.count.Load())
	})
	if err := t.store.WriteHeader(); err != nil {
		return fmt.Errorf("flush header: %w", err)
	}
	return t.store.Sync()
}

// Close waits for running operations, flushes, and closes the file. Later
// calls return nil; other methods return ErrStoreClosed.
func (t *Tree) Close() error {
	t.opLatch.Lock()
	defer t.opLatch.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	flushErr := t.flushInternal()
	closeErr := t.store.Close()
	if err := errors.Join(flushErr, closeErr); err != nil {
		t.logger.Error("close failed", zap.Error(err))
		return err
	}
	t.logger.Info("closed btree", zap.String("path", t.store.Path()), zap.Int64("record_count", t.count.Load()))
	return nil
}

// Backup flushes the tree and copies its file to dst at no more than
// bytesPerSec (0 for unthrottled). Operations wait until the copy is done.
func (t *Tree) Backup(ctx context.Context, dst string, bytesPerSec int64) error {
	t.opLatch.Lock()
	defer t.opLatch.Unlock()
	if t.closed {
		return dberrors.ErrStoreClosed
	}
	if err := t.flushInternal(); err != nil {
		return err
	}
	return t.store.CopyTo(ctx, dst, bytesPerSec)
}

// Stats returns the current shape of the tree.
func (t *Tree) Stats() (Stats, error) {
	done, err := t.begin(false)
	if err != nil {
		return Stats{}, err
	}
	defer done()

	t.rootLatch.RLock()
	root, height := t.root, t.height
	t.rootLatch.RUnlock()
	h := t.store.Header()
	return Stats{
		StoreID:      h.StoreID,
		RootPageID:   root,
		Height:       height,
		RecordCount:  t.count.Load(),
		NumPages:     t.store.NumPages(),
		FreeListHead: h.FreeListHead,
		PageSize:     t.layout.pageSize,
		KeyWidth:     t.layout.keyWidth,
		ValueWidth:   t.layout.valueWidth,
		MaxLeaf:      t.layout.maxLeaf,
		MinLeaf:      t.layout.minLeaf,
		MaxChildren:  t.layout.maxChildren,
		MinChildren:  t.layout.minChildren,
		Cache:        t.bpm.Stats(),
	}, nil
}
