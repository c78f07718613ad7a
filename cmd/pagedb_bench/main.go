// Command pagedb_bench loads a fresh tree file with concurrent writers, reads
// every key back with concurrent readers and reports throughput.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pagedb/pagedb/core/indexing/btree"
	"github.com/pagedb/pagedb/pkg/logger"
	"go.uber.org/zap"
)

var (
	dir       = flag.String("dir", os.TempDir(), "directory for the benchmark file")
	records   = flag.Int("records", 100000, "number of records to write")
	writers   = flag.Int("writers", 20, "concurrent writers")
	readers   = flag.Int("readers", 10, "concurrent readers")
	pageSize  = flag.Int("page-size", btree.DefaultPageSize, "page size in bytes")
	cacheSize = flag.Int("cache-size", 1024, "cache size in pages")
	logLevel  = flag.String("log-level", "error", "log level")
)

func main() {
	flag.Parse()
	log, closeLog, err := logger.New(logger.Config{Level: *logLevel, Format: "console", OutputFile: "stderr"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	path := filepath.Join(*dir, fmt.Sprintf("pagedb-bench-%d.db", time.Now().UnixNano()))
	db, err := btree.NewBTreeFile(path, btree.StringSerializer(16, 16), btree.Options{
		PageSize:  *pageSize,
		CacheSize: *cacheSize,
		Logger:    log.Named("btree"),
	})
	if err != nil {
		log.Fatal("failed to create tree", zap.Error(err))
	}
	defer os.Remove(path)

	write(db, log)
	read(db, log)

	if err := db.Verify(); err != nil {
		log.Error("verify failed", zap.Error(err))
	}
	st, err := db.Stats()
	if err == nil {
		fmt.Printf("height %d, %d pages, cache hits %d misses %d evictions %d\n",
			st.Height, st.NumPages, st.Cache.Hits, st.Cache.Misses, st.Cache.Evictions)
	}
	if err := db.Close(); err != nil {
		log.Error("close failed", zap.Error(err))
	}
}

func key(i int) string   { return "key-" + strconv.Itoa(i) }
func value(i int) string { return "value-" + strconv.Itoa(i) }

// run calls fn for 0..n-1 with at most workers calls in flight and returns the
// number of failures.
func run(n, workers int, fn func(i int) bool) int64 {
	var wg sync.WaitGroup
	var failed atomic.Int64
	sem := make(chan struct{}, workers)
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if !fn(i) {
				failed.Add(1)
			}
		}(i)
	}
	wg.Wait()
	return failed.Load()
}

func write(db *btree.BTree[string, string], log *zap.Logger) {
	start := time.Now()
	failed := run(*records, *writers, func(i int) bool {
		if err := db.Put(key(i), value(i)); err != nil {
			log.Error("put failed", zap.String("key", key(i)), zap.Error(err))
			return false
		}
		return true
	})
	report("write", start, failed)
}

func read(db *btree.BTree[string, string], log *zap.Logger) {
	start := time.Now()
	failed := run(*records, *readers, func(i int) bool {
		v, found, err := db.Get(key(i))
		switch {
		case err != nil:
			log.Error("get failed", zap.String("key", key(i)), zap.Error(err))
			return false
		case !found || v != value(i):
			log.Error("wrong value", zap.String("key", key(i)), zap.Bool("found", found), zap.String("value", v))
			return false
		}
		return true
	})
	report("read", start, failed)
}

func report(phase string, start time.Time, failed int64) {
	elapsed := time.Since(start)
	fmt.Printf("%-5s %d records in %v (%.0f ops/s), %d failed\n",
		phase, *records, elapsed.Round(time.Millisecond), float64(*records)/elapsed.Seconds(), failed)
}
