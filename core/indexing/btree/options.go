package btree

import (
	"bytes"
	"fmt"

	"github.com/pagedb/pagedb/core/dberrors"
	"github.com/pagedb/pagedb/core/storage/page"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	DefaultPageSize  = 4096
	DefaultCacheSize = 64
	// MinCacheSize is the smallest accepted cache. A mutation pins one page
	// per level plus one sibling, so a cache of n pages carries a tree of
	// height n-1; Put refuses to grow the root past that.
	MinCacheSize = 8
)

// Concurrency selects how the tree protects pages from concurrent use.
type Concurrency int

const (
	// LatchCoupling latches pages so that any number of goroutines may call
	// the tree at once.
	LatchCoupling Concurrency = iota
	// External skips page latches. The caller serializes all calls.
	External
)

func (c Concurrency) String() string {
	switch c {
	case LatchCoupling:
		return "latch_coupling"
	case External:
		return "external"
	default:
		return fmt.Sprintf("concurrency(%d)", int(c))
	}
}

// Options configure Create and Open. The layout fields (PageSize, KeyWidth,
// ValueWidth, VariableValues) are fixed when the file is created; Open reads
// them from the file header and ignores the values given here.
type Options struct {
	PageSize  int
	CacheSize int
	KeyWidth  int
	// ValueWidth is the exact value size, or the maximum size when
	// VariableValues is set.
	ValueWidth     int
	VariableValues bool
	// MaxPages caps the file size in pages. 0 means unlimited.
	MaxPages uint64
	// Comparator orders keys. It must be the same on every Open of a file.
	// Defaults to bytes.Compare.
	Comparator  func(a, b []byte) int
	Concurrency Concurrency
	// VerifyAfterMutation runs Verify after every Put and Erase and
	// serializes all operations while it is on.
	VerifyAfterMutation bool
	Logger              *zap.Logger
	Meter               metric.Meter
}

func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.Comparator == nil {
		o.Comparator = bytes.Compare
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func validateCacheSize(n int) error {
	if n < MinCacheSize {
		return fmt.Errorf("%w: cache size %d below minimum %d", dberrors.ErrInvalidConfiguration, n, MinCacheSize)
	}
	return nil
}

func validateWidths(pageSize, keyWidth, valueWidth int) error {
	if pageSize < page.MinPageSize {
		return fmt.Errorf("%w: page size %d below minimum %d", dberrors.ErrInvalidConfiguration, pageSize, page.MinPageSize)
	}
	if keyWidth < 1 || keyWidth > 0xFFFF {
		return fmt.Errorf("%w: key width %d out of range", dberrors.ErrInvalidConfiguration, keyWidth)
	}
	if valueWidth < 1 || valueWidth > 0xFFFF {
		return fmt.Errorf("%w: value width %d out of range", dberrors.ErrInvalidConfiguration, valueWidth)
	}
	return nil
}
