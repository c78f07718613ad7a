// Package dberrors defines the error taxonomy shared by every layer of the
// storage engine. Callers match on the sentinels with errors.Is; the layers
// add page and operation context with PageError or fmt.Errorf("%w").
package dberrors

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	ErrStorageIO            = errors.New("storage i/o error")
	ErrCorruptFormat        = errors.New("corrupt page or file format")
	ErrStorageFull          = errors.New("storage full, no page can be allocated")
	ErrCacheExhausted       = errors.New("page cache exhausted, every resident page is pinned")
	ErrInvalidConfiguration = errors.New("invalid store configuration")

	ErrInvalidKey     = errors.New("key does not match the store key width")
	ErrInvalidValue   = errors.New("value does not fit the store value width")
	ErrStoreClosed    = errors.New("store is closed")
	ErrDBFileExists   = errors.New("database file already exists")
	ErrDBFileNotFound = errors.New("database file not found")
)

// PageError attaches the failing operation and page to an underlying error.
type PageError struct {
	Op     string
	PageID uint64
	Err    error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("%s page %d: %v", e.Op, e.PageID, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// WrapPage returns err wrapped in a PageError, or nil when err is nil.
func WrapPage(op string, pageID uint64, err error) error {
	if err == nil {
		return nil
	}
	return &PageError{Op: op, PageID: pageID, Err: err}
}

// Kind is the taxonomy bucket of an error.
type Kind int

const (
	KindNone Kind = iota
	KindStorageIO
	KindCorruptFormat
	KindStorageFull
	KindCacheExhausted
	KindInvalidConfiguration
	KindUsage
	KindUnknown
)

var kindNames = map[Kind]string{
	KindNone:                 "none",
	KindStorageIO:            "storage_io",
	KindCorruptFormat:        "corrupt_format",
	KindStorageFull:          "storage_full",
	KindCacheExhausted:       "cache_exhausted",
	KindInvalidConfiguration: "invalid_configuration",
	KindUsage:                "usage",
	KindUnknown:              "unknown",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Classify maps err onto the taxonomy. Front-ends use it to pick a status
// code or a metric label without string matching.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCorruptFormat):
		return KindCorruptFormat
	case errors.Is(err, ErrStorageFull):
		return KindStorageFull
	case errors.Is(err, ErrCacheExhausted):
		return KindCacheExhausted
	case errors.Is(err, ErrInvalidConfiguration):
		return KindInvalidConfiguration
	case errors.Is(err, ErrStorageIO):
		return KindStorageIO
	case errors.Is(err, ErrInvalidKey), errors.Is(err, ErrInvalidValue),
		errors.Is(err, ErrStoreClosed), errors.Is(err, ErrDBFileExists),
		errors.Is(err, ErrDBFileNotFound):
		return KindUsage
	default:
		return KindUnknown
	}
}
