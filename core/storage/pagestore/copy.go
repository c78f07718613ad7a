package pagestore

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/pagedb/pagedb/core/dberrors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// copyChunkSize is the size of each read/write chunk of CopyTo.
const copyChunkSize = 1 << 20

var copyBufPool = sync.Pool{
	New: func() interface{} { return make([]byte, copyChunkSize) },
}

// CopyTo writes a byte-for-byte copy of the store file to dstPath, throttled
// to bytesPerSec (0 disables throttling). The store is locked for the whole
// copy, so callers flush dirty state before calling it.
func (ps *PageStore) CopyTo(ctx context.Context, dstPath string, bytesPerSec int64) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return dberrors.ErrStoreClosed
	}

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: open backup %s: %v", dberrors.ErrStorageIO, dstPath, err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if bytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), copyChunkSize)
	}

	buf := copyBufPool.Get().([]byte)
	defer copyBufPool.Put(buf)

	total := int64(ps.numPages) * int64(ps.pageSize)
	for off := int64(0); off < total; {
		n := int64(len(buf))
		if total-off < n {
			n = total - off
		}
		if limiter != nil {
			if err := limiter.WaitN(ctx, int(n)); err != nil {
				return fmt.Errorf("backup throttle: %w", err)
			}
		}
		if _, err := ps.file.ReadAt(buf[:n], off); err != nil {
			return fmt.Errorf("%w: read at %d: %v", dberrors.ErrStorageIO, off, err)
		}
		if _, err := dst.WriteAt(buf[:n], off); err != nil {
			return fmt.Errorf("backup %s: %w", dstPath, classifyWriteErr(err))
		}
		off += n
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("%w: sync backup %s: %v", dberrors.ErrStorageIO, dstPath, err)
	}
	ps.logger.Info("copied page store", zap.String("dst", dstPath), zap.Int64("bytes", total))
	return nil
}
