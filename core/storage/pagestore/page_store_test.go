package pagestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pagedb/pagedb/core/dberrors"
	"github.com/pagedb/pagedb/core/storage/page"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testPageSize = 256

func testTemplate() FileHeader {
	return FileHeader{
		PageSize:      testPageSize,
		CacheSize:     8,
		KeyWidth:      8,
		ValueWidth:    16,
		ValueEncoding: ValueLengthPrefixed,
	}
}

// setupPageStore creates a fresh store in a temporary directory.
func setupPageStore(t *testing.T, opts Options) (*PageStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	opts.Logger = zaptest.NewLogger(t)
	ps, err := Create(path, testTemplate(), opts)
	require.NoError(t, err)
	return ps, path
}

func leafImage(fill byte) []byte {
	data := make([]byte, testPageSize)
	page.SetType(data, page.TypeLeaf)
	for i := page.HeaderSize; i < testPageSize-page.ChecksumSize; i++ {
		data[i] = fill
	}
	return data
}

func TestCreateAndReopen(t *testing.T) {
	ps, path := setupPageStore(t, Options{})
	created := ps.Header()
	require.Equal(t, uint64(1), ps.NumPages())
	require.NotEqual(t, [16]byte{}, [16]byte(created.StoreID))

	id, err := ps.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, page.PageID(1), id)
	require.NoError(t, ps.WritePage(id, leafImage(0xAB)))

	ps.UpdateHeader(func(h *FileHeader) {
		h.RootPageID = id
		h.Height = 1
		h.RecordCount = 3
		h.PageSize = 9999 // owned by the store, must be ignored
	})
	require.NoError(t, ps.WriteHeader())
	require.NoError(t, ps.Close())

	reopened, err := Open(path, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer reopened.Close()

	h := reopened.Header()
	require.Equal(t, created.StoreID, h.StoreID)
	require.Equal(t, uint32(testPageSize), h.PageSize)
	require.Equal(t, id, h.RootPageID)
	require.Equal(t, uint32(1), h.Height)
	require.Equal(t, uint64(3), h.RecordCount)
	require.Equal(t, uint16(8), h.KeyWidth)
	require.Equal(t, ValueLengthPrefixed, h.ValueEncoding)
	require.Equal(t, uint64(2), reopened.NumPages())

	buf := make([]byte, testPageSize)
	require.NoError(t, reopened.ReadPage(id, buf, true))
	require.Equal(t, page.TypeLeaf, page.TypeOf(buf))
	require.Equal(t, byte(0xAB), buf[page.HeaderSize])
}

func TestCreateRefusesExistingFile(t *testing.T) {
	ps, path := setupPageStore(t, Options{})
	require.NoError(t, ps.Close())

	_, err := Create(path, testTemplate(), Options{})
	require.ErrorIs(t, err, dberrors.ErrDBFileExists)

	_, err = Open(filepath.Join(t.TempDir(), "missing.db"), Options{})
	require.ErrorIs(t, err, dberrors.ErrDBFileNotFound)
}

func TestCreateRejectsTinyPages(t *testing.T) {
	tmpl := testTemplate()
	tmpl.PageSize = 64
	_, err := Create(filepath.Join(t.TempDir(), "tiny.db"), tmpl, Options{})
	require.ErrorIs(t, err, dberrors.ErrInvalidConfiguration)
}

func TestFreeListIsLIFOAndReused(t *testing.T) {
	ps, _ := setupPageStore(t, Options{})
	defer ps.Close()

	var ids []page.PageID
	for i := 0; i < 4; i++ {
		id, err := ps.AllocatePage()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Equal(t, []page.PageID{1, 2, 3, 4}, ids)

	require.NoError(t, ps.FreePage(2))
	require.NoError(t, ps.FreePage(4))
	require.Equal(t, page.PageID(4), ps.Header().FreeListHead)
	n, err := ps.FreeListLength()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	id, err := ps.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, page.PageID(4), id)
	id, err = ps.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, page.PageID(2), id)
	require.Equal(t, page.InvalidPageID, ps.Header().FreeListHead)

	id, err = ps.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, page.PageID(5), id, "file grows once the free list is empty")
}

func TestFreeRejectsHeaderAndOutOfRange(t *testing.T) {
	ps, _ := setupPageStore(t, Options{})
	defer ps.Close()

	require.ErrorIs(t, ps.FreePage(page.HeaderPageID), dberrors.ErrCorruptFormat)
	require.ErrorIs(t, ps.FreePage(42), dberrors.ErrCorruptFormat)
}

func TestStorageFullAtMaxPages(t *testing.T) {
	ps, _ := setupPageStore(t, Options{MaxPages: 3})
	defer ps.Close()

	_, err := ps.AllocatePage()
	require.NoError(t, err)
	_, err = ps.AllocatePage()
	require.NoError(t, err)
	_, err = ps.AllocatePage()
	require.ErrorIs(t, err, dberrors.ErrStorageFull)

	require.NoError(t, ps.FreePage(1))
	id, err := ps.AllocatePage()
	require.NoError(t, err, "a freed page is still available at the cap")
	require.Equal(t, page.PageID(1), id)
}

func TestReadErrors(t *testing.T) {
	ps, path := setupPageStore(t, Options{})
	defer ps.Close()

	buf := make([]byte, testPageSize)
	err := ps.ReadPage(7, buf, false)
	require.ErrorIs(t, err, dberrors.ErrStorageIO)
	var pe *dberrors.PageError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, uint64(7), pe.PageID)

	id, err := ps.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, ps.WritePage(id, leafImage(1)))
	require.NoError(t, ps.Sync())

	// Flip a byte behind the store's back.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, int64(id)*testPageSize+20)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, ps.ReadPage(id, buf, false))
	require.ErrorIs(t, ps.ReadPage(id, buf, true), dberrors.ErrCorruptFormat)
}

func TestOpenRejectsCorruptHeader(t *testing.T) {
	ps, path := setupPageStore(t, Options{})
	require.NoError(t, ps.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0, 0, 0, 0}, page.HeaderSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path, Options{})
	require.ErrorIs(t, err, dberrors.ErrCorruptFormat)
}

func TestWritePageLeavesSourceUntouched(t *testing.T) {
	ps, _ := setupPageStore(t, Options{})
	defer ps.Close()

	id, err := ps.AllocatePage()
	require.NoError(t, err)
	src := leafImage(3)
	require.NoError(t, ps.WritePage(id, src))
	require.Equal(t, make([]byte, page.ChecksumSize), src[testPageSize-page.ChecksumSize:])
	require.ErrorIs(t, ps.WritePage(page.HeaderPageID, src), dberrors.ErrCorruptFormat)
}

func TestCopyTo(t *testing.T) {
	ps, _ := setupPageStore(t, Options{})
	defer ps.Close()

	id, err := ps.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, ps.WritePage(id, leafImage(9)))
	require.NoError(t, ps.WriteHeader())

	dst := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, ps.CopyTo(context.Background(), dst, 1<<20))

	backup, err := Open(dst, Options{})
	require.NoError(t, err)
	defer backup.Close()
	require.Equal(t, ps.Header().StoreID, backup.Header().StoreID)

	buf := make([]byte, testPageSize)
	require.NoError(t, backup.ReadPage(id, buf, true))
	require.Equal(t, byte(9), buf[page.HeaderSize])
}

func TestClosedStore(t *testing.T) {
	ps, _ := setupPageStore(t, Options{})
	require.NoError(t, ps.Close())
	require.NoError(t, ps.Close())

	_, err := ps.AllocatePage()
	require.ErrorIs(t, err, dberrors.ErrStoreClosed)
}
