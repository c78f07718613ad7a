package pagestore

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/pagedb/pagedb/core/dberrors"
	"github.com/pagedb/pagedb/core/storage/page"
)

const (
	DBMagic   uint32 = 0x9A6EDB01
	DBVersion uint32 = 1
)

// ValueEncoding selects how leaf value slots are laid out.
type ValueEncoding uint8

const (
	// ValueFixed stores every value in exactly ValueWidth bytes.
	ValueFixed ValueEncoding = 0
	// ValueLengthPrefixed stores a uint16 length followed by up to ValueWidth bytes.
	ValueLengthPrefixed ValueEncoding = 1
)

// FileHeader is the decoded form of page 0.
type FileHeader struct {
	Magic         uint32
	Version       uint32
	PageSize      uint32
	CacheSize     uint32
	KeyWidth      uint16
	ValueWidth    uint16
	ValueEncoding ValueEncoding
	RootPageID    page.PageID
	Height        uint32
	RecordCount   uint64
	FreeListHead  page.PageID
	PageCount     uint64
	StoreID       uuid.UUID
}

// diskHeader mirrors FileHeader with explicit padding so binary.Write produces
// the same bytes on every platform. It is written right after the common page
// header of page 0.
type diskHeader struct {
	Magic         uint32
	Version       uint32
	PageSize      uint32
	CacheSize     uint32
	KeyWidth      uint16
	ValueWidth    uint16
	ValueEncoding uint8
	_             [3]byte
	RootPageID    uint64
	Height        uint32
	_             [4]byte
	RecordCount   uint64
	FreeListHead  uint64
	PageCount     uint64
	StoreID       [16]byte
}

// encodeHeader renders h into a full page image including the checksum.
func encodeHeader(h FileHeader, pageSize int) ([]byte, error) {
	d := diskHeader{
		Magic:         h.Magic,
		Version:       h.Version,
		PageSize:      h.PageSize,
		CacheSize:     h.CacheSize,
		KeyWidth:      h.KeyWidth,
		ValueWidth:    h.ValueWidth,
		ValueEncoding: uint8(h.ValueEncoding),
		RootPageID:    uint64(h.RootPageID),
		Height:        h.Height,
		RecordCount:   h.RecordCount,
		FreeListHead:  uint64(h.FreeListHead),
		PageCount:     h.PageCount,
		StoreID:       h.StoreID,
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &d); err != nil {
		return nil, fmt.Errorf("failed to encode file header: %w", err)
	}
	data := make([]byte, pageSize)
	page.SetType(data, page.TypeFileHeader)
	copy(data[page.HeaderSize:], buf.Bytes())
	page.StampChecksum(data)
	return data, nil
}

// decodeHeader parses the header fields out of a page 0 prefix. It does not
// check the page checksum, because the page size is only known afterwards.
func decodeHeader(data []byte) (FileHeader, error) {
	if len(data) < page.HeaderSize+binary.Size(diskHeader{}) {
		return FileHeader{}, fmt.Errorf("%w: file header truncated", dberrors.ErrCorruptFormat)
	}
	if page.TypeOf(data) != page.TypeFileHeader {
		return FileHeader{}, fmt.Errorf("%w: page 0 has type %s", dberrors.ErrCorruptFormat, page.TypeOf(data))
	}
	var d diskHeader
	if err := binary.Read(bytes.NewReader(data[page.HeaderSize:]), binary.LittleEndian, &d); err != nil {
		return FileHeader{}, fmt.Errorf("%w: %v", dberrors.ErrCorruptFormat, err)
	}
	h := FileHeader{
		Magic:         d.Magic,
		Version:       d.Version,
		PageSize:      d.PageSize,
		CacheSize:     d.CacheSize,
		KeyWidth:      d.KeyWidth,
		ValueWidth:    d.ValueWidth,
		ValueEncoding: ValueEncoding(d.ValueEncoding),
		RootPageID:    page.PageID(d.RootPageID),
		Height:        d.Height,
		RecordCount:   d.RecordCount,
		FreeListHead:  page.PageID(d.FreeListHead),
		PageCount:     d.PageCount,
		StoreID:       d.StoreID,
	}
	if h.Magic != DBMagic {
		return FileHeader{}, fmt.Errorf("%w: magic mismatch, expected 0x%x got 0x%x", dberrors.ErrCorruptFormat, DBMagic, h.Magic)
	}
	if h.Version != DBVersion {
		return FileHeader{}, fmt.Errorf("%w: unsupported version %d", dberrors.ErrCorruptFormat, h.Version)
	}
	if h.PageSize < page.MinPageSize {
		return FileHeader{}, fmt.Errorf("%w: page size %d below minimum %d", dberrors.ErrCorruptFormat, h.PageSize, page.MinPageSize)
	}
	if h.ValueEncoding != ValueFixed && h.ValueEncoding != ValueLengthPrefixed {
		return FileHeader{}, fmt.Errorf("%w: unknown value encoding %d", dberrors.ErrCorruptFormat, h.ValueEncoding)
	}
	return h, nil
}
