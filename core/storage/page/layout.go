package page

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pagedb/pagedb/core/dberrors"
)

// Every page starts with an 8 byte common header and ends with a CRC32 of
// everything before it:
//
//	[0]     type tag
//	[1]     flags (reserved)
//	[2:4]   record count, little endian
//	[4:8]   reserved
//	...     type specific body
//	[n-4:n] crc32 (IEEE)
const (
	HeaderSize   = 8
	ChecksumSize = 4
	// MinPageSize is the smallest page that fits the file header.
	MinPageSize = 128
)

// Type is the discriminant stored in byte 0 of every page.
type Type uint8

const (
	TypeUnused     Type = 0
	TypeFileHeader Type = 1
	TypeBranch     Type = 2
	TypeLeaf       Type = 3
	TypeFree       Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeUnused:
		return "unused"
	case TypeFileHeader:
		return "file_header"
	case TypeBranch:
		return "branch"
	case TypeLeaf:
		return "leaf"
	case TypeFree:
		return "free"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Known reports whether t is a tag a written page may carry.
func (t Type) Known() bool {
	return t >= TypeFileHeader && t <= TypeFree
}

func TypeOf(data []byte) Type        { return Type(data[0]) }
func SetType(data []byte, t Type)    { data[0] = byte(t) }
func Count(data []byte) int          { return int(binary.LittleEndian.Uint16(data[2:4])) }
func SetCount(data []byte, n int)    { binary.LittleEndian.PutUint16(data[2:4], uint16(n)) }
func BodySize(pageSize int) int      { return pageSize - HeaderSize - ChecksumSize }
func checksumOffset(data []byte) int { return len(data) - ChecksumSize }

// Checksum computes the CRC32 of the page without its trailer.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data[:checksumOffset(data)])
}

// StampChecksum writes the trailer for the current page contents.
func StampChecksum(data []byte) {
	binary.LittleEndian.PutUint32(data[checksumOffset(data):], Checksum(data))
}

// Validate checks the trailer and the type tag of a page read from disk.
func Validate(data []byte) error {
	stored := binary.LittleEndian.Uint32(data[checksumOffset(data):])
	if computed := Checksum(data); stored != computed {
		return fmt.Errorf("%w: checksum mismatch (stored 0x%08x, computed 0x%08x)",
			dberrors.ErrCorruptFormat, stored, computed)
	}
	if t := TypeOf(data); !t.Known() {
		return fmt.Errorf("%w: unrecognized page type %s", dberrors.ErrCorruptFormat, t)
	}
	return nil
}
