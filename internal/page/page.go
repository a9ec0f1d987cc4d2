// Package page implements the fixed-size page store: file header, page
// I/O with CRC32 checking, and the free list. The header is padded to
// a fixed, 8-byte-aligned size.
package page

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/VanitasCaesar1/mantisdb/internal/errs"
)

// Size is the fixed page size used throughout the engine.
const Size = 8192

// HeaderSize is the on-disk size of Header, padded to a round number.
const HeaderSize = 32

// ID identifies a page within a space. 0 is reserved for the file
// header page and is never a valid data page id.
type ID uint32

// Type tags what a page holds.
type Type uint8

const (
	TypeFree Type = iota
	TypeBTreeInternal
	TypeBTreeLeaf
	TypeOverflow
)

// Flag bits stored in Header.Flags.
const (
	FlagNone    uint8 = 0
	FlagLeafEnd uint8 = 1 << 0 // rightmost leaf in its tree
)

// Header is the fixed-size page header: page id, type, flags,
// free-space offset, slot count, CRC32 and the apply-LSN used for
// idempotent recovery.
type Header struct {
	PageID       ID
	PageType     Type
	Flags        uint8
	FreeSpaceOff uint16
	SlotCount    uint16
	CRC          uint32
	ApplyLSN     uint64
	RightSibling ID // valid only for TypeBTreeLeaf; 0 means "no sibling"
}

func (h *Header) encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.PageID))
	buf[4] = byte(h.PageType)
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], h.FreeSpaceOff)
	binary.BigEndian.PutUint16(buf[8:10], h.SlotCount)
	binary.BigEndian.PutUint64(buf[10:18], h.ApplyLSN)
	binary.BigEndian.PutUint32(buf[18:22], uint32(h.RightSibling))
	// buf[22:28] reserved
	// CRC is computed over everything except its own field, which sits
	// at the very end of the header.
	h.CRC = crc32.ChecksumIEEE(buf[:HeaderSize-4])
	binary.BigEndian.PutUint32(buf[HeaderSize-4:HeaderSize], h.CRC)
}

func decodeHeader(buf []byte) (Header, error) {
	var h Header
	h.PageID = ID(binary.BigEndian.Uint32(buf[0:4]))
	h.PageType = Type(buf[4])
	h.Flags = buf[5]
	h.FreeSpaceOff = binary.BigEndian.Uint16(buf[6:8])
	h.SlotCount = binary.BigEndian.Uint16(buf[8:10])
	h.ApplyLSN = binary.BigEndian.Uint64(buf[10:18])
	h.RightSibling = ID(binary.BigEndian.Uint32(buf[18:22]))
	h.CRC = binary.BigEndian.Uint32(buf[HeaderSize-4 : HeaderSize])
	want := crc32.ChecksumIEEE(buf[:HeaderSize-4])
	if want != h.CRC {
		return Header{}, errs.New(errs.Corruption, "page %d: crc mismatch (got %08x want %08x)", h.PageID, h.CRC, want)
	}
	return h, nil
}

// Page is one fixed-size unit of storage: a header plus the remaining
// bytes, used by the B-tree (internal/btree) as a slotted record area.
type Page struct {
	Header Header
	Data   [Size - HeaderSize]byte
}

// Bytes serializes p into a fresh Size-byte buffer, ready to write.
func (p *Page) Bytes() []byte {
	buf := make([]byte, Size)
	p.Header.encode(buf[:HeaderSize])
	copy(buf[HeaderSize:], p.Data[:])
	return buf
}

// Parse decodes a Size-byte buffer into a Page, verifying its CRC.
func Parse(buf []byte) (*Page, error) {
	if len(buf) != Size {
		return nil, errs.New(errs.InvalidArgument, "page buffer must be %d bytes, got %d", Size, len(buf))
	}
	h, err := decodeHeader(buf[:HeaderSize])
	if err != nil {
		return nil, err
	}
	p := &Page{Header: h}
	copy(p.Data[:], buf[HeaderSize:])
	return p, nil
}

// New allocates a zeroed page of the given id and type.
func New(id ID, t Type) *Page {
	return &Page{Header: Header{PageID: id, PageType: t}}
}
