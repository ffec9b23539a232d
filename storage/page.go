// Package storage implements the low-level data layer of jasonisnthappy.
//
// It is responsible for:
//  1. Pager: direct disk I/O on a single data file split into fixed-size pages.
//  2. BufferPool: in-memory LRU page cache with pin counting.
//  3. BTree: the copy-on-write ordered map used by collections, indexes and the catalog.
//  4. Freelist: the in-database free-page list with snapshot-aware retirement.
//  5. Page: the fundamental unit of storage, header plus raw body.
package storage

import (
	"encoding/binary"
	"hash/crc32"
)

// PageID uniquely identifies a page in the data file.
type PageID uint64

// PageKind tags the role of a page. The tag is verified against the
// expected role whenever a page is read.
type PageKind byte

const (
	PageKindInvalid PageKind = iota
	PageKindMeta
	PageKindFreelist
	PageKindInternal
	PageKindLeaf
	PageKindOverflow
)

// DefaultPageSize is the page size used when a database is created
// without an explicit size. It is recorded in the meta page and fixed
// for the lifetime of the file.
const DefaultPageSize = 4096

// MinPageSize bounds configuration; smaller pages cannot hold a split
// B-tree cell plus header.
const MinPageSize = 512

// Page header layout (little-endian):
//   - Kind (1 byte)
//   - Flags (1 byte)
//   - CellCount (2 bytes)
//   - CRC32 (4 bytes) - computed with this field zeroed
//   - PageID (8 bytes)
//   - PageLSN (8 bytes)
//   - Next (8 bytes) - overflow/freelist chain, rightmost child for internal pages
//
// Total: 32 bytes
const PageHeaderSize = 32

const (
	offKind      = 0
	offFlags     = 1
	offCellCount = 2
	offCRC       = 4
	offPageID    = 8
	offPageLSN   = 16
	offNext      = 24
)

var byteOrder = binary.LittleEndian

// Page is a single page resident in memory. Data always holds the full
// page including the header. Pages handed out by the buffer pool are
// immutable; mutations go through copy-on-write allocation.
type Page struct {
	ID   PageID
	Data []byte
}

// NewPage creates a zeroed page of the given size with the header
// initialised for id and kind.
func NewPage(id PageID, kind PageKind, pageSize int) *Page {
	p := &Page{
		ID:   id,
		Data: make([]byte, pageSize),
	}
	p.Data[offKind] = byte(kind)
	byteOrder.PutUint64(p.Data[offPageID:], uint64(id))
	return p
}

// Kind returns the page kind tag.
func (p *Page) Kind() PageKind {
	return PageKind(p.Data[offKind])
}

// SetKind sets the page kind tag.
func (p *Page) SetKind(kind PageKind) {
	p.Data[offKind] = byte(kind)
}

// Flags returns the page flags byte.
func (p *Page) Flags() byte {
	return p.Data[offFlags]
}

// SetFlags sets the page flags byte.
func (p *Page) SetFlags(flags byte) {
	p.Data[offFlags] = flags
}

// CellCount returns the number of cells stored in the page body.
func (p *Page) CellCount() uint16 {
	return byteOrder.Uint16(p.Data[offCellCount:])
}

// SetCellCount sets the number of cells stored in the page body.
func (p *Page) SetCellCount(n uint16) {
	byteOrder.PutUint16(p.Data[offCellCount:], n)
}

// StoredID returns the page id recorded in the header.
func (p *Page) StoredID() PageID {
	return PageID(byteOrder.Uint64(p.Data[offPageID:]))
}

// SetStoredID records the page id in the header.
func (p *Page) SetStoredID(id PageID) {
	byteOrder.PutUint64(p.Data[offPageID:], uint64(id))
}

// LSN returns the page LSN stamped at the last write.
func (p *Page) LSN() uint64 {
	return byteOrder.Uint64(p.Data[offPageLSN:])
}

// SetLSN stamps the page LSN.
func (p *Page) SetLSN(lsn uint64) {
	byteOrder.PutUint64(p.Data[offPageLSN:], lsn)
}

// Next returns the chained page id: the next overflow or freelist page,
// or the rightmost child for internal B-tree pages. Zero means none.
func (p *Page) Next() PageID {
	return PageID(byteOrder.Uint64(p.Data[offNext:]))
}

// SetNext sets the chained page id.
func (p *Page) SetNext(id PageID) {
	byteOrder.PutUint64(p.Data[offNext:], uint64(id))
}

// Body returns the page body after the header.
func (p *Page) Body() []byte {
	return p.Data[PageHeaderSize:]
}

// checksum computes the page CRC with the CRC field treated as zero.
func (p *Page) checksum() uint32 {
	crc := crc32.NewIEEE()
	crc.Write(p.Data[:offCRC])
	var zero [4]byte
	crc.Write(zero[:])
	crc.Write(p.Data[offCRC+4:])
	return crc.Sum32()
}

// StampCRC computes and stores the page CRC. Called by the pager on
// every write.
func (p *Page) StampCRC() {
	byteOrder.PutUint32(p.Data[offCRC:], p.checksum())
}

// VerifyCRC checks the stored CRC against the page contents.
func (p *Page) VerifyCRC() bool {
	return byteOrder.Uint32(p.Data[offCRC:]) == p.checksum()
}

// Clone returns a deep copy of the page carrying a new id.
func (p *Page) Clone(newID PageID) *Page {
	c := &Page{
		ID:   newID,
		Data: make([]byte, len(p.Data)),
	}
	copy(c.Data, p.Data)
	c.SetStoredID(newID)
	return c
}
