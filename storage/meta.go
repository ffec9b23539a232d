package storage

import (
	"hash/crc32"
)

// Magic identifies a jasonisnthappy data file.
const Magic = "JSONH\x00DB"

// FormatVersion is the on-disk format version.
const FormatVersion = 1

// Meta is the decoded content of one meta slot. Page 0 carries two
// alternating slots; the slot with the higher generation and a valid
// CRC wins at open. The meta page is rewritten only at checkpoint.
type Meta struct {
	Generation    uint64
	PageSize      uint32
	CatalogRoot   PageID
	FreelistHead  PageID
	NextPageID    PageID
	CheckpointLSN uint64
	LastTxID      uint64
}

// Meta slot layout (little-endian):
//   - Magic (8 bytes)
//   - FormatVersion (4 bytes)
//   - PageSize (4 bytes)
//   - Generation (8 bytes)
//   - CatalogRoot (8 bytes)
//   - FreelistHead (8 bytes)
//   - NextPageID (8 bytes)
//   - CheckpointLSN (8 bytes)
//   - LastTxID (8 bytes)
//   - CRC32 (4 bytes)
//
// Total: 68 bytes; each slot occupies metaSlotSize bytes.
const (
	metaSlotSize    = 128
	metaEncodedSize = 68
)

// metaSlotOffset returns the byte offset of slot (0 or 1) inside page 0,
// after the page header.
func metaSlotOffset(slot int) int {
	return PageHeaderSize + slot*metaSlotSize
}

func (m *Meta) encode(buf []byte) {
	copy(buf[0:8], Magic)
	byteOrder.PutUint32(buf[8:], FormatVersion)
	byteOrder.PutUint32(buf[12:], m.PageSize)
	byteOrder.PutUint64(buf[16:], m.Generation)
	byteOrder.PutUint64(buf[24:], uint64(m.CatalogRoot))
	byteOrder.PutUint64(buf[32:], uint64(m.FreelistHead))
	byteOrder.PutUint64(buf[40:], uint64(m.NextPageID))
	byteOrder.PutUint64(buf[48:], m.CheckpointLSN)
	byteOrder.PutUint64(buf[56:], m.LastTxID)
	crc := crc32.ChecksumIEEE(buf[:metaEncodedSize-4])
	byteOrder.PutUint32(buf[metaEncodedSize-4:], crc)
}

func decodeMeta(buf []byte) (*Meta, bool) {
	if len(buf) < metaEncodedSize {
		return nil, false
	}
	if string(buf[0:8]) != Magic {
		return nil, false
	}
	stored := byteOrder.Uint32(buf[metaEncodedSize-4:])
	if stored != crc32.ChecksumIEEE(buf[:metaEncodedSize-4]) {
		return nil, false
	}
	if byteOrder.Uint32(buf[8:]) != FormatVersion {
		return nil, false
	}
	return &Meta{
		PageSize:      byteOrder.Uint32(buf[12:]),
		Generation:    byteOrder.Uint64(buf[16:]),
		CatalogRoot:   PageID(byteOrder.Uint64(buf[24:])),
		FreelistHead:  PageID(byteOrder.Uint64(buf[32:])),
		NextPageID:    PageID(byteOrder.Uint64(buf[40:])),
		CheckpointLSN: byteOrder.Uint64(buf[48:]),
		LastTxID:      byteOrder.Uint64(buf[56:]),
	}, true
}
