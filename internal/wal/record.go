// Package wal implements the write-ahead log.
//
// The WAL is an append-only file of CRC-protected, self-delimiting
// frames. A commit appends one page-image frame per dirty page followed
// by a commit frame, then fsyncs; the commit is durable iff its frame
// is on stable storage with a valid CRC. Recovery scans the file from
// the front, applies complete commits and truncates the torn tail.
package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

var byteOrder = binary.LittleEndian

// FrameKind tags a WAL frame.
type FrameKind byte

const (
	FrameInvalid FrameKind = iota
	FramePageImage
	FrameCommit
	FrameCheckpoint
)

var (
	// ErrCorruptFrame is returned when a frame fails structural checks.
	ErrCorruptFrame = errors.New("wal: corrupt frame")

	// ErrCRCMismatch is returned when a frame CRC does not match.
	ErrCRCMismatch = errors.New("wal: CRC mismatch")
)

// Frame is one WAL record.
type Frame struct {
	LSN     uint64
	TxID    uint64
	Kind    FrameKind
	Payload []byte
}

// Frame layout (little-endian):
//   - RecordLen (8 bytes) - total frame length including itself
//   - LSN (8 bytes)
//   - TxID (8 bytes)
//   - Kind (1 byte)
//   - PayloadLen (4 bytes)
//   - Payload
//   - CRC32 (4 bytes) - over everything before it
const (
	frameHeaderSize = 8 + 8 + 8 + 1 + 4
	frameCRCSize    = 4
	frameOverhead   = frameHeaderSize + frameCRCSize
)

// Encode serialises the frame.
func (f *Frame) Encode() []byte {
	total := frameOverhead + len(f.Payload)
	buf := make([]byte, total)
	off := 0

	byteOrder.PutUint64(buf[off:], uint64(total))
	off += 8
	byteOrder.PutUint64(buf[off:], f.LSN)
	off += 8
	byteOrder.PutUint64(buf[off:], f.TxID)
	off += 8
	buf[off] = byte(f.Kind)
	off++
	byteOrder.PutUint32(buf[off:], uint32(len(f.Payload)))
	off += 4
	copy(buf[off:], f.Payload)
	off += len(f.Payload)

	crc := crc32.ChecksumIEEE(buf[:off])
	byteOrder.PutUint32(buf[off:], crc)
	return buf
}

// DecodeFrame parses one frame from data, which must hold exactly the
// frame (RecordLen bytes).
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < frameOverhead {
		return nil, ErrCorruptFrame
	}
	if byteOrder.Uint64(data) != uint64(len(data)) {
		return nil, ErrCorruptFrame
	}
	stored := byteOrder.Uint32(data[len(data)-frameCRCSize:])
	if stored != crc32.ChecksumIEEE(data[:len(data)-frameCRCSize]) {
		return nil, ErrCRCMismatch
	}

	f := &Frame{
		LSN:  byteOrder.Uint64(data[8:]),
		TxID: byteOrder.Uint64(data[16:]),
		Kind: FrameKind(data[24]),
	}
	payloadLen := int(byteOrder.Uint32(data[25:]))
	if frameHeaderSize+payloadLen+frameCRCSize != len(data) {
		return nil, ErrCorruptFrame
	}
	if payloadLen > 0 {
		f.Payload = append([]byte(nil), data[frameHeaderSize:frameHeaderSize+payloadLen]...)
	}
	return f, nil
}

// PageImage is the payload of a FramePageImage frame.
type PageImage struct {
	PageID uint64
	Data   []byte
}

// EncodePageImage builds a page-image payload.
func EncodePageImage(pageID uint64, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	byteOrder.PutUint64(buf, pageID)
	copy(buf[8:], data)
	return buf
}

// DecodePageImage parses a page-image payload.
func DecodePageImage(payload []byte) (*PageImage, error) {
	if len(payload) < 8 {
		return nil, ErrCorruptFrame
	}
	return &PageImage{
		PageID: byteOrder.Uint64(payload),
		Data:   payload[8:],
	}, nil
}

// CommitRecord is the payload of a FrameCommit frame: the state the
// database publishes when the commit becomes durable.
type CommitRecord struct {
	CatalogRoot  uint64
	FreelistHead uint64
	NextPageID   uint64
	PageIDs      []uint64
}

// Encode serialises the commit record.
func (c *CommitRecord) Encode() []byte {
	buf := make([]byte, 8+8+8+4+8*len(c.PageIDs))
	off := 0
	byteOrder.PutUint64(buf[off:], c.CatalogRoot)
	off += 8
	byteOrder.PutUint64(buf[off:], c.FreelistHead)
	off += 8
	byteOrder.PutUint64(buf[off:], c.NextPageID)
	off += 8
	byteOrder.PutUint32(buf[off:], uint32(len(c.PageIDs)))
	off += 4
	for _, id := range c.PageIDs {
		byteOrder.PutUint64(buf[off:], id)
		off += 8
	}
	return buf
}

// DecodeCommitRecord parses a commit payload.
func DecodeCommitRecord(payload []byte) (*CommitRecord, error) {
	if len(payload) < 28 {
		return nil, ErrCorruptFrame
	}
	c := &CommitRecord{
		CatalogRoot:  byteOrder.Uint64(payload),
		FreelistHead: byteOrder.Uint64(payload[8:]),
		NextPageID:   byteOrder.Uint64(payload[16:]),
	}
	n := int(byteOrder.Uint32(payload[24:]))
	if 28+8*n != len(payload) {
		return nil, ErrCorruptFrame
	}
	for i := 0; i < n; i++ {
		c.PageIDs = append(c.PageIDs, byteOrder.Uint64(payload[28+8*i:]))
	}
	return c, nil
}
