// Package mvcc implements multi-version concurrency control for
// jasonisnthappy.
//
// It provides:
//   - Version chains: per-document histories, newest first, stored as
//     the primary tree's leaf values.
//   - Snapshots: the consistent view a transaction captures at begin.
//   - Visibility rules: which version of a chain a snapshot may see.
package mvcc

import (
	"encoding/binary"
	"errors"
	"math"
)

// Live marks a version with no successor; it is visible to every
// snapshot taken at or after its begin txid.
const Live = math.MaxUint64

var byteOrder = binary.LittleEndian

// ErrCorruptChain is returned when stored chain bytes do not decode.
var ErrCorruptChain = errors.New("corrupt version chain")

// Version is one historical state of a document. A tombstone records a
// delete; its payload is empty.
type Version struct {
	BeginTx   uint64
	EndTx     uint64
	Tombstone bool
	Payload   []byte
}

// Chain is a document's version history, newest first.
type Chain []Version

const versionHeaderSize = 8 + 8 + 1 + 4

// EncodeChain serialises a chain for storage in a tree leaf.
func EncodeChain(c Chain) []byte {
	size := 0
	for i := range c {
		size += versionHeaderSize + len(c[i].Payload)
	}
	buf := make([]byte, size)
	off := 0
	for i := range c {
		v := &c[i]
		byteOrder.PutUint64(buf[off:], v.BeginTx)
		off += 8
		byteOrder.PutUint64(buf[off:], v.EndTx)
		off += 8
		if v.Tombstone {
			buf[off] = 1
		}
		off++
		byteOrder.PutUint32(buf[off:], uint32(len(v.Payload)))
		off += 4
		copy(buf[off:], v.Payload)
		off += len(v.Payload)
	}
	return buf
}

// DecodeChain parses stored chain bytes.
func DecodeChain(data []byte) (Chain, error) {
	var c Chain
	off := 0
	for off < len(data) {
		if off+versionHeaderSize > len(data) {
			return nil, ErrCorruptChain
		}
		v := Version{
			BeginTx: byteOrder.Uint64(data[off:]),
			EndTx:   byteOrder.Uint64(data[off+8:]),
		}
		v.Tombstone = data[off+16] == 1
		payloadLen := int(byteOrder.Uint32(data[off+17:]))
		off += versionHeaderSize
		if off+payloadLen > len(data) {
			return nil, ErrCorruptChain
		}
		if payloadLen > 0 {
			v.Payload = append([]byte(nil), data[off:off+payloadLen]...)
		}
		off += payloadLen
		c = append(c, v)
	}
	return c, nil
}

// Head returns the newest version, nil for an empty chain.
func (c Chain) Head() *Version {
	if len(c) == 0 {
		return nil
	}
	return &c[0]
}

// Extend prepends a new version and closes the previous head's
// lifetime at the new version's begin txid.
func (c Chain) Extend(v Version) Chain {
	out := make(Chain, 0, len(c)+1)
	out = append(out, v)
	out = append(out, c...)
	if len(out) > 1 {
		out[1].EndTx = v.BeginTx
	}
	return out
}

// Visible returns the version of the chain visible to snapshot s, or
// nil when none is (including when the visible version is a tombstone,
// reported through the second return).
func (c Chain) Visible(s *Snapshot) (*Version, bool) {
	for i := range c {
		if s.Sees(&c[i]) {
			if c[i].Tombstone {
				return nil, true
			}
			return &c[i], true
		}
	}
	return nil, false
}

// Prune drops versions no live snapshot can reach: those whose EndTx
// is earlier than the oldest live snapshot txid. It returns the pruned
// chain (possibly empty, meaning the whole document is collectible)
// and the number of versions removed.
func (c Chain) Prune(oldestSnapshot uint64) (Chain, int) {
	out := make(Chain, 0, len(c))
	removed := 0
	for i := range c {
		v := &c[i]
		dead := v.EndTx != Live && v.EndTx < oldestSnapshot
		// A tombstone head is dead once every live snapshot begins at
		// or after it: nothing can see past a delete.
		if i == 0 && v.Tombstone && v.BeginTx <= oldestSnapshot {
			dead = true
		}
		if dead {
			removed++
			continue
		}
		out = append(out, *v)
	}
	return out, removed
}
