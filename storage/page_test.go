package storage

import (
	"bytes"
	"testing"
)

func TestPageHeaderRoundtrip(t *testing.T) {
	p := NewPage(42, PageKindLeaf, DefaultPageSize)

	if p.Kind() != PageKindLeaf {
		t.Errorf("kind = %d, want %d", p.Kind(), PageKindLeaf)
	}
	if p.StoredID() != 42 {
		t.Errorf("stored id = %d, want 42", p.StoredID())
	}

	p.SetCellCount(7)
	p.SetLSN(99)
	p.SetNext(1234)
	p.SetFlags(0x5)

	if p.CellCount() != 7 {
		t.Errorf("cell count = %d, want 7", p.CellCount())
	}
	if p.LSN() != 99 {
		t.Errorf("lsn = %d, want 99", p.LSN())
	}
	if p.Next() != 1234 {
		t.Errorf("next = %d, want 1234", p.Next())
	}
	if p.Flags() != 0x5 {
		t.Errorf("flags = %d, want 5", p.Flags())
	}
}

func TestPageCRC(t *testing.T) {
	p := NewPage(1, PageKindLeaf, DefaultPageSize)
	copy(p.Body(), []byte("hello"))
	p.StampCRC()

	if !p.VerifyCRC() {
		t.Fatal("fresh CRC should verify")
	}

	p.Body()[0] ^= 0xFF
	if p.VerifyCRC() {
		t.Fatal("CRC should fail after corruption")
	}
}

func TestPageClone(t *testing.T) {
	p := NewPage(1, PageKindLeaf, DefaultPageSize)
	copy(p.Body(), []byte("payload"))

	c := p.Clone(2)
	if c.ID != 2 || c.StoredID() != 2 {
		t.Fatalf("clone id = %d/%d, want 2", c.ID, c.StoredID())
	}
	if !bytes.Equal(c.Body()[:7], []byte("payload")) {
		t.Error("clone body differs")
	}

	// Mutating the clone must not touch the original.
	c.Body()[0] = 'X'
	if p.Body()[0] != 'p' {
		t.Error("clone shares backing array with original")
	}
}
