package mvcc

import (
	"bytes"
	"testing"
)

func TestChainEncodeDecode(t *testing.T) {
	c := Chain{
		{BeginTx: 9, EndTx: Live, Payload: []byte(`{"a":1}`)},
		{BeginTx: 4, EndTx: 9, Payload: []byte(`{"a":0}`)},
		{BeginTx: 2, EndTx: 4, Tombstone: true},
	}
	got, err := DecodeChain(EncodeChain(c))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].BeginTx != 9 || got[0].EndTx != Live {
		t.Fatalf("head = %+v", got[0])
	}
	if !bytes.Equal(got[1].Payload, []byte(`{"a":0}`)) {
		t.Fatal("payload mismatch")
	}
	if !got[2].Tombstone {
		t.Fatal("tombstone flag lost")
	}
}

func TestDecodeChainCorrupt(t *testing.T) {
	if _, err := DecodeChain([]byte{1, 2, 3}); err != ErrCorruptChain {
		t.Fatalf("err = %v, want ErrCorruptChain", err)
	}
}

func TestExtendClosesPreviousHead(t *testing.T) {
	c := Chain{{BeginTx: 3, EndTx: Live, Payload: []byte("old")}}
	c = c.Extend(Version{BeginTx: 8, EndTx: Live, Payload: []byte("new")})

	if len(c) != 2 {
		t.Fatalf("len = %d", len(c))
	}
	if c[0].BeginTx != 8 {
		t.Fatalf("head begin = %d", c[0].BeginTx)
	}
	if c[1].EndTx != 8 {
		t.Fatalf("old head end = %d, want 8", c[1].EndTx)
	}
}

func TestSnapshotVisibility(t *testing.T) {
	v := &Version{BeginTx: 5, EndTx: 10}

	cases := []struct {
		snap    uint64
		visible bool
	}{
		{4, false}, // begun before the version existed
		{5, true},
		{9, true},
		{10, false}, // superseded at exactly 10
		{11, false},
	}
	for _, tc := range cases {
		s := NewSnapshot(tc.snap, nil)
		if got := s.Sees(v); got != tc.visible {
			t.Errorf("snapshot %d sees = %v, want %v", tc.snap, got, tc.visible)
		}
	}
}

func TestSnapshotExcludesInFlight(t *testing.T) {
	v := &Version{BeginTx: 5, EndTx: Live}
	s := NewSnapshot(7, map[uint64]struct{}{5: {}})
	if s.Sees(v) {
		t.Fatal("in-flight commit must be invisible")
	}
	s2 := NewSnapshot(7, nil)
	if !s2.Sees(v) {
		t.Fatal("published commit must be visible")
	}
}

func TestChainVisiblePicksNewestVisible(t *testing.T) {
	c := Chain{
		{BeginTx: 9, EndTx: Live, Payload: []byte("v3")},
		{BeginTx: 4, EndTx: 9, Payload: []byte("v2")},
		{BeginTx: 1, EndTx: 4, Payload: []byte("v1")},
	}

	v, _ := c.Visible(NewSnapshot(6, nil))
	if v == nil || string(v.Payload) != "v2" {
		t.Fatalf("snapshot 6 sees %v", v)
	}
	v, _ = c.Visible(NewSnapshot(20, nil))
	if v == nil || string(v.Payload) != "v3" {
		t.Fatalf("snapshot 20 sees %v", v)
	}
	v, _ = c.Visible(NewSnapshot(0, nil))
	if v != nil {
		t.Fatalf("snapshot 0 sees %v, want nothing", v)
	}
}

func TestChainVisibleTombstone(t *testing.T) {
	c := Chain{
		{BeginTx: 5, EndTx: Live, Tombstone: true},
		{BeginTx: 2, EndTx: 5, Payload: []byte("alive")},
	}
	v, found := c.Visible(NewSnapshot(6, nil))
	if v != nil || !found {
		t.Fatalf("tombstoned doc: v=%v found=%v", v, found)
	}
	v, _ = c.Visible(NewSnapshot(3, nil))
	if v == nil || string(v.Payload) != "alive" {
		t.Fatal("older snapshot should still see the live version")
	}
}

func TestPrune(t *testing.T) {
	c := Chain{
		{BeginTx: 9, EndTx: Live, Payload: []byte("v3")},
		{BeginTx: 4, EndTx: 9, Payload: []byte("v2")},
		{BeginTx: 1, EndTx: 4, Payload: []byte("v1")},
	}

	pruned, removed := c.Prune(5)
	if removed != 1 || len(pruned) != 2 {
		t.Fatalf("prune(5): removed=%d len=%d", removed, len(pruned))
	}
	pruned, removed = c.Prune(100)
	if removed != 2 || len(pruned) != 1 {
		t.Fatalf("prune(100): removed=%d len=%d", removed, len(pruned))
	}
}

func TestPruneDropsDeadTombstoneChain(t *testing.T) {
	c := Chain{
		{BeginTx: 5, EndTx: Live, Tombstone: true},
		{BeginTx: 2, EndTx: 5, Payload: []byte("was alive")},
	}
	pruned, removed := c.Prune(10)
	if len(pruned) != 0 || removed != 2 {
		t.Fatalf("dead chain: len=%d removed=%d", len(pruned), removed)
	}
}
