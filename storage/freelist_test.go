package storage

import (
	"testing"
)

func TestFreelistRetireAndAllocate(t *testing.T) {
	f := NewFreelist()
	f.Retire(100, 7)
	f.Free(200)

	// An outright-free page is always eligible.
	id, ok := f.Allocate(1)
	if !ok || id != 200 {
		t.Fatalf("allocate = %d/%v, want 200", id, ok)
	}

	// The retired page waits for snapshots older than txid 7.
	if id, ok := f.Allocate(5); ok {
		t.Fatalf("allocate with old snapshot returned %d", id)
	}
	id, ok = f.Allocate(7)
	if !ok || id != 100 {
		t.Fatalf("allocate = %d/%v, want 100", id, ok)
	}
	if f.Len() != 0 {
		t.Fatalf("len = %d, want 0", f.Len())
	}
}

func TestFreelistRelease(t *testing.T) {
	f := NewFreelist()
	f.Retire(1, 5)
	f.Retire(2, 9)

	released := f.Release(6)
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}
	// Entry 1 is now free outright.
	if id, ok := f.Allocate(0); !ok || id != 1 {
		t.Fatalf("allocate = %d/%v, want 1", id, ok)
	}
}

func TestFreelistWriteLoadRoundtrip(t *testing.T) {
	store := newMemStore(DefaultPageSize)

	f := NewFreelist()
	for i := 0; i < 600; i++ {
		f.Retire(PageID(1000+i), uint64(i))
	}

	head, err := f.WriteTo(store.Alloc)
	if err != nil {
		t.Fatal(err)
	}
	if head == 0 {
		t.Fatal("expected a non-zero head")
	}

	loaded, chain, err := LoadFreelist(store.Get, head)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Len() != 600 {
		t.Fatalf("loaded %d entries, want 600", loaded.Len())
	}
	if len(chain) < 2 {
		t.Fatalf("600 entries should span multiple pages, got %d", len(chain))
	}
}

func TestFreelistEmptyWrite(t *testing.T) {
	store := newMemStore(DefaultPageSize)
	f := NewFreelist()
	head, err := f.WriteTo(store.Alloc)
	if err != nil {
		t.Fatal(err)
	}
	if head != 0 {
		t.Fatalf("empty list head = %d, want 0", head)
	}
}
