package wal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func walPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.wal")
}

func TestFrameRoundtrip(t *testing.T) {
	f := &Frame{
		LSN:     7,
		TxID:    42,
		Kind:    FramePageImage,
		Payload: []byte("payload bytes"),
	}
	buf := f.Encode()

	got, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.LSN != 7 || got.TxID != 42 || got.Kind != FramePageImage {
		t.Fatalf("header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Fatal("payload mismatch")
	}
}

func TestFrameCRCDetectsCorruption(t *testing.T) {
	f := &Frame{LSN: 1, TxID: 1, Kind: FrameCommit, Payload: []byte("x")}
	buf := f.Encode()
	buf[len(buf)-6] ^= 0xFF

	if _, err := DecodeFrame(buf); !errors.Is(err, ErrCRCMismatch) {
		t.Fatalf("err = %v, want ErrCRCMismatch", err)
	}
}

func TestCommitRecordRoundtrip(t *testing.T) {
	rec := &CommitRecord{
		CatalogRoot:  12,
		FreelistHead: 34,
		NextPageID:   56,
		PageIDs:      []uint64{3, 5, 8},
	}
	got, err := DecodeCommitRecord(rec.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if got.CatalogRoot != 12 || got.FreelistHead != 34 || got.NextPageID != 56 {
		t.Fatalf("mismatch: %+v", got)
	}
	if len(got.PageIDs) != 3 || got.PageIDs[2] != 8 {
		t.Fatalf("page ids: %v", got.PageIDs)
	}
}

func TestAppendScan(t *testing.T) {
	path := walPath(t)
	w, err := Open(path, 0o644, 1)
	if err != nil {
		t.Fatal(err)
	}

	frames := []*Frame{
		{TxID: 1, Kind: FramePageImage, Payload: []byte("page one")},
		{TxID: 1, Kind: FrameCommit, Payload: (&CommitRecord{CatalogRoot: 9}).Encode()},
	}
	if _, err := w.Append(frames); err != nil {
		t.Fatal(err)
	}
	if err := w.Sync(); err != nil {
		t.Fatal(err)
	}
	w.Close()

	res, err := Scan(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(res.Frames))
	}
	if res.Truncated {
		t.Fatal("clean log reported truncated")
	}
	if res.Frames[0].LSN != 1 || res.Frames[1].LSN != 2 {
		t.Fatalf("LSNs = %d,%d", res.Frames[0].LSN, res.Frames[1].LSN)
	}
}

func TestScanTruncatesTornTail(t *testing.T) {
	path := walPath(t)
	w, err := Open(path, 0o644, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Append([]*Frame{
		{TxID: 1, Kind: FramePageImage, Payload: []byte("img")},
		{TxID: 1, Kind: FrameCommit, Payload: (&CommitRecord{}).Encode()},
	}); err != nil {
		t.Fatal(err)
	}
	w.Sync()
	w.Close()

	// Simulate a crash mid-append: half a frame of garbage.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0x40, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xAB, 0xCD})
	f.Close()

	res, err := Scan(path)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Fatal("torn tail not detected")
	}
	if len(res.Frames) != 2 {
		t.Fatalf("frames = %d, want the 2 intact ones", len(res.Frames))
	}

	if err := TruncateTo(path, res.ValidLen); err != nil {
		t.Fatal(err)
	}
	res2, err := Scan(path)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Truncated || len(res2.Frames) != 2 {
		t.Fatalf("after truncate: truncated=%v frames=%d", res2.Truncated, len(res2.Frames))
	}
}

func TestScanStopsAtImagesWithoutCommit(t *testing.T) {
	path := walPath(t)
	w, err := Open(path, 0o644, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Append([]*Frame{
		{TxID: 1, Kind: FramePageImage, Payload: []byte("img")},
		{TxID: 1, Kind: FrameCommit, Payload: (&CommitRecord{}).Encode()},
		{TxID: 2, Kind: FramePageImage, Payload: []byte("orphan")},
	}); err != nil {
		t.Fatal(err)
	}
	w.Sync()
	w.Close()

	res, err := Scan(path)
	if err != nil {
		t.Fatal(err)
	}
	// The orphan image is structurally valid but past the last commit
	// boundary, so the valid prefix excludes it.
	if !res.Truncated {
		t.Fatal("orphan tail should mark the log truncated")
	}
}

func TestReset(t *testing.T) {
	path := walPath(t)
	w, err := Open(path, 0o644, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.Append([]*Frame{{TxID: 1, Kind: FrameCommit, Payload: (&CommitRecord{}).Encode()}})
	if w.Size() == 0 {
		t.Fatal("size should be non-zero after append")
	}
	if err := w.Reset(); err != nil {
		t.Fatal(err)
	}
	if w.Size() != 0 {
		t.Fatal("size should be zero after reset")
	}

	res, err := Scan(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Frames) != 0 {
		t.Fatal("log should be empty after reset")
	}
}
