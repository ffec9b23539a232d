package wal

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
)

// WAL manages the single log file beside the database. Appends happen
// only under the database's writer mutex, so the WAL itself needs no
// ordering beyond its own handle lock.
type WAL struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	size    int64
	nextLSN uint64
}

// Open opens or creates the log at path. nextLSN seeds the sequence
// counter, normally the last checkpoint LSN from the meta page plus
// whatever recovery observed.
func Open(path string, mode fs.FileMode, nextLSN uint64) (*WAL, error) {
	if mode == 0 {
		mode = 0o644
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, mode)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat wal: %w", err)
	}
	if nextLSN == 0 {
		nextLSN = 1
	}
	return &WAL{
		file:    file,
		path:    path,
		size:    info.Size(),
		nextLSN: nextLSN,
	}, nil
}

// Append assigns LSNs and writes the frames at the tail. The data is
// not durable until Sync returns.
func (w *WAL) Append(frames []*Frame) (lastLSN uint64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	for _, f := range frames {
		f.LSN = w.nextLSN
		w.nextLSN++
		buf := f.Encode()
		if _, err := w.file.Write(buf); err != nil {
			return 0, fmt.Errorf("append wal frame: %w", err)
		}
		w.size += int64(len(buf))
		lastLSN = f.LSN
	}
	return lastLSN, nil
}

// Sync flushes appended frames to stable storage. A commit exists only
// after this returns.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return os.ErrClosed
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	return nil
}

// Size returns the current log size in bytes; the auto-checkpoint
// policy watches this.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// NextLSN returns the next sequence number to be assigned.
func (w *WAL) NextLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

// Reset truncates the log after a checkpoint has folded every frame
// into the main file.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return os.ErrClosed
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind wal: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	w.size = 0
	return nil
}

// Close closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// ScanResult is the outcome of reading a log during recovery.
type ScanResult struct {
	// Frames holds every frame of the valid prefix, in order.
	Frames []*Frame

	// ValidLen is the byte length of the prefix ending at the last
	// complete, CRC-valid commit or checkpoint frame. Anything past
	// it - torn frames or a partial transaction's page images - is
	// truncated by read-write recovery.
	ValidLen int64

	// LastLSN is the highest LSN observed in the valid prefix.
	LastLSN uint64

	// Truncated reports whether a torn or corrupt tail was found.
	Truncated bool
}

// Scan reads the log at path front to back, stopping at the first
// incomplete or corrupt frame. A missing file is an empty log.
func Scan(path string) (*ScanResult, error) {
	res := &ScanResult{}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return nil, fmt.Errorf("open wal for scan: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat wal: %w", err)
	}
	size := info.Size()

	var offset int64
	lenBuf := make([]byte, 8)
	for offset+frameOverhead <= size {
		if _, err := file.ReadAt(lenBuf, offset); err != nil {
			res.Truncated = true
			break
		}
		recordLen := int64(byteOrder.Uint64(lenBuf))
		if recordLen < frameOverhead || offset+recordLen > size {
			res.Truncated = true
			break
		}
		buf := make([]byte, recordLen)
		if _, err := file.ReadAt(buf, offset); err != nil {
			res.Truncated = true
			break
		}
		frame, err := DecodeFrame(buf)
		if err != nil {
			res.Truncated = true
			break
		}
		res.Frames = append(res.Frames, frame)
		if frame.LSN > res.LastLSN {
			res.LastLSN = frame.LSN
		}
		offset += recordLen
		if frame.Kind == FrameCommit || frame.Kind == FrameCheckpoint {
			res.ValidLen = offset
		}
	}
	if res.ValidLen < size {
		res.Truncated = true
	}
	return res, nil
}

// TruncateTo cuts the log at validLen, discarding a torn tail in
// place. Used by read-write recovery before accepting new commits.
func TruncateTo(path string, validLen int64) error {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open wal for truncate: %w", err)
	}
	defer file.Close()
	if err := file.Truncate(validLen); err != nil {
		return fmt.Errorf("truncate wal tail: %w", err)
	}
	return file.Sync()
}
