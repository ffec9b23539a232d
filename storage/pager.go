package storage

import (
	"fmt"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// PagerOptions configures how the data file is opened.
type PagerOptions struct {
	// PageSize used when creating a new file. Ignored for existing
	// files, where the size recorded in the meta page wins.
	PageSize int

	// FileMode applied on file creation.
	FileMode fs.FileMode

	// ReadOnly opens with a shared lock and rejects writes.
	ReadOnly bool
}

// Pager performs page-granular I/O on the single data file. It holds a
// cross-process advisory lock for the lifetime of the handle: exclusive
// for read-write, shared for read-only.
//
// During a transaction no page is ever written in place; commits stage
// new pages through the WAL first and the pager only sees them
// afterwards. The main file is fsynced at checkpoint.
type Pager struct {
	mu       sync.RWMutex
	file     *os.File
	lockFile *os.File
	pageSize int
	readOnly bool

	// overlay holds WAL frames replayed in memory for read-only
	// handles, which must not touch the main file.
	overlay map[PageID][]byte
}

// OpenPager opens or creates the data file at path and acquires the
// advisory lock on path+".lock".
func OpenPager(path string, opts PagerOptions) (*Pager, error) {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize < MinPageSize || pageSize%512 != 0 {
		return nil, ErrPageSize
	}
	mode := opts.FileMode
	if mode == 0 {
		mode = 0o644
	}

	lockFile, err := os.OpenFile(path+".lock", os.O_RDWR|os.O_CREATE, mode)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	how := unix.LOCK_EX
	if opts.ReadOnly {
		how = unix.LOCK_SH
	}
	if err := unix.Flock(int(lockFile.Fd()), how|unix.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("%w: %v", ErrLocked, err)
	}

	flags := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flags, mode)
	if err != nil {
		unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
		return nil, fmt.Errorf("open data file: %w", err)
	}

	p := &Pager{
		file:     file,
		lockFile: lockFile,
		pageSize: pageSize,
		readOnly: opts.ReadOnly,
	}
	if opts.ReadOnly {
		p.overlay = make(map[PageID][]byte)
	}
	return p, nil
}

// PageSize returns the page size in bytes.
func (p *Pager) PageSize() int {
	return p.pageSize
}

// SetPageSize adopts the page size recorded in an existing meta page.
// Called once during open, before any non-meta page is read.
func (p *Pager) SetPageSize(size int) error {
	if size < MinPageSize || size%512 != 0 {
		return ErrPageSize
	}
	p.mu.Lock()
	p.pageSize = size
	p.mu.Unlock()
	return nil
}

// FileSize returns the current size of the data file in bytes.
func (p *Pager) FileSize() (int64, error) {
	info, err := p.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat data file: %w", err)
	}
	return info.Size(), nil
}

// ReadPage reads and verifies one page. A CRC mismatch or a stored id
// disagreeing with the requested id is reported as ErrCorruptPage; the
// pager never returns bad bytes.
func (p *Pager) ReadPage(id PageID) (*Page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	page := &Page{ID: id, Data: make([]byte, p.pageSize)}

	if p.overlay != nil {
		if data, ok := p.overlay[id]; ok {
			copy(page.Data, data)
			if !page.VerifyCRC() || page.StoredID() != id {
				return nil, fmt.Errorf("%w: page %d (overlay)", ErrCorruptPage, id)
			}
			return page, nil
		}
	}

	offset := int64(id) * int64(p.pageSize)
	if _, err := p.file.ReadAt(page.Data, offset); err != nil {
		return nil, fmt.Errorf("read page %d: %w", id, err)
	}
	if !page.VerifyCRC() || page.StoredID() != id {
		return nil, fmt.Errorf("%w: page %d", ErrCorruptPage, id)
	}
	return page, nil
}

// WritePage stamps the CRC and writes the page at its offset. The write
// is not synced; Sync makes it durable.
func (p *Pager) WritePage(page *Page) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.readOnly {
		return ErrReadOnlyPager
	}
	if len(page.Data) != p.pageSize {
		return ErrPageSize
	}
	page.SetStoredID(page.ID)
	page.StampCRC()

	offset := int64(page.ID) * int64(p.pageSize)
	if _, err := p.file.WriteAt(page.Data, offset); err != nil {
		return fmt.Errorf("write page %d: %w", page.ID, err)
	}
	return nil
}

// ApplyOverlay stores replayed WAL page bytes for a read-only handle.
// The bytes must be a full page image including header and CRC.
func (p *Pager) ApplyOverlay(id PageID, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.overlay == nil {
		p.overlay = make(map[PageID][]byte)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	p.overlay[id] = buf
}

// ReadMeta decodes the winning meta slot from page 0. The raw page CRC
// is not consulted here: each slot carries its own CRC so that a torn
// write of one slot leaves the other intact.
func (p *Pager) ReadMeta() (*Meta, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// Both slots live inside the first MinPageSize bytes, so the real
	// page size need not be known yet.
	buf := make([]byte, MinPageSize)
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read meta page: %w", err)
	}

	var best *Meta
	for slot := 0; slot < 2; slot++ {
		off := metaSlotOffset(slot)
		if off+metaEncodedSize > len(buf) {
			break
		}
		m, ok := decodeMeta(buf[off:])
		if !ok {
			continue
		}
		if best == nil || m.Generation > best.Generation {
			best = m
		}
	}
	if best == nil {
		return nil, ErrBadMeta
	}
	return best, nil
}

// WriteMeta writes meta into the slot opposite the current generation
// and syncs the file. Only the checkpoint path calls this.
func (p *Pager) WriteMeta(m *Meta) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readOnly {
		return ErrReadOnlyPager
	}

	page := NewPage(0, PageKindMeta, p.pageSize)
	// Preserve the previous slot so a torn write of the new one falls
	// back to the old generation.
	old := make([]byte, p.pageSize)
	if _, err := p.file.ReadAt(old, 0); err == nil {
		copy(page.Data[PageHeaderSize:], old[PageHeaderSize:])
	}

	slot := int(m.Generation % 2)
	m.encode(page.Data[metaSlotOffset(slot):])
	page.StampCRC()

	if _, err := p.file.WriteAt(page.Data, 0); err != nil {
		return fmt.Errorf("write meta page: %w", err)
	}
	return p.syncLocked()
}

// Sync flushes the data file to stable storage.
func (p *Pager) Sync() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.syncLocked()
}

func (p *Pager) syncLocked() error {
	if p.readOnly {
		return nil
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("sync data file: %w", err)
	}
	return nil
}

// Close releases the advisory lock and closes the file.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	if p.file != nil {
		if !p.readOnly {
			if err := p.file.Sync(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := p.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.file = nil
	}
	if p.lockFile != nil {
		unix.Flock(int(p.lockFile.Fd()), unix.LOCK_UN)
		if err := p.lockFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.lockFile = nil
	}
	return firstErr
}
