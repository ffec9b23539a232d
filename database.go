// Package jasonisnthappy implements an embedded, single-process
// document database: JSON documents in named collections on a single
// file, with ACID transactions and MVCC snapshot isolation.
//
// Key properties:
//   - Readers never block writers; each transaction reads an immutable
//     snapshot captured at begin.
//   - Writers stage privately and serialise only at commit, where
//     write-write conflicts on the same document are detected.
//   - Durability comes from a CRC-protected write-ahead log; the meta
//     page advances only at checkpoint.
//   - The B-tree is copy-on-write: every commit publishes a fresh
//     catalog root with a single pointer swap.
package jasonisnthappy

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	ilog "github.com/sohzm/jasonisnthappy/internal/log"
	"github.com/sohzm/jasonisnthappy/internal/wal"
	"github.com/sohzm/jasonisnthappy/storage"
)

// DB is an open database handle. It is safe for concurrent use.
type DB struct {
	path string
	opts *Options
	log  zerolog.Logger

	pager   *storage.Pager
	pool    *storage.BufferPool
	wal     *wal.WAL
	metrics *metricsSet

	// writerMu serialises committers: one writer publishes at a time.
	writerMu sync.Mutex

	// stateMu guards the published state below. Readers take it
	// briefly at transaction begin; the commit path takes it to
	// publish a new root.
	stateMu       sync.RWMutex
	root          storage.PageID
	freelist      *storage.Freelist
	freelistPages []storage.PageID
	nextPageID    storage.PageID
	lastCommitted uint64
	nextTxID      uint64
	inFlight      map[uint64]struct{}
	activeSnaps   map[uint64]uint64 // txid -> snapshot txid
	closed        bool
	poisoned      bool

	// Recovery scratch carried from load to open.
	walSeedLSN         uint64
	freelistHeadAtLoad storage.PageID

	watchers *watcherHub
}

// Open opens or creates the database at path. The layout is three
// files: path (data), path+".wal" (log) and path+".lock" (advisory).
func Open(path string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	} else {
		opts = opts.clone()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	pager, err := storage.OpenPager(path, storage.PagerOptions{
		PageSize: opts.PageSize,
		FileMode: opts.FilePermissions,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, err
	}

	db := &DB{
		path:        path,
		opts:        opts,
		log:         ilog.Component(opts.Logger, "db"),
		pager:       pager,
		metrics:     newMetricsSet(),
		inFlight:    make(map[uint64]struct{}),
		activeSnaps: make(map[uint64]uint64),
	}

	if err := db.bootstrapOrLoad(); err != nil {
		pager.Close()
		return nil, err
	}

	pool, err := storage.NewBufferPool(opts.CacheSize, pager)
	if err != nil {
		pager.Close()
		return nil, err
	}
	db.pool = pool

	if err := db.recover(); err != nil {
		pager.Close()
		return nil, err
	}

	if !opts.ReadOnly {
		w, err := wal.Open(path+".wal", opts.FilePermissions, db.walSeedLSN)
		if err != nil {
			pager.Close()
			return nil, err
		}
		db.wal = w
	}

	hub, err := newWatcherHub(db)
	if err != nil {
		if db.wal != nil {
			db.wal.Close()
		}
		pager.Close()
		return nil, err
	}
	db.watchers = hub

	db.log.Info().
		Str("path", path).
		Uint64("last_txid", db.lastCommitted).
		Uint64("catalog_root", uint64(db.root)).
		Bool("read_only", opts.ReadOnly).
		Msg("database opened")
	return db, nil
}

// bootstrapOrLoad initialises a fresh file or loads the meta page of
// an existing one.
func (db *DB) bootstrapOrLoad() error {
	size, err := db.pager.FileSize()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	if size == 0 {
		if db.opts.ReadOnly {
			return fmt.Errorf("%w: cannot create database in read-only mode", ErrReadOnly)
		}
		return db.bootstrap()
	}

	meta, err := db.pager.ReadMeta()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	if err := db.pager.SetPageSize(int(meta.PageSize)); err != nil {
		return err
	}
	db.root = meta.CatalogRoot
	db.nextPageID = meta.NextPageID
	db.lastCommitted = meta.LastTxID
	db.nextTxID = meta.LastTxID + 1
	db.walSeedLSN = meta.CheckpointLSN + 1

	// Freelist loads after recovery, which may replay a newer head.
	db.freelistHeadAtLoad = meta.FreelistHead
	return nil
}

// bootstrap writes the initial meta page and an empty catalog root.
func (db *DB) bootstrap() error {
	pageSize := db.pager.PageSize()

	catalogRoot := storage.NewPage(1, storage.PageKindLeaf, pageSize)
	if err := db.pager.WritePage(catalogRoot); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	meta := &storage.Meta{
		Generation:  1,
		PageSize:    uint32(pageSize),
		CatalogRoot: 1,
		NextPageID:  2,
	}
	if err := db.pager.WriteMeta(meta); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	db.root = 1
	db.nextPageID = 2
	db.lastCommitted = 0
	db.nextTxID = 1
	db.freelist = storage.NewFreelist()
	return nil
}

// recover replays the WAL against the main file and loads the
// freelist. Read-only handles replay into a memory overlay instead of
// touching the file.
func (db *DB) recover() error {
	scan, err := wal.Scan(db.path + ".wal")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	var pending []*wal.PageImage
	applied := 0
	for _, frame := range scan.Frames {
		switch frame.Kind {
		case wal.FramePageImage:
			img, err := wal.DecodePageImage(frame.Payload)
			if err != nil {
				return fmt.Errorf("%w: wal page image: %v", ErrCorruption, err)
			}
			pending = append(pending, img)
		case wal.FrameCommit:
			rec, err := wal.DecodeCommitRecord(frame.Payload)
			if err != nil {
				return fmt.Errorf("%w: wal commit record: %v", ErrCorruption, err)
			}
			for _, img := range pending {
				if err := db.applyRecoveredPage(img); err != nil {
					return err
				}
			}
			pending = pending[:0]
			db.root = storage.PageID(rec.CatalogRoot)
			db.freelistHeadAtLoad = storage.PageID(rec.FreelistHead)
			db.nextPageID = storage.PageID(rec.NextPageID)
			if frame.TxID > db.lastCommitted {
				db.lastCommitted = frame.TxID
			}
			applied++
		case wal.FrameCheckpoint:
			// Checkpoints truncate the log; a stray frame carries no
			// work during replay.
		}
	}
	db.nextTxID = db.lastCommitted + 1
	if scan.LastLSN+1 > db.walSeedLSN {
		db.walSeedLSN = scan.LastLSN + 1
	}
	if db.walSeedLSN == 0 {
		db.walSeedLSN = 1
	}

	if !db.opts.ReadOnly {
		if scan.Truncated || len(pending) > 0 {
			if err := wal.TruncateTo(db.path+".wal", scan.ValidLen); err != nil {
				return fmt.Errorf("%w: %v", ErrIO, err)
			}
			db.log.Warn().Int64("valid_len", scan.ValidLen).Msg("truncated torn WAL tail")
		}
		if applied > 0 {
			// Make replayed pages durable and fold the log away so a
			// second crash cannot double-apply against a moved meta.
			if err := db.checkpointAfterRecovery(); err != nil {
				return err
			}
			db.log.Info().Int("commits", applied).Msg("replayed WAL")
		}
	}

	// Load the freelist mirror at the recovered head.
	freelist, chain, err := storage.LoadFreelist(func(id storage.PageID) (*storage.Page, error) {
		return db.pool.Get(id)
	}, db.freelistHeadAtLoad)
	if err != nil {
		return fmt.Errorf("%w: freelist: %v", ErrCorruption, err)
	}
	db.freelist = freelist
	db.freelistPages = chain
	return nil
}

func (db *DB) applyRecoveredPage(img *wal.PageImage) error {
	page := &storage.Page{
		ID:   storage.PageID(img.PageID),
		Data: append([]byte(nil), img.Data...),
	}
	if len(page.Data) != db.pager.PageSize() {
		return fmt.Errorf("%w: wal page image size %d", ErrCorruption, len(page.Data))
	}
	if db.opts.ReadOnly {
		db.pager.ApplyOverlay(page.ID, page.Data)
		return nil
	}
	if err := db.pager.WritePage(page); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// checkpointAfterRecovery folds replayed frames into the main file
// before the WAL handle even opens.
func (db *DB) checkpointAfterRecovery() error {
	if err := db.pager.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	meta, err := db.pager.ReadMeta()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	newMeta := &storage.Meta{
		Generation:    meta.Generation + 1,
		PageSize:      uint32(db.pager.PageSize()),
		CatalogRoot:   db.root,
		FreelistHead:  db.freelistHeadAtLoad,
		NextPageID:    db.nextPageID,
		CheckpointLSN: db.walSeedLSN - 1,
		LastTxID:      db.lastCommitted,
	}
	if err := db.pager.WriteMeta(newMeta); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := wal.TruncateTo(db.path+".wal", 0); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Checkpoint folds every WAL frame into the main data file, advances
// the meta page and truncates the log. Repeating it with no
// intervening commit is a no-op.
func (db *DB) Checkpoint() error {
	if db.opts.ReadOnly {
		return ErrReadOnly
	}
	db.writerMu.Lock()
	defer db.writerMu.Unlock()
	return db.checkpointLocked()
}

func (db *DB) checkpointLocked() error {
	if err := db.writableLocked(); err != nil {
		return err
	}
	return db.checkpointCore()
}

// finalCheckpointLocked runs during Close, after the closed flag is
// already set.
func (db *DB) finalCheckpointLocked() error {
	db.stateMu.RLock()
	poisoned := db.poisoned
	db.stateMu.RUnlock()
	if poisoned || db.opts.ReadOnly {
		return nil
	}
	return db.checkpointCore()
}

func (db *DB) checkpointCore() error {
	if db.wal.Size() == 0 {
		return nil
	}

	// Committed pages already sit in the main file (written, not yet
	// synced); a checkpoint makes them durable, then moves meta.
	if err := db.pager.Sync(); err != nil {
		db.poison(err)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	db.stateMu.RLock()
	meta := &storage.Meta{
		PageSize:      uint32(db.pager.PageSize()),
		CatalogRoot:   db.root,
		FreelistHead:  db.freelistHead(),
		NextPageID:    db.nextPageID,
		CheckpointLSN: db.wal.NextLSN() - 1,
		LastTxID:      db.lastCommitted,
	}
	db.stateMu.RUnlock()

	prev, err := db.pager.ReadMeta()
	if err != nil {
		db.poison(err)
		return fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	meta.Generation = prev.Generation + 1

	if err := db.pager.WriteMeta(meta); err != nil {
		db.poison(err)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := db.wal.Reset(); err != nil {
		db.poison(err)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	db.metrics.checkpoints.Inc()
	db.metrics.walBytes.Set(0)
	db.log.Debug().Uint64("generation", meta.Generation).Msg("checkpoint complete")
	return nil
}

func (db *DB) freelistHead() storage.PageID {
	if len(db.freelistPages) == 0 {
		return 0
	}
	return db.freelistPages[0]
}

// writableLocked checks the handle accepts mutations. Callers hold
// writerMu.
func (db *DB) writableLocked() error {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	switch {
	case db.closed:
		return ErrClosed
	case db.poisoned:
		return ErrCorruption
	case db.opts.ReadOnly:
		return ErrReadOnly
	}
	return nil
}

// poison flips the database into the read-only corrupted state: every
// subsequent write returns ErrCorruption, reads stay best-effort.
func (db *DB) poison(cause error) {
	db.stateMu.Lock()
	already := db.poisoned
	db.poisoned = true
	db.stateMu.Unlock()
	if !already {
		db.log.Error().Err(cause).Msg("database poisoned; writes disabled")
	}
}

// Close checkpoints (read-write handles), stops change-stream
// delivery and releases the file lock. The handle is unusable after.
func (db *DB) Close() error {
	db.stateMu.Lock()
	if db.closed {
		db.stateMu.Unlock()
		return ErrClosed
	}
	db.closed = true
	poisoned := db.poisoned
	db.stateMu.Unlock()

	db.watchers.close()

	var firstErr error
	if db.wal != nil {
		if !poisoned {
			// Best-effort final checkpoint; the WAL replays next open
			// if it fails.
			db.writerMu.Lock()
			if err := db.finalCheckpointLocked(); err != nil && firstErr == nil {
				firstErr = err
			}
			db.writerMu.Unlock()
		}
		if err := db.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := db.pager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	db.log.Info().Str("path", db.path).Msg("database closed")
	return firstErr
}

// Stats is a point-in-time snapshot of engine health.
type Stats struct {
	Collections   int
	Documents     uint64
	PageSize      int
	WALBytes      int64
	CachePages    int
	CacheHits     uint64
	CacheMisses   uint64
	LastCommitted uint64
	FreePages     int
}

// Stats gathers counters from a read snapshot.
func (db *DB) Stats() (*Stats, error) {
	s := &Stats{PageSize: db.pager.PageSize()}

	err := db.View(func(txn *Txn) error {
		names, err := txn.ListCollections()
		if err != nil {
			return err
		}
		s.Collections = len(names)
		for _, name := range names {
			coll, err := txn.Collection(name)
			if err != nil {
				return err
			}
			n, err := coll.Count(txn)
			if err != nil {
				return err
			}
			s.Documents += n
			db.metrics.documents.WithLabelValues(name).Set(float64(n))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if db.wal != nil {
		s.WALBytes = db.wal.Size()
	}
	s.CachePages = db.pool.Len()
	s.CacheHits, s.CacheMisses = db.pool.Stats()

	db.stateMu.RLock()
	s.LastCommitted = db.lastCommitted
	s.FreePages = db.freelist.Len()
	db.stateMu.RUnlock()

	db.metrics.walBytes.Set(float64(s.WALBytes))
	db.metrics.cachePages.Set(float64(s.CachePages))
	return s, nil
}

// oldestSnapshotLocked returns the oldest live snapshot txid, used to
// gate page reuse and version pruning. Callers hold stateMu.
func (db *DB) oldestSnapshotLocked() uint64 {
	oldest := db.lastCommitted + 1
	for _, snap := range db.activeSnaps {
		if snap < oldest {
			oldest = snap
		}
	}
	return oldest
}
