package jasonisnthappy

import (
	"fmt"
	"time"

	"github.com/sohzm/jasonisnthappy/internal/wal"
	"github.com/sohzm/jasonisnthappy/mvcc"
	"github.com/sohzm/jasonisnthappy/storage"
)

// GCStats reports one garbage-collection run.
type GCStats struct {
	VersionsRemoved int
	ChainsRemoved   int
	PagesReleased   int
	Duration        time.Duration
}

// GC walks every version chain, drops versions no live snapshot can
// reach, removes fully-dead chains, and releases retired pages onto
// the freelist. It runs as a transaction of its own: the rewritten
// trees and freelist publish atomically through the WAL like any
// commit.
func (db *DB) GC() (*GCStats, error) {
	if db.opts.ReadOnly {
		return nil, ErrReadOnly
	}

	start := time.Now()
	stats := &GCStats{}

	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	if err := db.writableLocked(); err != nil {
		return nil, err
	}

	// GC commits under its own txid like a writer.
	db.stateMu.Lock()
	txid := db.nextTxID
	db.nextTxID++
	db.inFlight[txid] = struct{}{}
	currentRoot := db.root
	freelist := db.freelist.Clone()
	nextPageID := db.nextPageID
	oldest := db.oldestSnapshotLocked()
	oldChain := append([]storage.PageID(nil), db.freelistPages...)
	db.stateMu.Unlock()

	cleanup := func() {
		db.stateMu.Lock()
		delete(db.inFlight, txid)
		db.stateMu.Unlock()
	}

	store := newTxnPages(db, txid, freelist, nextPageID, oldest)
	cat := openCatalog(store, currentRoot)

	names, err := cat.listCollections()
	if err != nil {
		cleanup()
		return nil, err
	}

	changed := false
	for _, name := range names {
		meta, err := cat.getCollection(name)
		if err != nil {
			cleanup()
			return nil, err
		}
		tree := storage.OpenBTree(store, storage.PageID(meta.Root))

		// Collect rewrites first; mutating under an open cursor would
		// race its page stack.
		type rewrite struct {
			id    string
			chain mvcc.Chain
			drop  bool
		}
		var rewrites []rewrite

		cur := tree.Cursor()
		for {
			key, value, ok := cur.Next()
			if !ok {
				break
			}
			chain, err := mvcc.DecodeChain(value)
			if err != nil {
				cleanup()
				return nil, fmt.Errorf("%w: chain for %q/%q: %v", ErrCorruption, name, key, err)
			}
			pruned, removed := chain.Prune(oldest)
			if removed == 0 {
				continue
			}
			stats.VersionsRemoved += removed
			rewrites = append(rewrites, rewrite{
				id:    string(key),
				chain: pruned,
				drop:  len(pruned) == 0,
			})
		}
		if err := cur.Err(); err != nil {
			cleanup()
			return nil, err
		}

		for _, rw := range rewrites {
			changed = true
			if rw.drop {
				stats.ChainsRemoved++
				if err := tree.Delete([]byte(rw.id)); err != nil {
					cleanup()
					return nil, err
				}
				continue
			}
			if err := tree.Insert([]byte(rw.id), mvcc.EncodeChain(rw.chain)); err != nil {
				cleanup()
				return nil, err
			}
		}

		if uint64(tree.Root()) != meta.Root {
			meta.Root = uint64(tree.Root())
			if err := cat.putCollection(name, meta); err != nil {
				cleanup()
				return nil, err
			}
		}
	}

	// Settle retirements and promote everything no snapshot can reach.
	stats.PagesReleased = store.freelist.Release(oldest)
	if stats.PagesReleased > 0 {
		changed = true
	}

	if !changed {
		cleanup()
		stats.Duration = time.Since(start)
		return stats, nil
	}

	for _, id := range oldChain {
		store.Retire(id)
	}
	store.settleRetired()
	newHead, err := store.freelist.WriteTo(store.allocFresh)
	if err != nil {
		cleanup()
		return nil, err
	}
	var newChain []storage.PageID
	for id := newHead; id != 0; {
		page, ok := store.dirty[id]
		if !ok {
			break
		}
		newChain = append(newChain, id)
		id = page.Next()
	}

	dirty := store.dirtySorted()
	frames := make([]*wal.Frame, 0, len(dirty)+1)
	pageIDs := make([]uint64, 0, len(dirty))
	for _, page := range dirty {
		page.SetStoredID(page.ID)
		page.StampCRC()
		frames = append(frames, &wal.Frame{
			TxID:    txid,
			Kind:    wal.FramePageImage,
			Payload: wal.EncodePageImage(uint64(page.ID), page.Data),
		})
		pageIDs = append(pageIDs, uint64(page.ID))
	}
	rec := &wal.CommitRecord{
		CatalogRoot:  uint64(cat.root()),
		FreelistHead: uint64(newHead),
		NextPageID:   uint64(store.nextPageID),
		PageIDs:      pageIDs,
	}
	frames = append(frames, &wal.Frame{TxID: txid, Kind: wal.FrameCommit, Payload: rec.Encode()})

	if _, err := db.wal.Append(frames); err != nil {
		cleanup()
		db.poison(err)
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := db.wal.Sync(); err != nil {
		cleanup()
		db.poison(err)
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	for _, page := range dirty {
		if err := db.pager.WritePage(page); err != nil {
			cleanup()
			db.poison(err)
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		db.pool.Put(page)
	}

	db.stateMu.Lock()
	db.root = cat.root()
	db.freelist = store.freelist
	db.freelistPages = newChain
	db.nextPageID = store.nextPageID
	db.lastCommitted = txid
	delete(db.inFlight, txid)
	db.stateMu.Unlock()

	db.metrics.gcVersions.Add(float64(stats.VersionsRemoved))
	db.metrics.gcPages.Add(float64(stats.PagesReleased))

	stats.Duration = time.Since(start)
	db.log.Info().
		Int("versions", stats.VersionsRemoved).
		Int("chains", stats.ChainsRemoved).
		Int("pages_released", stats.PagesReleased).
		Dur("took", stats.Duration).
		Msg("garbage collection complete")
	return stats, nil
}
