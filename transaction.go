package jasonisnthappy

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sohzm/jasonisnthappy/internal/wal"
	"github.com/sohzm/jasonisnthappy/mvcc"
	"github.com/sohzm/jasonisnthappy/storage"
)

// TxnState is the transaction lifecycle state.
type TxnState int

const (
	TxnActive TxnState = iota
	TxnCommitting
	TxnCommitted
	TxnAborted
)

// Txn is a transaction handle. Between Begin and Commit a writer holds
// no locks: reads go against the snapshot captured at begin, writes
// stage in a private overlay with read-your-writes. Commit serialises
// on the database writer mutex, validates the write set against the
// current root and publishes atomically.
type Txn struct {
	db       *DB
	id       uint64
	snapshot *mvcc.Snapshot
	root     storage.PageID

	mu     sync.Mutex
	state  TxnState
	staged map[string]map[string]*stagedWrite
	ddl    map[string]*stagedDDL
	// seqNext holds the highest id-counter value consumed per
	// collection; commit persists it so generated ids stay monotonic.
	seqNext map[string]uint64
}

// stagedWrite is one pending document mutation. observed is the chain
// head begin-txid at first read (zero when the chain was absent); the
// commit path re-checks it against the current root to detect
// write-write conflicts.
type stagedWrite struct {
	doc       storage.Document
	tombstone bool
	observed  uint64
	insert    bool
	// genID marks inserts whose _id came from the collection counter;
	// losing a commit race on one is a retryable conflict, not a
	// duplicate-key error, because a retry draws a fresh id.
	genID bool
}

// stagedDDL accumulates catalog mutations made inside the transaction.
type stagedDDL struct {
	create      bool
	drop        bool
	renameTo    string
	schema      *string
	newIndexes  map[string]*indexMeta
	dropIndexes map[string]bool
}

// Begin starts a transaction. Its snapshot is the highest committed
// txid plus the set of commits in flight at this instant.
func (db *DB) Begin() (*Txn, error) {
	db.stateMu.Lock()
	defer db.stateMu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}
	txid := db.nextTxID
	db.nextTxID++

	txn := &Txn{
		db:       db,
		id:       txid,
		snapshot: mvcc.NewSnapshot(db.lastCommitted, db.inFlight),
		root:     db.root,
		state:    TxnActive,
		staged:   make(map[string]map[string]*stagedWrite),
		ddl:      make(map[string]*stagedDDL),
		seqNext:  make(map[string]uint64),
	}
	db.activeSnaps[txid] = txn.snapshot.TxID
	return txn, nil
}

// ID returns the transaction id.
func (t *Txn) ID() uint64 {
	return t.id
}

// State returns the lifecycle state.
func (t *Txn) State() TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// active errors unless the transaction still accepts operations.
func (t *Txn) active() error {
	if t.state != TxnActive {
		return fmt.Errorf("%w: transaction %d is finalised", ErrClosed, t.id)
	}
	return nil
}

// reader returns the snapshot-rooted catalog for reads.
func (t *Txn) reader() *catalog {
	return openCatalog(&readStore{db: t.db}, t.root)
}

// stagedFor returns the staged write for (coll, id), nil if none.
func (t *Txn) stagedFor(coll, id string) *stagedWrite {
	if m, ok := t.staged[coll]; ok {
		return m[id]
	}
	return nil
}

func (t *Txn) stage(coll, id string, w *stagedWrite) {
	m, ok := t.staged[coll]
	if !ok {
		m = make(map[string]*stagedWrite)
		t.staged[coll] = m
	}
	m[id] = w
}

func (t *Txn) ddlFor(coll string) *stagedDDL {
	d, ok := t.ddl[coll]
	if !ok {
		d = &stagedDDL{
			newIndexes:  make(map[string]*indexMeta),
			dropIndexes: make(map[string]bool),
		}
		t.ddl[coll] = d
	}
	return d
}

// Rollback discards all staged work. It is idempotent: rolling back a
// finalised transaction is a no-op.
func (t *Txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TxnCommitted || t.state == TxnAborted {
		return nil
	}
	t.finishLocked(TxnAborted)
	t.db.metrics.rollbacks.Inc()
	return nil
}

// finishLocked transitions to a terminal state and unregisters the
// snapshot. Caller holds t.mu.
func (t *Txn) finishLocked(state TxnState) {
	t.state = state
	t.staged = nil
	t.ddl = nil
	t.db.stateMu.Lock()
	delete(t.db.activeSnaps, t.id)
	delete(t.db.inFlight, t.id)
	t.db.stateMu.Unlock()
}

// Commit validates the write set and publishes. On conflict it aborts
// with ErrConflict and the caller may retry with a fresh transaction.
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.active(); err != nil {
		return err
	}
	if len(t.staged) == 0 && len(t.ddl) == 0 {
		// Read-only: nothing to validate or log.
		t.finishLocked(TxnCommitted)
		return nil
	}

	t.state = TxnCommitting
	start := time.Now()

	events, err := t.commitWrites()
	if err != nil {
		t.finishLocked(TxnAborted)
		if errors.Is(err, ErrConflict) {
			t.db.metrics.conflicts.Inc()
		}
		return err
	}

	t.finishLocked(TxnCommitted)
	t.db.metrics.commits.Inc()
	t.db.metrics.commitSeconds.Observe(time.Since(start).Seconds())

	// Deliver only after publication so no subscriber can re-enter
	// this transaction.
	t.db.watchers.publish(events)

	t.db.maybeAutoCheckpoint()
	return nil
}

// commitWrites is the serialised commit path.
func (t *Txn) commitWrites() ([]ChangeEvent, error) {
	db := t.db

	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	if err := db.writableLocked(); err != nil {
		return nil, err
	}

	// Mark in flight and capture the current published state.
	db.stateMu.Lock()
	db.inFlight[t.id] = struct{}{}
	currentRoot := db.root
	freelist := db.freelist.Clone()
	nextPageID := db.nextPageID
	minSnapshot := db.oldestSnapshotLocked()
	oldChain := append([]storage.PageID(nil), db.freelistPages...)
	db.stateMu.Unlock()

	store := newTxnPages(db, t.id, freelist, nextPageID, minSnapshot)
	cat := openCatalog(store, currentRoot)

	events, err := t.applyStaged(cat, store)
	if err != nil {
		return nil, err
	}

	// Retire the freelist chain this commit supersedes, settle this
	// commit's retirements, then serialise the new list from fresh
	// pages so encoding does not mutate the list underneath itself.
	for _, id := range oldChain {
		store.Retire(id)
	}
	store.settleRetired()
	newHead, err := store.freelist.WriteTo(store.allocFresh)
	if err != nil {
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

	// Log: page images ordered by page id, then the commit record.
	dirty := store.dirtySorted()
	frames := make([]*wal.Frame, 0, len(dirty)+1)
	pageIDs := make([]uint64, 0, len(dirty))
	for _, page := range dirty {
		page.SetStoredID(page.ID)
		page.StampCRC()
		frames = append(frames, &wal.Frame{
			TxID:    t.id,
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
	frames = append(frames, &wal.Frame{
		TxID:    t.id,
		Kind:    wal.FrameCommit,
		Payload: rec.Encode(),
	})

	if _, err := db.wal.Append(frames); err != nil {
		db.poison(err)
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := db.wal.Sync(); err != nil {
		// The commit may or may not be on disk; without a durable
		// answer the only safe state is poisoned.
		db.poison(err)
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	// Apply to the main file (durable at next checkpoint) and warm
	// the cache for readers of the new root.
	for _, page := range dirty {
		if err := db.pager.WritePage(page); err != nil {
			db.poison(err)
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		db.pool.Put(page)
	}

	// Publish: a single pointer swap under stateMu.
	db.stateMu.Lock()
	db.root = cat.root()
	db.freelist = store.freelist
	db.freelistPages = newChain
	db.nextPageID = store.nextPageID
	db.lastCommitted = t.id
	db.stateMu.Unlock()

	db.metrics.walBytes.Set(float64(db.wal.Size()))
	db.log.Debug().
		Uint64("txid", t.id).
		Uint64("catalog_root", uint64(cat.root())).
		Int("pages", len(dirty)).
		Msg("commit published")
	return events, nil
}

// applyStaged replays DDL and document writes against the current
// root, enforcing conflicts, uniqueness, counts and index upkeep.
func (t *Txn) applyStaged(cat *catalog, store *txnPages) ([]ChangeEvent, error) {
	var events []ChangeEvent
	now := time.Now()

	// DDL first: creates and drops, so document writes land on the
	// final set of collections.
	ddlNames := make([]string, 0, len(t.ddl))
	for name := range t.ddl {
		ddlNames = append(ddlNames, name)
	}
	sort.Strings(ddlNames)

	for _, name := range ddlNames {
		d := t.ddl[name]
		if d.drop {
			meta, err := cat.getCollection(name)
			if err != nil {
				if errors.Is(err, ErrNotFound) && d.create {
					continue // created and dropped inside this txn
				}
				return nil, err
			}
			if err := retireTree(store, storage.PageID(meta.Root)); err != nil {
				return nil, err
			}
			indexes, err := cat.getIndexes(name)
			if err != nil {
				return nil, err
			}
			for _, idx := range indexes {
				if err := retireTree(store, storage.PageID(idx.Root)); err != nil {
					return nil, err
				}
			}
			if err := cat.deleteCollection(name); err != nil {
				return nil, err
			}
			continue
		}
		if d.create {
			if _, err := cat.getCollection(name); err == nil {
				return nil, fmt.Errorf("%w: collection %q already exists", ErrDuplicateKey, name)
			} else if !errors.Is(err, ErrNotFound) {
				return nil, err
			}
			tree, err := storage.NewBTree(store)
			if err != nil {
				return nil, err
			}
			if err := cat.putCollection(name, &collectionMeta{Root: uint64(tree.Root())}); err != nil {
				return nil, err
			}
		}
		if d.schema != nil {
			if err := cat.putSchema(name, *d.schema); err != nil {
				return nil, err
			}
		}
		if d.renameTo != "" {
			if _, err := cat.getCollection(d.renameTo); err == nil {
				return nil, fmt.Errorf("%w: collection %q already exists", ErrDuplicateKey, d.renameTo)
			} else if !errors.Is(err, ErrNotFound) {
				return nil, err
			}
			if err := cat.renameCollection(name, d.renameTo); err != nil {
				return nil, err
			}
		}
	}

	// Document writes in deterministic order.
	collNames := make([]string, 0, len(t.staged))
	for name := range t.staged {
		collNames = append(collNames, name)
	}
	sort.Strings(collNames)

	for _, name := range collNames {
		meta, err := cat.getCollection(name)
		if err != nil {
			return nil, err
		}
		indexes, err := cat.getIndexes(name)
		if err != nil {
			return nil, err
		}
		tree := storage.OpenBTree(store, storage.PageID(meta.Root))

		ids := make([]string, 0, len(t.staged[name]))
		for id := range t.staged[name] {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			sw := t.staged[name][id]
			ev, err := t.applyWrite(store, tree, name, id, sw, meta, indexes, now)
			if err != nil {
				return nil, err
			}
			if ev != nil {
				events = append(events, *ev)
			}
		}

		meta.Root = uint64(tree.Root())
		if err := cat.putCollection(name, meta); err != nil {
			return nil, err
		}
		idxNames := make([]string, 0, len(indexes))
		for idxName := range indexes {
			idxNames = append(idxNames, idxName)
		}
		sort.Strings(idxNames)
		for _, idxName := range idxNames {
			if err := cat.putIndex(name, idxName, indexes[idxName]); err != nil {
				return nil, err
			}
		}

		// Persist the consumed id-counter range.
		if next, ok := t.seqNext[name]; ok {
			cur, err := cat.getSeq(name)
			if err != nil {
				return nil, err
			}
			if next > cur {
				if err := cat.putSeq(name, next); err != nil {
					return nil, err
				}
			}
		}
	}

	// Index creation last so backfill sees this transaction's writes.
	for _, name := range ddlNames {
		d := t.ddl[name]
		for idxName := range d.dropIndexes {
			indexes, err := cat.getIndexes(name)
			if err != nil {
				return nil, err
			}
			idx, ok := indexes[idxName]
			if !ok {
				return nil, fmt.Errorf("%w: index %q on %q", ErrNotFound, idxName, name)
			}
			if err := retireTree(store, storage.PageID(idx.Root)); err != nil {
				return nil, err
			}
			if err := cat.deleteIndex(name, idxName); err != nil {
				return nil, err
			}
		}
		idxNames := make([]string, 0, len(d.newIndexes))
		for idxName := range d.newIndexes {
			idxNames = append(idxNames, idxName)
		}
		sort.Strings(idxNames)
		for _, idxName := range idxNames {
			if err := t.buildIndex(cat, store, name, idxName, d.newIndexes[idxName]); err != nil {
				return nil, err
			}
		}
	}

	return events, nil
}

// applyWrite lands one staged document write: conflict check, version
// chain extension, count and index maintenance.
func (t *Txn) applyWrite(store *txnPages, tree *storage.BTree, coll, id string, sw *stagedWrite, meta *collectionMeta, indexes map[string]*indexMeta, now time.Time) (*ChangeEvent, error) {
	var chain mvcc.Chain
	chainBytes, err := tree.Get([]byte(id))
	switch {
	case err == nil:
		chain, err = mvcc.DecodeChain(chainBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: chain for %q/%q: %v", ErrCorruption, coll, id, err)
		}
	case err == storage.ErrKeyNotFound:
		// New document.
	default:
		return nil, err
	}

	// Write-write conflict: the head moved since this transaction
	// observed it.
	var headTx uint64
	head := chain.Head()
	if head != nil {
		headTx = head.BeginTx
	}
	if headTx != sw.observed {
		if sw.insert && !sw.genID && head != nil && !head.Tombstone {
			return nil, fmt.Errorf("%w: _id %q in %q", ErrDuplicateKey, id, coll)
		}
		return nil, fmt.Errorf("%w: document %q/%q modified since snapshot", ErrConflict, coll, id)
	}
	prevLive := head != nil && !head.Tombstone
	if sw.insert && prevLive {
		return nil, fmt.Errorf("%w: _id %q in %q", ErrDuplicateKey, id, coll)
	}
	if sw.tombstone && !prevLive {
		return nil, fmt.Errorf("%w: document %q/%q", ErrNotFound, coll, id)
	}

	// Old indexed state comes from the committed head, which the
	// conflict check just proved is what this transaction read.
	var oldDoc storage.Document
	if prevLive {
		oldDoc, err = storage.DeserializeDocument(head.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: document %q/%q: %v", ErrCorruption, coll, id, err)
		}
	}

	version := mvcc.Version{BeginTx: t.id, EndTx: mvcc.Live, Tombstone: sw.tombstone}
	var newDoc storage.Document
	if !sw.tombstone {
		newDoc = sw.doc
		version.Payload, err = newDoc.Serialize()
		if err != nil {
			return nil, invalidf("document %q/%q: %v", coll, id, err)
		}
	}
	chain = chain.Extend(version)
	if err := tree.Insert([]byte(id), mvcc.EncodeChain(chain)); err != nil {
		return nil, err
	}

	// Secondary index upkeep: only paths whose extracted values
	// changed are touched. Roots are written back to the catalog once
	// per collection after all writes land.
	for idxName, idx := range indexes {
		if err := updateIndexEntry(store, idx, id, oldDoc, newDoc); err != nil {
			return nil, fmt.Errorf("index %q: %w", idxName, err)
		}
	}

	op := OpUpdate
	switch {
	case sw.tombstone:
		op = OpDelete
		meta.Count--
	case !prevLive:
		op = OpInsert
		meta.Count++
	}

	ev := &ChangeEvent{
		Collection: coll,
		Op:         op,
		ID:         id,
		Timestamp:  now,
	}
	if newDoc != nil {
		ev.Document = newDoc.Clone()
	}
	return ev, nil
}

// maybeAutoCheckpoint runs the size-based checkpoint policy after a
// commit has fully published.
func (db *DB) maybeAutoCheckpoint() {
	threshold := db.opts.AutoCheckpointThreshold
	if threshold <= 0 || db.wal == nil {
		return
	}
	if db.wal.Size() < threshold {
		return
	}
	if err := db.Checkpoint(); err != nil && !errors.Is(err, ErrClosed) {
		db.log.Warn().Err(err).Msg("auto checkpoint failed")
	}
}

// View runs fn inside a read-only transaction, rolled back on return.
func (db *DB) View(fn func(*Txn) error) error {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	defer txn.Rollback()
	return fn(txn)
}

// Update runs fn inside a transaction committed on success.
func (db *DB) Update(fn func(*Txn) error) error {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}

// RunTransaction executes fn with conflict retry: each attempt gets a
// fresh transaction, and ErrConflict triggers exponential backoff with
// jitter up to the configured caps.
func (db *DB) RunTransaction(fn func(*Txn) error) error {
	var lastErr error
	for attempt := 0; attempt <= db.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(db.retryDelay(attempt))
		}
		lastErr = db.Update(fn)
		if lastErr == nil || !errors.Is(lastErr, ErrConflict) {
			return lastErr
		}
	}
	return lastErr
}

func (db *DB) retryDelay(attempt int) time.Duration {
	delay := db.opts.RetryBackoffBase * time.Duration(1<<uint(attempt-1))
	if delay > db.opts.MaxRetryBackoff {
		delay = db.opts.MaxRetryBackoff
	}
	jitter := time.Duration(float64(delay) * 0.25 * (rand.Float64()*2 - 1))
	delay += jitter
	if delay < 0 {
		delay = db.opts.RetryBackoffBase
	}
	return delay
}
