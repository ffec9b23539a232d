package jasonisnthappy

import (
	"fmt"
	"sort"

	"github.com/sohzm/jasonisnthappy/mvcc"
	"github.com/sohzm/jasonisnthappy/storage"
)

// Cursor is a lazy, finite sequence of documents from a Find. It walks
// the snapshot-rooted primary tree merged with the transaction's own
// staged writes, materialising only the version visible to the
// snapshot and applying the filter as it goes. The sequence is not
// restartable; open a new cursor to rescan.
type Cursor struct {
	txn    *Txn
	owned  bool
	coll   string
	filter func(Document) bool

	inner *storage.Cursor

	// One-entry lookahead from the tree side of the merge.
	treeKey   string
	treeChain mvcc.Chain
	treeOK    bool

	staged []stagedPair
	sidx   int

	err    error
	closed bool
}

type stagedPair struct {
	id string
	sw *stagedWrite
}

// Find returns a cursor over documents matching filter (nil matches
// everything). With a nil transaction the cursor owns a read snapshot
// released by Close or exhaustion.
func (c *Collection) Find(txn *Txn, filter func(Document) bool) (*Cursor, error) {
	owned := false
	if txn == nil {
		var err error
		txn, err = c.db.Begin()
		if err != nil {
			return nil, err
		}
		owned = true
	}

	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.active(); err != nil {
		if owned {
			txn.Rollback()
		}
		return nil, err
	}
	cur, err := c.findLocked(txn, filter, owned)
	if err != nil && owned {
		// Rollback wants t.mu; drop it around the call.
		txn.mu.Unlock()
		txn.Rollback()
		txn.mu.Lock()
	}
	return cur, err
}

// FindAll collects every visible document.
func (c *Collection) FindAll(txn *Txn) ([]Document, error) {
	cur, err := c.Find(txn, nil)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var out []Document
	for {
		doc, ok := cur.Next()
		if !ok {
			break
		}
		out = append(out, doc)
	}
	return out, cur.Err()
}

// findLocked builds a cursor; caller holds t.mu.
func (c *Collection) findLocked(t *Txn, filter func(Document) bool, owned bool) (*Cursor, error) {
	meta, _, err := t.collMetaLocked(c.name)
	if err != nil {
		return nil, err
	}

	cur := &Cursor{
		txn:    t,
		owned:  owned,
		coll:   c.name,
		filter: filter,
	}

	for id, sw := range t.staged[c.name] {
		cur.staged = append(cur.staged, stagedPair{id: id, sw: sw})
	}
	sort.Slice(cur.staged, func(i, j int) bool { return cur.staged[i].id < cur.staged[j].id })

	if meta.Root != 0 {
		tree := storage.OpenBTree(&readStore{db: c.db}, storage.PageID(meta.Root))
		cur.inner = tree.Cursor()
		cur.advanceTree()
	}
	return cur, nil
}

// advanceTree pulls the next primary-tree entry into the lookahead.
func (cur *Cursor) advanceTree() {
	cur.treeOK = false
	if cur.inner == nil {
		return
	}
	key, value, ok := cur.inner.Next()
	if !ok {
		if err := cur.inner.Err(); err != nil {
			cur.err = err
		}
		return
	}
	chain, err := mvcc.DecodeChain(value)
	if err != nil {
		cur.err = fmt.Errorf("%w: chain for %q/%q: %v", ErrCorruption, cur.coll, key, err)
		return
	}
	cur.treeKey = string(key)
	cur.treeChain = chain
	cur.treeOK = true
}

// Next returns the next matching document. ok is false at exhaustion
// or on error; check Err afterwards. Exhausting an owned cursor
// releases its snapshot.
func (cur *Cursor) Next() (Document, bool) {
	if cur.closed || cur.err != nil {
		return nil, false
	}
	for {
		var doc Document

		stagedLeft := cur.sidx < len(cur.staged)
		switch {
		case !stagedLeft && !cur.treeOK:
			if cur.err == nil {
				cur.Close()
			}
			return nil, false

		case stagedLeft && (!cur.treeOK || cur.staged[cur.sidx].id <= cur.treeKey):
			p := cur.staged[cur.sidx]
			cur.sidx++
			// The staged entry shadows the same id on the tree side.
			if cur.treeOK && cur.treeKey == p.id {
				cur.advanceTree()
			}
			if p.sw.tombstone {
				continue
			}
			doc = p.sw.doc.Clone()

		default:
			chain := cur.treeChain
			cur.advanceTree()
			v, _ := chain.Visible(cur.txn.snapshot)
			if v == nil {
				continue
			}
			var err error
			doc, err = storage.DeserializeDocument(v.Payload)
			if err != nil {
				cur.err = fmt.Errorf("%w: %v", ErrCorruption, err)
				return nil, false
			}
		}

		if cur.err != nil {
			return nil, false
		}
		if cur.filter != nil && !cur.filter(doc) {
			continue
		}
		return doc, true
	}
}

// Err returns the first error hit while iterating.
func (cur *Cursor) Err() error {
	return cur.err
}

// Close releases the cursor; for cursors that own their snapshot this
// rolls the read transaction back. Idempotent.
func (cur *Cursor) Close() error {
	if cur.closed {
		return nil
	}
	cur.closed = true
	if cur.owned {
		return cur.txn.Rollback()
	}
	return nil
}
