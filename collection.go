package jasonisnthappy

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/xeipuuv/gojsonschema"

	"github.com/sohzm/jasonisnthappy/mvcc"
	"github.com/sohzm/jasonisnthappy/storage"
)

// Document re-exports the storage document type for the public API.
type Document = storage.Document

// Collection is a handle on one named collection. Methods accept an
// optional transaction; passing nil wraps the call in a one-shot
// transaction with conflict retry.
type Collection struct {
	db   *DB
	name string
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// CreateCollection registers a new collection. Inside a transaction
// the creation becomes visible at commit.
func (t *Txn) CreateCollection(name string) (*Collection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.active(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	d := t.ddlFor(name)
	if d.create && !d.drop {
		return nil, fmt.Errorf("%w: collection %q already exists", ErrDuplicateKey, name)
	}
	if !d.drop {
		if _, err := t.reader().getCollection(name); err == nil {
			return nil, fmt.Errorf("%w: collection %q already exists", ErrDuplicateKey, name)
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	d.drop = false
	d.create = true
	return &Collection{db: t.db, name: name}, nil
}

// DropCollection removes a collection; its pages are retired at
// commit and freed by garbage collection.
func (t *Txn) DropCollection(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.active(); err != nil {
		return err
	}
	if _, _, err := t.collMetaLocked(name); err != nil {
		return err
	}
	d := t.ddlFor(name)
	d.drop = true
	d.create = false
	d.schema = nil
	d.newIndexes = make(map[string]*indexMeta)
	d.dropIndexes = make(map[string]bool)
	delete(t.staged, name)
	return nil
}

// Collection resolves an existing collection.
func (t *Txn) Collection(name string) (*Collection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.active(); err != nil {
		return nil, err
	}
	if _, _, err := t.collMetaLocked(name); err != nil {
		return nil, err
	}
	return &Collection{db: t.db, name: name}, nil
}

// ListCollections names every collection visible to the snapshot,
// staged creates and drops included.
func (t *Txn) ListCollections() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.active(); err != nil {
		return nil, err
	}
	names, err := t.reader().listCollections()
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, name := range names {
		if d, ok := t.ddl[name]; ok && d.drop {
			continue
		}
		out = append(out, name)
	}
	for name, d := range t.ddl {
		if d.create && !d.drop {
			out = append(out, name)
		}
	}
	return out, nil
}

// DB-level conveniences over one-shot transactions.

// CreateCollection creates and commits a new collection.
func (db *DB) CreateCollection(name string) (*Collection, error) {
	err := db.Update(func(txn *Txn) error {
		_, err := txn.CreateCollection(name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Collection{db: db, name: name}, nil
}

// Collection resolves an existing collection.
func (db *DB) Collection(name string) (*Collection, error) {
	var coll *Collection
	err := db.View(func(txn *Txn) error {
		var err error
		coll, err = txn.Collection(name)
		return err
	})
	return coll, err
}

// DropCollection drops and commits.
func (db *DB) DropCollection(name string) error {
	return db.Update(func(txn *Txn) error {
		return txn.DropCollection(name)
	})
}

// ListCollections lists committed collections.
func (db *DB) ListCollections() ([]string, error) {
	var names []string
	err := db.View(func(txn *Txn) error {
		var err error
		names, err = txn.ListCollections()
		return err
	})
	return names, err
}

// RenameCollection atomically swaps the catalog keys of old to new.
func (db *DB) RenameCollection(oldName, newName string) error {
	if err := validateName(newName); err != nil {
		return err
	}
	return db.Update(func(txn *Txn) error {
		txn.mu.Lock()
		defer txn.mu.Unlock()
		if err := txn.active(); err != nil {
			return err
		}
		if _, _, err := txn.collMetaLocked(oldName); err != nil {
			return err
		}
		if _, err := txn.reader().getCollection(newName); err == nil {
			return fmt.Errorf("%w: collection %q already exists", ErrDuplicateKey, newName)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		d := txn.ddlFor(oldName)
		d.renameTo = newName
		return nil
	})
}

// collMetaLocked resolves the collection and index metadata the
// transaction sees: snapshot catalog adjusted by staged DDL. Caller
// holds t.mu. A synthetic zero-root meta stands in for collections
// created inside this transaction.
func (t *Txn) collMetaLocked(name string) (*collectionMeta, map[string]*indexMeta, error) {
	if d, ok := t.ddl[name]; ok {
		if d.drop {
			return nil, nil, fmt.Errorf("%w: collection %q", ErrNotFound, name)
		}
		if d.create {
			indexes := make(map[string]*indexMeta, len(d.newIndexes))
			for k, v := range d.newIndexes {
				indexes[k] = v
			}
			return &collectionMeta{}, indexes, nil
		}
	}
	meta, err := t.reader().getCollection(name)
	if err != nil {
		return nil, nil, err
	}
	indexes, err := t.reader().getIndexes(name)
	if err != nil {
		return nil, nil, err
	}
	if d, ok := t.ddl[name]; ok {
		for k := range d.dropIndexes {
			delete(indexes, k)
		}
		for k, v := range d.newIndexes {
			indexes[k] = v
		}
	}
	return meta, indexes, nil
}

// chainAt reads the committed version chain for id from the snapshot
// root. Returns nil when the document has never existed there.
func (t *Txn) chainAt(meta *collectionMeta, id string) (mvcc.Chain, error) {
	if meta.Root == 0 {
		return nil, nil
	}
	tree := storage.OpenBTree(&readStore{db: t.db}, storage.PageID(meta.Root))
	data, err := tree.Get([]byte(id))
	if err == storage.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	chain, err := mvcc.DecodeChain(data)
	if err != nil {
		return nil, fmt.Errorf("%w: chain for %q: %v", ErrCorruption, id, err)
	}
	return chain, nil
}

// visibleDoc resolves the document visible to the snapshot, overlay
// first for read-your-writes. Caller holds t.mu.
func (t *Txn) visibleDoc(coll, id string) (storage.Document, error) {
	if sw := t.stagedFor(coll, id); sw != nil {
		if sw.tombstone {
			return nil, fmt.Errorf("%w: document %q/%q", ErrNotFound, coll, id)
		}
		return sw.doc.Clone(), nil
	}
	meta, _, err := t.collMetaLocked(coll)
	if err != nil {
		return nil, err
	}
	chain, err := t.chainAt(meta, id)
	if err != nil {
		return nil, err
	}
	v, _ := chain.Visible(t.snapshot)
	if v == nil {
		return nil, fmt.Errorf("%w: document %q/%q", ErrNotFound, coll, id)
	}
	doc, err := storage.DeserializeDocument(v.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: document %q/%q: %v", ErrCorruption, coll, id, err)
	}
	return doc, nil
}

// observedHead returns the snapshot-root chain head begin txid, the
// value the commit path re-validates against the current root.
func (t *Txn) observedHead(coll, id string) (uint64, error) {
	meta, _, err := t.collMetaLocked(coll)
	if err != nil {
		return 0, err
	}
	chain, err := t.chainAt(meta, id)
	if err != nil {
		return 0, err
	}
	if head := chain.Head(); head != nil {
		return head.BeginTx, nil
	}
	return 0, nil
}

// validateDoc runs size and schema checks before staging.
func (t *Txn) validateDoc(coll string, doc storage.Document) error {
	size := doc.EncodedSize()
	if size == 0 {
		return invalidf("document is not JSON-encodable")
	}
	if size > t.db.opts.MaxDocumentSize {
		return fmt.Errorf("%w: document is %d bytes, limit %d", ErrLimitExceeded, size, t.db.opts.MaxDocumentSize)
	}

	schema, err := t.schemaFor(coll)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	res, err := schema.Validate(gojsonschema.NewGoLoader(map[string]interface{}(doc)))
	if err != nil {
		return invalidf("schema validation: %v", err)
	}
	if !res.Valid() {
		msgs := ""
		for _, e := range res.Errors() {
			if msgs != "" {
				msgs += "; "
			}
			msgs += e.String()
		}
		return fmt.Errorf("%w: %s", ErrSchemaViolation, msgs)
	}
	return nil
}

func (t *Txn) schemaFor(coll string) (*gojsonschema.Schema, error) {
	var text string
	if d, ok := t.ddl[coll]; ok && d.schema != nil {
		text = *d.schema
	} else if d == nil || !d.create {
		var err error
		text, err = t.reader().getSchema(coll)
		if err != nil {
			return nil, err
		}
	}
	if text == "" {
		return nil, nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
	if err != nil {
		return nil, fmt.Errorf("%w: stored schema for %q: %v", ErrCorruption, coll, err)
	}
	return schema, nil
}

// nextID draws from the per-collection monotonic counter, consuming
// staged values first so ids inside one transaction stay unique.
func (t *Txn) nextID(coll string) (string, error) {
	next, ok := t.seqNext[coll]
	if !ok {
		var err error
		if d, okd := t.ddl[coll]; okd && d.create {
			next = 0
		} else {
			next, err = t.reader().getSeq(coll)
			if err != nil {
				return "", err
			}
		}
	}
	t.seqNext[coll] = next + 1
	return strconv.FormatUint(next+1, 10), nil
}

// Insert stages a new document, generating _id when absent. Staging
// fails fast on duplicates visible to the snapshot; commit re-checks
// against the current root.
func (c *Collection) Insert(txn *Txn, doc Document) (string, error) {
	if doc == nil {
		return "", invalidf("document is nil")
	}
	var id string
	err := c.withTxn(txn, func(t *Txn) error {
		var err error
		id, err = c.insertLocked(t, doc)
		return err
	})
	if err != nil {
		return "", err
	}
	c.db.metrics.operations.WithLabelValues("insert").Inc()
	return id, nil
}

func (c *Collection) insertLocked(t *Txn, doc Document) (string, error) {
	if _, _, err := t.collMetaLocked(c.name); err != nil {
		return "", err
	}

	stored := doc.Clone()
	genID := false
	id, hasID := stored.ID()
	if !hasID {
		var err error
		id, err = t.nextID(c.name)
		if err != nil {
			return "", err
		}
		stored.SetID(id)
		genID = true
	} else if id == "" {
		return "", invalidf("_id must be a non-empty string")
	}

	if err := t.validateDoc(c.name, stored); err != nil {
		return "", err
	}

	if sw := t.stagedFor(c.name, id); sw != nil && !sw.tombstone {
		return "", fmt.Errorf("%w: _id %q in %q", ErrDuplicateKey, id, c.name)
	}

	observed, err := t.observedHead(c.name, id)
	if err != nil {
		return "", err
	}
	if sw := t.stagedFor(c.name, id); sw == nil {
		meta, _, err := t.collMetaLocked(c.name)
		if err != nil {
			return "", err
		}
		chain, err := t.chainAt(meta, id)
		if err != nil {
			return "", err
		}
		if v, _ := chain.Visible(t.snapshot); v != nil {
			return "", fmt.Errorf("%w: _id %q in %q", ErrDuplicateKey, id, c.name)
		}
	}

	t.stage(c.name, id, &stagedWrite{
		doc:      stored,
		observed: observed,
		insert:   true,
		genID:    genID,
	})
	return id, nil
}

// FindByID returns the version of id visible to the snapshot.
func (c *Collection) FindByID(txn *Txn, id string) (Document, error) {
	var doc Document
	err := c.withReadTxn(txn, func(t *Txn) error {
		var err error
		doc, err = t.visibleDoc(c.name, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.db.metrics.operations.WithLabelValues("find").Inc()
	return doc, nil
}

// UpdateByID merges updates (dot paths allowed) into the visible
// version and stages the result. Untouched indexed paths are never
// re-indexed.
func (c *Collection) UpdateByID(txn *Txn, id string, updates Document) error {
	if updates == nil {
		return invalidf("updates is nil")
	}
	err := c.withTxn(txn, func(t *Txn) error {
		return c.updateLocked(t, id, updates)
	})
	if err != nil {
		return err
	}
	c.db.metrics.operations.WithLabelValues("update").Inc()
	return nil
}

func (c *Collection) updateLocked(t *Txn, id string, updates Document) error {
	current, err := t.visibleDoc(c.name, id)
	if err != nil {
		return err
	}
	merged := current.Merge(updates)
	merged.SetID(id)
	if err := t.validateDoc(c.name, merged); err != nil {
		return err
	}

	prior := t.stagedFor(c.name, id)
	sw := &stagedWrite{doc: merged}
	if prior != nil {
		sw.observed = prior.observed
		sw.insert = prior.insert
	} else {
		sw.observed, err = t.observedHead(c.name, id)
		if err != nil {
			return err
		}
	}
	t.stage(c.name, id, sw)
	return nil
}

// DeleteByID stages a tombstone and removes the previously indexed
// values at commit.
func (c *Collection) DeleteByID(txn *Txn, id string) error {
	err := c.withTxn(txn, func(t *Txn) error {
		return c.deleteLocked(t, id)
	})
	if err != nil {
		return err
	}
	c.db.metrics.operations.WithLabelValues("delete").Inc()
	return nil
}

func (c *Collection) deleteLocked(t *Txn, id string) error {
	if _, err := t.visibleDoc(c.name, id); err != nil {
		return err
	}

	prior := t.stagedFor(c.name, id)
	if prior != nil && prior.insert {
		// Inserted and deleted inside the same transaction: nothing
		// ever becomes visible.
		delete(t.staged[c.name], id)
		return nil
	}
	sw := &stagedWrite{tombstone: true}
	if prior != nil {
		sw.observed = prior.observed
	} else {
		var err error
		sw.observed, err = t.observedHead(c.name, id)
		if err != nil {
			return err
		}
	}
	t.stage(c.name, id, sw)
	return nil
}

// Upsert inserts when id is absent and updates otherwise, reporting
// which happened.
func (c *Collection) Upsert(txn *Txn, doc Document) (inserted bool, err error) {
	if doc == nil {
		return false, invalidf("document is nil")
	}
	id, ok := doc.ID()
	if !ok || id == "" {
		return false, invalidf("upsert requires _id")
	}
	err = c.withTxn(txn, func(t *Txn) error {
		_, lookupErr := t.visibleDoc(c.name, id)
		switch {
		case lookupErr == nil:
			updates := doc.Clone()
			delete(updates, storage.IDField)
			return c.updateLocked(t, id, updates)
		case errors.Is(lookupErr, ErrNotFound):
			inserted = true
			_, insErr := c.insertLocked(t, doc)
			return insErr
		default:
			return lookupErr
		}
	})
	if err != nil {
		return false, err
	}
	c.db.metrics.operations.WithLabelValues("upsert").Inc()
	return inserted, nil
}

// InsertMany stages every document in one transaction: all commit or
// none do.
func (c *Collection) InsertMany(txn *Txn, docs []Document) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if len(docs) > c.db.opts.MaxBulkOperations {
		return nil, fmt.Errorf("%w: %d documents, limit %d", ErrLimitExceeded, len(docs), c.db.opts.MaxBulkOperations)
	}
	ids := make([]string, 0, len(docs))
	err := c.withTxn(txn, func(t *Txn) error {
		ids = ids[:0]
		for i, doc := range docs {
			if doc == nil {
				return invalidf("document %d is nil", i)
			}
			id, err := c.insertLocked(t, doc)
			if err != nil {
				return fmt.Errorf("document %d: %w", i, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.db.metrics.operations.WithLabelValues("insert_many").Inc()
	return ids, nil
}

// Count returns the number of live documents visible to the snapshot,
// staged writes included.
func (c *Collection) Count(txn *Txn) (uint64, error) {
	var count uint64
	err := c.withReadTxn(txn, func(t *Txn) error {
		meta, _, err := t.collMetaLocked(c.name)
		if err != nil {
			return err
		}
		count = meta.Count
		// meta.Count is the count stored under the snapshot's root;
		// staged overlay writes need the per-document adjustment below.
		for id, sw := range t.staged[c.name] {
			chain, err := t.chainAt(meta, id)
			if err != nil {
				return err
			}
			v, _ := chain.Visible(t.snapshot)
			wasLive := v != nil
			isLive := !sw.tombstone
			switch {
			case isLive && !wasLive:
				count++
			case !isLive && wasLive:
				count--
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CountWithQuery counts documents matching filter without returning
// them. A nil filter counts everything.
func (c *Collection) CountWithQuery(txn *Txn, filter func(Document) bool) (uint64, error) {
	if filter == nil {
		return c.Count(txn)
	}
	var count uint64
	err := c.withReadTxn(txn, func(t *Txn) error {
		cur, err := c.findLocked(t, filter, false)
		if err != nil {
			return err
		}
		defer cur.Close()
		for {
			_, ok := cur.Next()
			if !ok {
				break
			}
			count++
		}
		return cur.Err()
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Distinct returns the set of values of field across visible
// documents, using a matching single-field B-tree index when the
// transaction has no staged writes in this collection.
func (c *Collection) Distinct(txn *Txn, field string) ([]interface{}, error) {
	if field == "" {
		return nil, invalidf("field is empty")
	}
	var out []interface{}
	err := c.withReadTxn(txn, func(t *Txn) error {
		var err error
		out, err = c.distinctLocked(t, field)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.db.metrics.operations.WithLabelValues("distinct").Inc()
	return out, nil
}

func (c *Collection) distinctLocked(t *Txn, field string) ([]interface{}, error) {
	meta, indexes, err := t.collMetaLocked(c.name)
	if err != nil {
		return nil, err
	}

	if len(t.staged[c.name]) == 0 {
		for _, idx := range indexes {
			if idx.Kind != IndexKindBTree || len(idx.Fields) != 1 || idx.Fields[0] != field || idx.Root == 0 {
				continue
			}
			return c.distinctViaIndex(t, meta, idx)
		}
	}

	// Full scan fallback.
	seen := make(map[string]struct{})
	var out []interface{}
	cur, err := c.findLocked(t, nil, false)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	for {
		doc, ok := cur.Next()
		if !ok {
			break
		}
		v, ok := doc.Lookup(field)
		if !ok {
			continue
		}
		key := string(encodeFieldValue(nil, v))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out, cur.Err()
}

// distinctViaIndex walks the index in key order, admitting a value
// once any referencing document is visible to the snapshot.
func (c *Collection) distinctViaIndex(t *Txn, meta *collectionMeta, idx *indexMeta) ([]interface{}, error) {
	tree := storage.OpenBTree(&readStore{db: c.db}, storage.PageID(idx.Root))
	cur := tree.Cursor()
	var out []interface{}
	for {
		key, value, ok := cur.Next()
		if !ok {
			break
		}
		var ids []string
		if idx.Unique {
			ids = []string{string(value)}
		} else {
			postings, err := decodePostings(value, false)
			if err != nil {
				return nil, err
			}
			for _, p := range postings {
				ids = append(ids, p.ID)
			}
		}
		visible := false
		for _, id := range ids {
			chain, err := t.chainAt(meta, id)
			if err != nil {
				return nil, err
			}
			if v, _ := chain.Visible(t.snapshot); v != nil {
				visible = true
				break
			}
		}
		if !visible {
			continue
		}
		values, err := decodeFieldValues(key)
		if err != nil {
			return nil, err
		}
		if len(values) > 0 {
			out = append(out, values[0])
		}
	}
	return out, cur.Err()
}

// SetSchema attaches a JSON schema validated on every insert and
// update. An empty schema clears it.
func (c *Collection) SetSchema(txn *Txn, schemaJSON string) error {
	if schemaJSON != "" {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON)); err != nil {
			return invalidf("schema does not compile: %v", err)
		}
	}
	return c.withTxn(txn, func(t *Txn) error {
		if _, _, err := t.collMetaLocked(c.name); err != nil {
			return err
		}
		d := t.ddlFor(c.name)
		d.schema = &schemaJSON
		return nil
	})
}

// CreateIndex registers a B-tree index over one or more dot paths,
// backfilled from the current snapshot at commit.
func (c *Collection) CreateIndex(txn *Txn, name string, fields []string, unique bool) error {
	if err := validateName(name); err != nil {
		return err
	}
	if len(fields) == 0 {
		return invalidf("index needs at least one field")
	}
	return c.stageIndex(txn, name, &indexMeta{
		Fields: append([]string(nil), fields...),
		Unique: unique,
		Kind:   IndexKindBTree,
	})
}

// CreateTextIndex registers a token index over a string field.
func (c *Collection) CreateTextIndex(txn *Txn, name, field string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if field == "" {
		return invalidf("text index needs a field")
	}
	return c.stageIndex(txn, name, &indexMeta{
		Fields: []string{field},
		Kind:   IndexKindText,
	})
}

func (c *Collection) stageIndex(txn *Txn, name string, meta *indexMeta) error {
	return c.withTxn(txn, func(t *Txn) error {
		_, indexes, err := t.collMetaLocked(c.name)
		if err != nil {
			return err
		}
		if _, exists := indexes[name]; exists {
			return fmt.Errorf("%w: index %q on %q already exists", ErrDuplicateKey, name, c.name)
		}
		d := t.ddlFor(c.name)
		delete(d.dropIndexes, name)
		d.newIndexes[name] = meta
		return nil
	})
}

// DropIndex unregisters an index and retires its pages at commit.
func (c *Collection) DropIndex(txn *Txn, name string) error {
	return c.withTxn(txn, func(t *Txn) error {
		_, indexes, err := t.collMetaLocked(c.name)
		if err != nil {
			return err
		}
		if _, exists := indexes[name]; !exists {
			return fmt.Errorf("%w: index %q on %q", ErrNotFound, name, c.name)
		}
		d := t.ddlFor(c.name)
		if _, staged := d.newIndexes[name]; staged {
			delete(d.newIndexes, name)
			return nil
		}
		d.dropIndexes[name] = true
		return nil
	})
}

// Indexes lists the index definitions visible to the snapshot.
func (c *Collection) Indexes(txn *Txn) (map[string]IndexInfo, error) {
	var out map[string]IndexInfo
	err := c.withReadTxn(txn, func(t *Txn) error {
		_, indexes, err := t.collMetaLocked(c.name)
		if err != nil {
			return err
		}
		out = make(map[string]IndexInfo, len(indexes))
		for name, idx := range indexes {
			out[name] = IndexInfo{
				Fields: append([]string(nil), idx.Fields...),
				Unique: idx.Unique,
				Kind:   idx.Kind,
			}
		}
		return nil
	})
	return out, err
}

// IndexInfo describes one index for callers.
type IndexInfo struct {
	Fields []string
	Unique bool
	Kind   string
}

// withTxn runs fn under t.mu inside the supplied transaction, or a
// one-shot retried transaction when txn is nil. Mutations are rejected
// at entry on read-only handles.
func (c *Collection) withTxn(txn *Txn, fn func(*Txn) error) error {
	if c.db.opts.ReadOnly {
		return ErrReadOnly
	}
	if txn != nil {
		txn.mu.Lock()
		defer txn.mu.Unlock()
		if err := txn.active(); err != nil {
			return err
		}
		return fn(txn)
	}
	return c.db.RunTransaction(func(t *Txn) error {
		t.mu.Lock()
		defer t.mu.Unlock()
		return fn(t)
	})
}

// withReadTxn is withTxn without commit cost for nil-txn reads.
func (c *Collection) withReadTxn(txn *Txn, fn func(*Txn) error) error {
	if txn != nil {
		txn.mu.Lock()
		defer txn.mu.Unlock()
		if err := txn.active(); err != nil {
			return err
		}
		return fn(txn)
	}
	return c.db.View(func(t *Txn) error {
		t.mu.Lock()
		defer t.mu.Unlock()
		return fn(t)
	})
}
