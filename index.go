package jasonisnthappy

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/sohzm/jasonisnthappy/mvcc"
	"github.com/sohzm/jasonisnthappy/storage"
)

// Secondary indexes are B-trees of their own. Keys are canonical
// sortable encodings of the indexed field values (tuples for compound
// indexes); values are the referencing document id for unique indexes
// and a sorted postings set otherwise. Text indexes map tokens to
// postings with per-document term frequencies; scoring belongs to the
// consumer.
//
// Index entries are maintained in the same commit as the documents
// that originate them, so at any published root index and primary tree
// agree. Readers on older snapshots filter hits through visibility.

// Field value type tags, ordered so encoded keys sort null < booleans
// < numbers < strings < everything else.
const (
	tagNull   = 0x01
	tagFalse  = 0x02
	tagTrue   = 0x03
	tagNumber = 0x04
	tagString = 0x05
	tagJSON   = 0x06
)

// appendEscaped writes src with 0x00 escaped as {0x00, 0xFF} and a
// {0x00, 0x00} terminator, preserving lexicographic order across field
// boundaries.
func appendEscaped(dst, src []byte) []byte {
	for _, b := range src {
		if b == 0x00 {
			dst = append(dst, 0x00, 0xFF)
		} else {
			dst = append(dst, b)
		}
	}
	return append(dst, 0x00, 0x00)
}

// encodeFieldValue appends the canonical sortable form of one value.
func encodeFieldValue(dst []byte, v interface{}) []byte {
	var field []byte
	switch val := v.(type) {
	case nil:
		field = []byte{tagNull}
	case bool:
		if val {
			field = []byte{tagTrue}
		} else {
			field = []byte{tagFalse}
		}
	case float64:
		// IEEE-754 with sign manipulation so byte order equals
		// numeric order.
		bits := math.Float64bits(val)
		if val >= 0 || bits == 0 {
			bits |= 1 << 63
		} else {
			bits = ^bits
		}
		field = make([]byte, 9)
		field[0] = tagNumber
		binary.BigEndian.PutUint64(field[1:], bits)
	case string:
		field = append([]byte{tagString}, val...)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			data = nil
		}
		field = append([]byte{tagJSON}, data...)
	}
	return appendEscaped(dst, field)
}

// decodeFieldValues parses an encoded key back into its field values.
// Used by Distinct's index fast path.
func decodeFieldValues(key []byte) ([]interface{}, error) {
	var out []interface{}
	var field []byte
	i := 0
	for i < len(key) {
		b := key[i]
		if b != 0x00 {
			field = append(field, b)
			i++
			continue
		}
		if i+1 >= len(key) {
			return nil, fmt.Errorf("%w: truncated index key", ErrCorruption)
		}
		switch key[i+1] {
		case 0xFF:
			field = append(field, 0x00)
			i += 2
		case 0x00:
			v, err := decodeOneField(field)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
			field = nil
			i += 2
		default:
			return nil, fmt.Errorf("%w: bad index key escape", ErrCorruption)
		}
	}
	return out, nil
}

func decodeOneField(field []byte) (interface{}, error) {
	if len(field) == 0 {
		return nil, fmt.Errorf("%w: empty index field", ErrCorruption)
	}
	switch field[0] {
	case tagNull:
		return nil, nil
	case tagFalse:
		return false, nil
	case tagTrue:
		return true, nil
	case tagNumber:
		if len(field) != 9 {
			return nil, fmt.Errorf("%w: bad numeric index field", ErrCorruption)
		}
		bits := binary.BigEndian.Uint64(field[1:])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), nil
	case tagString:
		return string(field[1:]), nil
	case tagJSON:
		var v interface{}
		if err := json.Unmarshal(field[1:], &v); err != nil {
			return nil, fmt.Errorf("%w: bad composite index field", ErrCorruption)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: unknown index field tag %d", ErrCorruption, field[0])
	}
}

// indexKeyFor extracts the tuple key for doc, nil doc meaning the
// document has no indexed state (absent or tombstoned). Missing paths
// index as null.
func indexKeyFor(idx *indexMeta, doc storage.Document) ([]byte, bool) {
	if doc == nil {
		return nil, false
	}
	var key []byte
	for _, field := range idx.Fields {
		v, _ := doc.Lookup(field)
		key = encodeFieldValue(key, v)
	}
	return key, true
}

// posting is one index hit; TF is populated only by text indexes.
type posting struct {
	ID string
	TF uint32
}

func encodePostings(list []posting, withTF bool) []byte {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	size := 4
	for i := range list {
		size += 2 + len(list[i].ID)
		if withTF {
			size += 4
		}
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf, uint32(len(list)))
	off := 4
	for i := range list {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(list[i].ID)))
		off += 2
		copy(buf[off:], list[i].ID)
		off += len(list[i].ID)
		if withTF {
			binary.LittleEndian.PutUint32(buf[off:], list[i].TF)
			off += 4
		}
	}
	return buf
}

func decodePostings(data []byte, withTF bool) ([]posting, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: postings too short", ErrCorruption)
	}
	n := int(binary.LittleEndian.Uint32(data))
	out := make([]posting, 0, n)
	off := 4
	for i := 0; i < n; i++ {
		if off+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated postings", ErrCorruption)
		}
		idLen := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if off+idLen > len(data) {
			return nil, fmt.Errorf("%w: truncated postings", ErrCorruption)
		}
		p := posting{ID: string(data[off : off+idLen])}
		off += idLen
		if withTF {
			if off+4 > len(data) {
				return nil, fmt.Errorf("%w: truncated postings", ErrCorruption)
			}
			p.TF = binary.LittleEndian.Uint32(data[off:])
			off += 4
		}
		out = append(out, p)
	}
	return out, nil
}

// updateIndexEntry maintains one index for one document write,
// touching only keys whose extracted values actually changed. idx.Root
// is advanced in place; the caller persists it to the catalog.
func updateIndexEntry(store storage.PageStore, idx *indexMeta, id string, oldDoc, newDoc storage.Document) error {
	if idx.Kind == IndexKindText {
		return updateTextIndexEntry(store, idx, id, oldDoc, newDoc)
	}

	oldKey, oldOK := indexKeyFor(idx, oldDoc)
	newKey, newOK := indexKeyFor(idx, newDoc)
	if oldOK && newOK && bytes.Equal(oldKey, newKey) {
		return nil
	}

	tree := storage.OpenBTree(store, storage.PageID(idx.Root))
	if oldOK {
		if err := removeIndexHit(tree, idx, oldKey, id); err != nil {
			return err
		}
	}
	if newOK {
		if err := addIndexHit(tree, idx, newKey, id, 0); err != nil {
			return err
		}
	}
	idx.Root = uint64(tree.Root())
	return nil
}

func addIndexHit(tree *storage.BTree, idx *indexMeta, key []byte, id string, tf uint32) error {
	existing, err := tree.Get(key)
	if err != nil && err != storage.ErrKeyNotFound {
		return err
	}

	if idx.Unique {
		if err == nil && string(existing) != id {
			return fmt.Errorf("%w: unique index on %s", ErrDuplicateKey, strings.Join(idx.Fields, ","))
		}
		return tree.Insert(key, []byte(id))
	}

	withTF := idx.Kind == IndexKindText
	var list []posting
	if err == nil {
		list, err = decodePostings(existing, withTF)
		if err != nil {
			return err
		}
	}
	found := false
	for i := range list {
		if list[i].ID == id {
			list[i].TF = tf
			found = true
			break
		}
	}
	if !found {
		list = append(list, posting{ID: id, TF: tf})
	}
	return tree.Insert(key, encodePostings(list, withTF))
}

func removeIndexHit(tree *storage.BTree, idx *indexMeta, key []byte, id string) error {
	existing, err := tree.Get(key)
	if err == storage.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	if idx.Unique {
		if string(existing) == id {
			return tree.Delete(key)
		}
		return nil
	}

	withTF := idx.Kind == IndexKindText
	list, err := decodePostings(existing, withTF)
	if err != nil {
		return err
	}
	kept := list[:0]
	for i := range list {
		if list[i].ID != id {
			kept = append(kept, list[i])
		}
	}
	if len(kept) == 0 {
		return tree.Delete(key)
	}
	return tree.Insert(key, encodePostings(kept, withTF))
}

// tokenize lowercases and splits a string on non-alphanumeric runes,
// returning term frequencies.
func tokenize(s string) map[string]uint32 {
	out := make(map[string]uint32)
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			out[b.String()]++
			b.Reset()
		}
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return out
}

func textTokens(idx *indexMeta, doc storage.Document) map[string]uint32 {
	if doc == nil {
		return nil
	}
	v, ok := doc.Lookup(idx.Fields[0])
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return tokenize(s)
}

func updateTextIndexEntry(store storage.PageStore, idx *indexMeta, id string, oldDoc, newDoc storage.Document) error {
	oldTokens := textTokens(idx, oldDoc)
	newTokens := textTokens(idx, newDoc)

	tree := storage.OpenBTree(store, storage.PageID(idx.Root))
	for token := range oldTokens {
		if _, still := newTokens[token]; still {
			continue
		}
		if err := removeIndexHit(tree, idx, []byte(token), id); err != nil {
			return err
		}
	}
	for token, tf := range newTokens {
		if oldTF, had := oldTokens[token]; had && oldTF == tf {
			continue
		}
		if err := addIndexHit(tree, idx, []byte(token), id, tf); err != nil {
			return err
		}
	}
	idx.Root = uint64(tree.Root())
	return nil
}

// TextHit is one text-index posting: a document id and the term
// frequency of the queried token in it. Scoring is the caller's job.
type TextHit struct {
	ID string
	TF uint32
}

// SearchText returns the postings for token from a text index, hits
// filtered to documents visible to the snapshot.
func (c *Collection) SearchText(txn *Txn, indexName, token string) ([]TextHit, error) {
	var hits []TextHit
	err := c.withReadTxn(txn, func(t *Txn) error {
		meta, indexes, err := t.collMetaLocked(c.name)
		if err != nil {
			return err
		}
		idx, ok := indexes[indexName]
		if !ok || idx.Kind != IndexKindText {
			return fmt.Errorf("%w: text index %q on %q", ErrNotFound, indexName, c.name)
		}
		if idx.Root == 0 {
			return nil
		}
		norm := tokenize(token)
		if len(norm) != 1 {
			return invalidf("token must normalise to a single term")
		}
		var term string
		for k := range norm {
			term = k
		}

		tree := storage.OpenBTree(&readStore{db: c.db}, storage.PageID(idx.Root))
		value, err := tree.Get([]byte(term))
		if err == storage.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		postings, err := decodePostings(value, true)
		if err != nil {
			return err
		}
		for _, p := range postings {
			chain, err := t.chainAt(meta, p.ID)
			if err != nil {
				return err
			}
			if v, _ := chain.Visible(t.snapshot); v != nil {
				hits = append(hits, TextHit{ID: p.ID, TF: p.TF})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// FindByIndex resolves documents through a B-tree index by exact
// tuple value, filtering entries whose documents the snapshot cannot
// see.
func (c *Collection) FindByIndex(txn *Txn, indexName string, values ...interface{}) ([]Document, error) {
	var out []Document
	err := c.withReadTxn(txn, func(t *Txn) error {
		meta, indexes, err := t.collMetaLocked(c.name)
		if err != nil {
			return err
		}
		idx, ok := indexes[indexName]
		if !ok || idx.Kind != IndexKindBTree {
			return fmt.Errorf("%w: index %q on %q", ErrNotFound, indexName, c.name)
		}
		if len(values) != len(idx.Fields) {
			return invalidf("index %q expects %d values", indexName, len(idx.Fields))
		}
		if idx.Root == 0 {
			return nil
		}
		var key []byte
		for _, v := range values {
			key = encodeFieldValue(key, v)
		}

		tree := storage.OpenBTree(&readStore{db: c.db}, storage.PageID(idx.Root))
		value, err := tree.Get(key)
		if err == storage.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var ids []string
		if idx.Unique {
			ids = []string{string(value)}
		} else {
			postings, err := decodePostings(value, false)
			if err != nil {
				return err
			}
			for _, p := range postings {
				ids = append(ids, p.ID)
			}
		}
		for _, id := range ids {
			chain, err := t.chainAt(meta, id)
			if err != nil {
				return err
			}
			v, _ := chain.Visible(t.snapshot)
			if v == nil {
				continue
			}
			doc, err := storage.DeserializeDocument(v.Payload)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorruption, err)
			}
			out = append(out, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// buildIndex creates and backfills a new index from the collection's
// state as of this commit, this transaction's writes included.
func (t *Txn) buildIndex(cat *catalog, store *txnPages, coll, idxName string, meta *indexMeta) error {
	existing, err := cat.getIndexes(coll)
	if err != nil {
		return err
	}
	if _, ok := existing[idxName]; ok {
		return fmt.Errorf("%w: index %q on %q already exists", ErrDuplicateKey, idxName, coll)
	}

	tree, err := storage.NewBTree(store)
	if err != nil {
		return err
	}
	meta.Root = uint64(tree.Root())

	collMeta, err := cat.getCollection(coll)
	if err != nil {
		return err
	}
	primary := storage.OpenBTree(store, storage.PageID(collMeta.Root))
	cur := primary.Cursor()
	for {
		key, value, ok := cur.Next()
		if !ok {
			break
		}
		chain, err := mvcc.DecodeChain(value)
		if err != nil {
			return fmt.Errorf("%w: chain for %q/%q: %v", ErrCorruption, coll, key, err)
		}
		head := chain.Head()
		if head == nil || head.Tombstone {
			continue
		}
		doc, err := storage.DeserializeDocument(head.Payload)
		if err != nil {
			return fmt.Errorf("%w: document %q/%q: %v", ErrCorruption, coll, key, err)
		}
		if err := updateIndexEntry(store, meta, string(key), nil, doc); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return err
	}
	return cat.putIndex(coll, idxName, meta)
}
