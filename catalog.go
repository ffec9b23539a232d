package jasonisnthappy

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sohzm/jasonisnthappy/storage"
)

// The catalog is a single B-tree whose keys form a small namespace:
//
//	coll/<name>            -> collectionMeta
//	coll/<name>/idx/<idx>  -> indexMeta
//	coll/<name>/schema     -> raw JSON schema
//	coll/<name>/seq        -> 8-byte next-id counter
//
// The catalog root page id is what a commit record publishes; readers
// traverse whatever root their snapshot captured.

const (
	catalogCollPrefix = "coll/"
	idxSegment        = "/idx/"
	schemaSegment     = "/schema"
	seqSegment        = "/seq"
)

// collectionMeta is the catalog entry for one collection.
type collectionMeta struct {
	Root  uint64 `json:"root"`
	Count uint64 `json:"count"`
}

// Index kinds.
const (
	IndexKindBTree = "btree"
	IndexKindText  = "text"
)

// indexMeta is the catalog entry for one secondary index.
type indexMeta struct {
	Root   uint64   `json:"root"`
	Fields []string `json:"fields"`
	Unique bool     `json:"unique"`
	Kind   string   `json:"kind"`
}

func collKey(name string) []byte {
	return []byte(catalogCollPrefix + name)
}

func collIdxKey(name, index string) []byte {
	return []byte(catalogCollPrefix + name + idxSegment + index)
}

func collSchemaKey(name string) []byte {
	return []byte(catalogCollPrefix + name + schemaSegment)
}

func collSeqKey(name string) []byte {
	return []byte(catalogCollPrefix + name + seqSegment)
}

// validateName rejects names that would collide with catalog key
// structure or the filesystem-unfriendly.
func validateName(name string) error {
	if name == "" || len(name) > 128 {
		return invalidf("name must be 1-128 characters")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return invalidf("name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

// catalog wraps a B-tree opened at some catalog root.
type catalog struct {
	tree *storage.BTree
}

func openCatalog(store storage.PageStore, root storage.PageID) *catalog {
	return &catalog{tree: storage.OpenBTree(store, root)}
}

func (c *catalog) root() storage.PageID {
	return c.tree.Root()
}

func (c *catalog) getCollection(name string) (*collectionMeta, error) {
	data, err := c.tree.Get(collKey(name))
	if err != nil {
		if err == storage.ErrKeyNotFound {
			return nil, fmt.Errorf("%w: collection %q", ErrNotFound, name)
		}
		return nil, err
	}
	var meta collectionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: collection entry %q: %v", ErrCorruption, name, err)
	}
	return &meta, nil
}

func (c *catalog) putCollection(name string, meta *collectionMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return c.tree.Insert(collKey(name), data)
}

func (c *catalog) deleteCollection(name string) error {
	prefix := []byte(catalogCollPrefix + name)
	entries, err := c.tree.ScanPrefix(prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		key := e[0]
		// Exact entry or a sub-key of this collection, not a sibling
		// sharing the name as a prefix.
		rest := key[len(prefix):]
		if len(rest) > 0 && rest[0] != '/' {
			continue
		}
		if err := c.tree.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (c *catalog) listCollections() ([]string, error) {
	entries, err := c.tree.ScanPrefix([]byte(catalogCollPrefix))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		key := string(e[0][len(catalogCollPrefix):])
		if strings.ContainsRune(key, '/') {
			continue // index, schema or seq sub-key
		}
		names = append(names, key)
	}
	return names, nil
}

func (c *catalog) getIndexes(name string) (map[string]*indexMeta, error) {
	prefix := []byte(catalogCollPrefix + name + idxSegment)
	entries, err := c.tree.ScanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*indexMeta, len(entries))
	for _, e := range entries {
		idxName := string(e[0][len(prefix):])
		var meta indexMeta
		if err := json.Unmarshal(e[1], &meta); err != nil {
			return nil, fmt.Errorf("%w: index entry %q: %v", ErrCorruption, idxName, err)
		}
		out[idxName] = &meta
	}
	return out, nil
}

func (c *catalog) putIndex(coll, index string, meta *indexMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return c.tree.Insert(collIdxKey(coll, index), data)
}

func (c *catalog) deleteIndex(coll, index string) error {
	return c.tree.Delete(collIdxKey(coll, index))
}

func (c *catalog) getSchema(name string) (string, error) {
	data, err := c.tree.Get(collSchemaKey(name))
	if err != nil {
		if err == storage.ErrKeyNotFound {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

func (c *catalog) putSchema(name, schema string) error {
	return c.tree.Insert(collSchemaKey(name), []byte(schema))
}

func (c *catalog) getSeq(name string) (uint64, error) {
	data, err := c.tree.Get(collSeqKey(name))
	if err != nil {
		if err == storage.ErrKeyNotFound {
			return 0, nil
		}
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: sequence entry for %q", ErrCorruption, name)
	}
	return binary.LittleEndian.Uint64(data), nil
}

func (c *catalog) putSeq(name string, next uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], next)
	return c.tree.Insert(collSeqKey(name), buf[:])
}

// renameCollection atomically swaps every catalog key of old to new.
func (c *catalog) renameCollection(oldName, newName string) error {
	prefix := []byte(catalogCollPrefix + oldName)
	entries, err := c.tree.ScanPrefix(prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		rest := e[0][len(prefix):]
		if len(rest) > 0 && rest[0] != '/' {
			continue
		}
		newKey := append(collKey(newName), rest...)
		if err := c.tree.Insert(newKey, e[1]); err != nil {
			return err
		}
		if err := c.tree.Delete(e[0]); err != nil {
			return err
		}
	}
	return nil
}
