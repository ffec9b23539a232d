package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Document is a JSON-shaped record. Every stored document carries a
// string "_id"; bodies are serialised as compact JSON bytes.
type Document map[string]interface{}

// IDField is the mandatory document identifier field.
const IDField = "_id"

// Serialize converts a document to its stored byte form.
func (d Document) Serialize() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("serialize document: %w", err)
	}
	return data, nil
}

// DeserializeDocument decodes stored bytes back into a document.
func DeserializeDocument(data []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("deserialize document: %w", err)
	}
	return d, nil
}

// ID returns the document id if present and a string.
func (d Document) ID() (string, bool) {
	v, ok := d[IDField]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// SetID sets the document id.
func (d Document) SetID(id string) {
	d[IDField] = id
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	c := make(Document, len(d))
	for k, v := range d {
		c[k] = deepCopyValue(v)
	}
	return c
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case Document:
		return val.Clone()
	case map[string]interface{}:
		return map[string]interface{}(Document(val).Clone())
	case []interface{}:
		cp := make([]interface{}, len(val))
		for i, item := range val {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		return val
	}
}

// Lookup resolves a dot-notation path ("address.city") against the
// document. Index and filter extraction use this.
func (d Document) Lookup(path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = map[string]interface{}(d)
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			if dm, ok2 := cur.(Document); ok2 {
				m = dm
			} else {
				return nil, false
			}
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// SetPath writes value at a dot-notation path, creating intermediate
// objects as needed. A nil value deletes the leaf field.
func (d Document) SetPath(path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := map[string]interface{}(d)
	for i, part := range parts {
		if i == len(parts)-1 {
			if value == nil {
				delete(cur, part)
			} else {
				cur[part] = value
			}
			return
		}
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			if dm, ok2 := cur[part].(Document); ok2 {
				next = dm
			} else {
				next = make(map[string]interface{})
				cur[part] = next
			}
		}
		cur = next
	}
}

// Merge applies updates onto a copy of the document. Update keys may be
// dot paths; top-level "_id" is never replaced.
func (d Document) Merge(updates Document) Document {
	out := d.Clone()
	for k, v := range updates {
		if k == IDField {
			continue
		}
		out.SetPath(k, deepCopyValue(v))
	}
	return out
}

// EncodedSize returns the serialised size in bytes, zero on encoding
// failure.
func (d Document) EncodedSize() int {
	data, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return len(data)
}
