package storage

import "bytes"

// Cursor walks a tree in key order against the root it was opened on.
// Mutations after open land on disjoint pages, so an open cursor never
// observes them; the sequence is lazy and restartable via Seek.
type Cursor struct {
	tree  *BTree
	stack []cursorFrame
	err   error
}

type cursorFrame struct {
	n   *node
	idx int
}

// Cursor returns a cursor positioned before the first key.
func (t *BTree) Cursor() *Cursor {
	c := &Cursor{tree: t}
	c.descend(t.root, nil)
	return c
}

// Seek repositions the cursor at the first key >= start. A nil start
// rewinds to the beginning.
func (c *Cursor) Seek(start []byte) {
	c.stack = c.stack[:0]
	c.err = nil
	c.descend(c.tree.root, start)
}

// descend builds the frame stack down to the leaf covering start.
func (c *Cursor) descend(pid PageID, start []byte) {
	for {
		page, err := c.tree.store.Get(pid)
		if err != nil {
			c.err = err
			return
		}
		n, err := decodeNode(page)
		if err != nil {
			c.err = err
			return
		}
		var idx int
		if start != nil {
			idx, _ = n.search(start)
		}
		c.stack = append(c.stack, cursorFrame{n: n, idx: idx})
		if n.kind == PageKindLeaf {
			return
		}
		pid = n.childAt(idx)
	}
}

// Next returns the next entry in key order. ok is false at the end or
// on error; check Err after the loop.
func (c *Cursor) Next() (key, value []byte, ok bool) {
	if c.err != nil {
		return nil, nil, false
	}
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		if top.n.kind == PageKindLeaf {
			if top.idx < len(top.n.cells) {
				cl := &top.n.cells[top.idx]
				top.idx++
				val, err := c.tree.cellValue(cl)
				if err != nil {
					c.err = err
					return nil, nil, false
				}
				return cl.key, val, true
			}
			c.stack = c.stack[:len(c.stack)-1]
			continue
		}
		// Internal: advance to the next child, or pop when the
		// rightmost has been consumed.
		if top.idx >= top.n.childCount()-1 {
			c.stack = c.stack[:len(c.stack)-1]
			continue
		}
		top.idx++
		c.descend(top.n.childAt(top.idx), nil)
		if c.err != nil {
			return nil, nil, false
		}
	}
	return nil, nil, false
}

// Err returns the first page error hit while iterating.
func (c *Cursor) Err() error {
	return c.err
}

// ScanPrefix collects every entry whose key starts with prefix.
func (t *BTree) ScanPrefix(prefix []byte) ([][2][]byte, error) {
	cur := t.Cursor()
	cur.Seek(prefix)
	var out [][2][]byte
	for {
		k, v, ok := cur.Next()
		if !ok {
			break
		}
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		out = append(out, [2][]byte{append([]byte(nil), k...), v})
	}
	return out, cur.Err()
}
