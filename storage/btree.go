package storage

import (
	"bytes"
	"fmt"
)

// PageStore is the tree's window onto pages. During a transaction the
// store is a private overlay: Get resolves staged pages before
// committed ones, Alloc hands out fresh ids from the freelist or the
// next-page counter, and Retire queues the replaced page for the
// freelist. Read-only stores reject Alloc and Retire.
type PageStore interface {
	Get(id PageID) (*Page, error)
	Alloc(kind PageKind) (*Page, error)
	Retire(id PageID)
	PageSize() int
}

// BTree is a copy-on-write ordered map from byte keys to byte values.
// Every mutation clones the affected leaf-to-root path onto freshly
// allocated pages and leaves the previous root fully intact, so any
// reader holding an old root keeps a consistent view for free.
//
// Internal pages hold (separator, child) pairs where the separator is
// the maximum key of the child's subtree; the rightmost child rides in
// the page header's Next field and has no separator. Leaf values above
// the inline bound spill into an overflow page chain.
type BTree struct {
	store PageStore
	root  PageID
}

// NewBTree allocates an empty tree (a single empty leaf).
func NewBTree(store PageStore) (*BTree, error) {
	page, err := store.Alloc(PageKindLeaf)
	if err != nil {
		return nil, err
	}
	n := &node{kind: PageKindLeaf}
	if err := n.encode(page); err != nil {
		return nil, err
	}
	return &BTree{store: store, root: page.ID}, nil
}

// OpenBTree opens a tree at an existing root.
func OpenBTree(store PageStore, root PageID) *BTree {
	return &BTree{store: store, root: root}
}

// Root returns the current root page id. It changes on every mutation.
func (t *BTree) Root() PageID {
	return t.root
}

// maxInlineValue is the largest value stored inside a leaf cell; longer
// values go to an overflow chain.
func maxInlineValue(pageSize int) int {
	return (pageSize - PageHeaderSize) / 4
}

func maxKeySize(pageSize int) int {
	return (pageSize - PageHeaderSize) / 4
}

// Get returns the value for key, resolving overflow chains.
func (t *BTree) Get(key []byte) ([]byte, error) {
	pid := t.root
	for {
		page, err := t.store.Get(pid)
		if err != nil {
			return nil, err
		}
		n, err := decodeNode(page)
		if err != nil {
			return nil, err
		}
		if n.kind == PageKindLeaf {
			i, ok := n.search(key)
			if !ok {
				return nil, ErrKeyNotFound
			}
			return t.cellValue(&n.cells[i])
		}
		pid = n.childFor(key)
	}
}

// Insert sets key to value, replacing any existing value. The tree
// root advances; read the new root from Root.
func (t *BTree) Insert(key, value []byte) error {
	if len(key) == 0 || len(key) > maxKeySize(t.store.PageSize()) {
		return ErrKeyTooLarge
	}
	newRoot, split, err := t.insert(t.root, key, value)
	if err != nil {
		return err
	}
	if split != nil {
		rootPage, err := t.store.Alloc(PageKindInternal)
		if err != nil {
			return err
		}
		rn := &node{
			kind:  PageKindInternal,
			cells: []cell{{key: split.sep, child: newRoot}},
			right: split.right,
		}
		if err := rn.encode(rootPage); err != nil {
			return err
		}
		newRoot = rootPage.ID
	}
	t.root = newRoot
	return nil
}

// Delete removes key. Missing keys return ErrKeyNotFound.
func (t *BTree) Delete(key []byte) error {
	newRoot, _, err := t.delete(t.root, key)
	if err != nil {
		return err
	}
	// Collapse internal roots left with a single child.
	for {
		page, err := t.store.Get(newRoot)
		if err != nil {
			return err
		}
		n, err := decodeNode(page)
		if err != nil {
			return err
		}
		if n.kind != PageKindInternal || len(n.cells) > 0 {
			break
		}
		t.store.Retire(newRoot)
		newRoot = n.right
	}
	t.root = newRoot
	return nil
}

type splitInfo struct {
	sep   []byte
	right PageID
}

func (t *BTree) insert(pid PageID, key, value []byte) (PageID, *splitInfo, error) {
	page, err := t.store.Get(pid)
	if err != nil {
		return 0, nil, err
	}
	n, err := decodeNode(page)
	if err != nil {
		return 0, nil, err
	}

	if n.kind == PageKindLeaf {
		c, err := t.makeLeafCell(key, value)
		if err != nil {
			return 0, nil, err
		}
		if i, ok := n.search(key); ok {
			t.retireOverflow(&n.cells[i])
			n.cells[i] = c
		} else {
			n.cells = append(n.cells, cell{})
			copy(n.cells[i+1:], n.cells[i:])
			n.cells[i] = c
		}
	} else {
		i, childPid := n.childIndexFor(key)
		newChild, split, err := t.insert(childPid, key, value)
		if err != nil {
			return 0, nil, err
		}
		n.setChild(i, newChild)
		if split != nil {
			n.setChild(i, split.right)
			nc := cell{key: split.sep, child: newChild}
			n.cells = append(n.cells, cell{})
			copy(n.cells[i+1:], n.cells[i:])
			n.cells[i] = nc
		}
	}

	t.store.Retire(pid)
	return t.writeNode(n)
}

// writeNode encodes n into one new page, splitting into two when it no
// longer fits.
func (t *BTree) writeNode(n *node) (PageID, *splitInfo, error) {
	if n.encodedSize() <= t.store.PageSize()-PageHeaderSize {
		page, err := t.store.Alloc(n.kind)
		if err != nil {
			return 0, nil, err
		}
		if err := n.encode(page); err != nil {
			return 0, nil, err
		}
		return page.ID, nil, nil
	}

	left, right, sep, err := n.split()
	if err != nil {
		return 0, nil, err
	}
	leftPage, err := t.store.Alloc(n.kind)
	if err != nil {
		return 0, nil, err
	}
	if err := left.encode(leftPage); err != nil {
		return 0, nil, err
	}
	rightPage, err := t.store.Alloc(n.kind)
	if err != nil {
		return 0, nil, err
	}
	if err := right.encode(rightPage); err != nil {
		return 0, nil, err
	}
	return leftPage.ID, &splitInfo{sep: sep, right: rightPage.ID}, nil
}

func (t *BTree) delete(pid PageID, key []byte) (PageID, bool, error) {
	page, err := t.store.Get(pid)
	if err != nil {
		return 0, false, err
	}
	n, err := decodeNode(page)
	if err != nil {
		return 0, false, err
	}

	if n.kind == PageKindLeaf {
		i, ok := n.search(key)
		if !ok {
			return 0, false, ErrKeyNotFound
		}
		t.retireOverflow(&n.cells[i])
		n.cells = append(n.cells[:i], n.cells[i+1:]...)
		t.store.Retire(pid)
		newPid, _, err := t.writeNode(n)
		if err != nil {
			return 0, false, err
		}
		return newPid, n.underflows(t.store.PageSize()), nil
	}

	i, childPid := n.childIndexFor(key)
	newChild, underflow, err := t.delete(childPid, key)
	if err != nil {
		return 0, false, err
	}
	n.setChild(i, newChild)

	if underflow && n.childCount() > 1 {
		if err := t.rebalance(n, i); err != nil {
			return 0, false, err
		}
	}

	t.store.Retire(pid)
	newPid, split, err := t.writeNode(n)
	if err != nil {
		return 0, false, err
	}
	if split != nil {
		// Rebalancing can briefly overfill the parent; the split here
		// restores the invariant one level up.
		parent := &node{
			kind:  PageKindInternal,
			cells: []cell{{key: split.sep, child: newPid}},
			right: split.right,
		}
		pp, _, err := t.writeNode(parent)
		if err != nil {
			return 0, false, err
		}
		return pp, false, nil
	}
	return newPid, n.underflows(t.store.PageSize()), nil
}

// rebalance merges or redistributes the underfull child at position i
// with an adjacent sibling, rewriting both and patching n in place.
func (t *BTree) rebalance(n *node, i int) error {
	li := i
	if li == n.childCount()-1 {
		li = i - 1
	}
	ri := li + 1

	leftPid := n.childAt(li)
	rightPid := n.childAt(ri)

	leftPage, err := t.store.Get(leftPid)
	if err != nil {
		return err
	}
	leftNode, err := decodeNode(leftPage)
	if err != nil {
		return err
	}
	rightPage, err := t.store.Get(rightPid)
	if err != nil {
		return err
	}
	rightNode, err := decodeNode(rightPage)
	if err != nil {
		return err
	}

	// Flatten both children (plus the bridging separator for internal
	// nodes) into one cell list, then re-split by size if needed.
	var combined []cell
	combined = append(combined, leftNode.cells...)
	if leftNode.kind == PageKindInternal {
		combined = append(combined, cell{key: n.cells[li].key, child: leftNode.right})
	}
	combined = append(combined, rightNode.cells...)

	merged := &node{kind: leftNode.kind, cells: combined}
	if merged.kind == PageKindInternal {
		merged.right = rightNode.right
	}

	t.store.Retire(leftPid)
	t.store.Retire(rightPid)

	if merged.encodedSize() <= t.store.PageSize()-PageHeaderSize {
		page, err := t.store.Alloc(merged.kind)
		if err != nil {
			return err
		}
		if err := merged.encode(page); err != nil {
			return err
		}
		// Drop the left slot; the surviving slot keeps the right
		// child's separator (its subtree maximum is unchanged).
		n.cells = append(n.cells[:li], n.cells[li+1:]...)
		n.setChild(li, page.ID)
		return nil
	}

	newLeft, newRight, sep, err := merged.split()
	if err != nil {
		return err
	}
	lp, err := t.store.Alloc(merged.kind)
	if err != nil {
		return err
	}
	if err := newLeft.encode(lp); err != nil {
		return err
	}
	rp, err := t.store.Alloc(merged.kind)
	if err != nil {
		return err
	}
	if err := newRight.encode(rp); err != nil {
		return err
	}
	n.cells[li] = cell{key: sep, child: lp.ID}
	n.setChild(ri, rp.ID)
	return nil
}

// makeLeafCell builds a leaf cell, spilling large values to overflow.
func (t *BTree) makeLeafCell(key, value []byte) (cell, error) {
	c := cell{key: append([]byte(nil), key...)}
	if len(value) <= maxInlineValue(t.store.PageSize()) {
		c.value = append([]byte(nil), value...)
		return c, nil
	}
	first, err := t.writeOverflow(value)
	if err != nil {
		return cell{}, err
	}
	c.overflow = first
	c.totalLen = uint32(len(value))
	return c, nil
}

func (t *BTree) cellValue(c *cell) ([]byte, error) {
	if c.overflow == 0 {
		return append([]byte(nil), c.value...), nil
	}
	return t.readOverflow(c.overflow, int(c.totalLen))
}

func (t *BTree) writeOverflow(data []byte) (PageID, error) {
	chunk := t.store.PageSize() - PageHeaderSize
	var pages []*Page
	for off := 0; off < len(data); off += chunk {
		page, err := t.store.Alloc(PageKindOverflow)
		if err != nil {
			return 0, err
		}
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		copy(page.Body(), data[off:end])
		pages = append(pages, page)
	}
	for i := 0; i < len(pages)-1; i++ {
		pages[i].SetNext(pages[i+1].ID)
	}
	return pages[0].ID, nil
}

func (t *BTree) readOverflow(first PageID, totalLen int) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	for pid := first; pid != 0; {
		page, err := t.store.Get(pid)
		if err != nil {
			return nil, err
		}
		if page.Kind() != PageKindOverflow {
			return nil, fmt.Errorf("%w: page %d is not overflow", ErrCorruptPage, pid)
		}
		body := page.Body()
		need := totalLen - len(out)
		if need > len(body) {
			need = len(body)
		}
		out = append(out, body[:need]...)
		if len(out) >= totalLen {
			break
		}
		pid = page.Next()
	}
	if len(out) != totalLen {
		return nil, fmt.Errorf("%w: truncated overflow chain", ErrCorruptPage)
	}
	return out, nil
}

// retireOverflow queues a cell's overflow chain for the freelist.
func (t *BTree) retireOverflow(c *cell) {
	if c.overflow == 0 {
		return
	}
	for pid := c.overflow; pid != 0; {
		page, err := t.store.Get(pid)
		if err != nil {
			return
		}
		t.store.Retire(pid)
		pid = page.Next()
	}
}

// RetireAll walks the whole tree and retires every page it owns,
// overflow chains included. Used when a tree is dropped; the pages
// stay readable by live snapshots until the freelist releases them.
func (t *BTree) RetireAll() error {
	return t.retireSubtree(t.root)
}

func (t *BTree) retireSubtree(pid PageID) error {
	page, err := t.store.Get(pid)
	if err != nil {
		return err
	}
	n, err := decodeNode(page)
	if err != nil {
		return err
	}
	if n.kind == PageKindInternal {
		for i := range n.cells {
			if err := t.retireSubtree(n.cells[i].child); err != nil {
				return err
			}
		}
		if err := t.retireSubtree(n.right); err != nil {
			return err
		}
	} else {
		for i := range n.cells {
			t.retireOverflow(&n.cells[i])
		}
	}
	t.store.Retire(pid)
	return nil
}

// node is the decoded in-memory form of a B-tree page. All tree logic
// runs on nodes; pages are only touched by decode and encode.
type node struct {
	kind  PageKind
	cells []cell
	right PageID // internal nodes: rightmost child
}

type cell struct {
	key []byte

	// Leaf cells.
	value    []byte
	overflow PageID
	totalLen uint32

	// Internal cells.
	child PageID
}

// search returns the index of key, or the insertion position when the
// key is absent.
func (n *node) search(key []byte) (int, bool) {
	lo, hi := 0, len(n.cells)
	for lo < hi {
		mid := (lo + hi) / 2
		switch bytes.Compare(n.cells[mid].key, key) {
		case 0:
			return mid, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// childFor returns the child page covering key.
func (n *node) childFor(key []byte) PageID {
	_, pid := n.childIndexFor(key)
	return pid
}

// childIndexFor returns the child slot index (cells first, then the
// rightmost) and its page id.
func (n *node) childIndexFor(key []byte) (int, PageID) {
	i, _ := n.search(key)
	if i < len(n.cells) {
		return i, n.cells[i].child
	}
	return len(n.cells), n.right
}

func (n *node) childCount() int {
	return len(n.cells) + 1
}

func (n *node) childAt(i int) PageID {
	if i < len(n.cells) {
		return n.cells[i].child
	}
	return n.right
}

func (n *node) setChild(i int, pid PageID) {
	if i < len(n.cells) {
		n.cells[i].child = pid
	} else {
		n.right = pid
	}
}

func (n *node) cellSize(c *cell) int {
	if n.kind == PageKindInternal {
		return 2 + 8 + len(c.key)
	}
	size := 2 + 1 + 4 + len(c.key)
	if c.overflow != 0 {
		return size + 8
	}
	return size + len(c.value)
}

func (n *node) encodedSize() int {
	size := 0
	for i := range n.cells {
		size += n.cellSize(&n.cells[i])
	}
	return size
}

// underflows reports whether the node is below half occupancy.
func (n *node) underflows(pageSize int) bool {
	return n.encodedSize() < (pageSize-PageHeaderSize)/2
}

// split distributes cells into two nodes of roughly equal byte weight
// and returns the separator (the left node's maximum key).
func (n *node) split() (*node, *node, []byte, error) {
	if len(n.cells) < 2 {
		return nil, nil, nil, ErrKeyTooLarge
	}
	total := 0
	for i := range n.cells {
		total += n.cellSize(&n.cells[i])
	}
	acc := 0
	m := 0
	for i := range n.cells {
		acc += n.cellSize(&n.cells[i])
		if acc >= total/2 {
			m = i + 1
			break
		}
	}
	if m < 1 {
		m = 1
	}
	if m >= len(n.cells) {
		m = len(n.cells) - 1
	}

	if n.kind == PageKindLeaf {
		left := &node{kind: PageKindLeaf, cells: append([]cell(nil), n.cells[:m]...)}
		right := &node{kind: PageKindLeaf, cells: append([]cell(nil), n.cells[m:]...)}
		sep := append([]byte(nil), left.cells[len(left.cells)-1].key...)
		return left, right, sep, nil
	}

	// Internal: the cell at m-1 donates its child as the left node's
	// rightmost and its key as the separator.
	left := &node{
		kind:  PageKindInternal,
		cells: append([]cell(nil), n.cells[:m-1]...),
		right: n.cells[m-1].child,
	}
	right := &node{
		kind:  PageKindInternal,
		cells: append([]cell(nil), n.cells[m:]...),
		right: n.right,
	}
	sep := append([]byte(nil), n.cells[m-1].key...)
	return left, right, sep, nil
}

// encode serialises the node into page. The caller guarantees the node
// fits; overflow here means a split was skipped and is a bug.
func (n *node) encode(page *Page) error {
	page.SetKind(n.kind)
	page.SetCellCount(uint16(len(n.cells)))
	if n.kind == PageKindInternal {
		page.SetNext(n.right)
	} else {
		page.SetNext(0)
	}

	body := page.Body()
	off := 0
	for i := range n.cells {
		c := &n.cells[i]
		if off+n.cellSize(c) > len(body) {
			return fmt.Errorf("node does not fit page %d", page.ID)
		}
		byteOrder.PutUint16(body[off:], uint16(len(c.key)))
		off += 2
		if n.kind == PageKindInternal {
			byteOrder.PutUint64(body[off:], uint64(c.child))
			off += 8
			copy(body[off:], c.key)
			off += len(c.key)
			continue
		}
		flags := byte(0)
		if c.overflow != 0 {
			flags = 1
		}
		body[off] = flags
		off++
		if c.overflow != 0 {
			byteOrder.PutUint32(body[off:], c.totalLen)
			off += 4
			byteOrder.PutUint64(body[off:], uint64(c.overflow))
			off += 8
			copy(body[off:], c.key)
			off += len(c.key)
		} else {
			byteOrder.PutUint32(body[off:], uint32(len(c.value)))
			off += 4
			copy(body[off:], c.key)
			off += len(c.key)
			copy(body[off:], c.value)
			off += len(c.value)
		}
	}
	return nil
}

func decodeNode(page *Page) (*node, error) {
	kind := page.Kind()
	if kind != PageKindLeaf && kind != PageKindInternal {
		return nil, fmt.Errorf("%w: page %d kind %d is not a tree page", ErrCorruptPage, page.ID, kind)
	}
	n := &node{kind: kind}
	if kind == PageKindInternal {
		n.right = page.Next()
	}

	body := page.Body()
	off := 0
	count := int(page.CellCount())
	n.cells = make([]cell, 0, count)
	for i := 0; i < count; i++ {
		if off+2 > len(body) {
			return nil, fmt.Errorf("%w: page %d cell %d", ErrCorruptPage, page.ID, i)
		}
		keyLen := int(byteOrder.Uint16(body[off:]))
		off += 2

		var c cell
		if kind == PageKindInternal {
			if off+8+keyLen > len(body) {
				return nil, fmt.Errorf("%w: page %d cell %d", ErrCorruptPage, page.ID, i)
			}
			c.child = PageID(byteOrder.Uint64(body[off:]))
			off += 8
			c.key = append([]byte(nil), body[off:off+keyLen]...)
			off += keyLen
		} else {
			if off+1+4 > len(body) {
				return nil, fmt.Errorf("%w: page %d cell %d", ErrCorruptPage, page.ID, i)
			}
			flags := body[off]
			off++
			length := int(byteOrder.Uint32(body[off:]))
			off += 4
			if flags&1 != 0 {
				if off+8+keyLen > len(body) {
					return nil, fmt.Errorf("%w: page %d cell %d", ErrCorruptPage, page.ID, i)
				}
				c.totalLen = uint32(length)
				c.overflow = PageID(byteOrder.Uint64(body[off:]))
				off += 8
				c.key = append([]byte(nil), body[off:off+keyLen]...)
				off += keyLen
			} else {
				if off+keyLen+length > len(body) {
					return nil, fmt.Errorf("%w: page %d cell %d", ErrCorruptPage, page.ID, i)
				}
				c.key = append([]byte(nil), body[off:off+keyLen]...)
				off += keyLen
				c.value = append([]byte(nil), body[off:off+length]...)
				off += length
			}
		}
		n.cells = append(n.cells, c)
	}
	return n, nil
}
