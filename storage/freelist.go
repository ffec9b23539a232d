package storage

// FreeEntry is one reusable page. RetiredAt is the txid of the commit
// that unreferenced the page; zero means the page is free outright.
// A retired page stays unavailable while any live snapshot began before
// RetiredAt, because that snapshot may still traverse it.
type FreeEntry struct {
	ID        PageID
	RetiredAt uint64
}

// Freelist is the in-memory mirror of the on-disk free-page list. The
// disk form is a chain of freelist pages, each holding a count and an
// array of entries; the head page id travels in commit records and in
// the meta page at checkpoint.
type Freelist struct {
	entries []FreeEntry
}

const freeEntrySize = 16

// NewFreelist returns an empty freelist.
func NewFreelist() *Freelist {
	return &Freelist{}
}

// LoadFreelist reads the freelist chain starting at head. It returns
// the mirror and the ids of the chain pages themselves, which become
// reusable as soon as the list is rewritten.
func LoadFreelist(get func(PageID) (*Page, error), head PageID) (*Freelist, []PageID, error) {
	f := NewFreelist()
	var chain []PageID
	for id := head; id != 0; {
		page, err := get(id)
		if err != nil {
			return nil, nil, err
		}
		if page.Kind() != PageKindFreelist {
			return nil, nil, ErrCorruptPage
		}
		chain = append(chain, id)
		body := page.Body()
		n := int(page.CellCount())
		for i := 0; i < n; i++ {
			off := 2 + i*freeEntrySize
			if off+freeEntrySize > len(body) {
				return nil, nil, ErrCorruptPage
			}
			f.entries = append(f.entries, FreeEntry{
				ID:        PageID(byteOrder.Uint64(body[off:])),
				RetiredAt: byteOrder.Uint64(body[off+8:]),
			})
		}
		id = page.Next()
	}
	return f, chain, nil
}

// Allocate pops one page that is safe to reuse given the oldest live
// snapshot txid. Returns false when nothing is eligible.
func (f *Freelist) Allocate(oldestSnapshot uint64) (PageID, bool) {
	for i, e := range f.entries {
		if e.RetiredAt == 0 || e.RetiredAt <= oldestSnapshot {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			return e.ID, true
		}
	}
	return 0, false
}

// Retire queues a page unreferenced by the commit txid. The page
// becomes allocatable once no snapshot older than txid is live.
func (f *Freelist) Retire(id PageID, txid uint64) {
	f.entries = append(f.entries, FreeEntry{ID: id, RetiredAt: txid})
}

// Release marks a retirement as settled: garbage collection proved no
// live snapshot can reach the page, so it is free outright.
func (f *Freelist) Release(oldestSnapshot uint64) int {
	released := 0
	for i := range f.entries {
		if f.entries[i].RetiredAt != 0 && f.entries[i].RetiredAt <= oldestSnapshot {
			f.entries[i].RetiredAt = 0
			released++
		}
	}
	return released
}

// Free adds a page that no snapshot can reach.
func (f *Freelist) Free(id PageID) {
	f.entries = append(f.entries, FreeEntry{ID: id})
}

// Len returns the number of entries, retired included.
func (f *Freelist) Len() int {
	return len(f.entries)
}

// Clone returns an independent copy for transaction staging.
func (f *Freelist) Clone() *Freelist {
	c := &Freelist{entries: make([]FreeEntry, len(f.entries))}
	copy(c.entries, f.entries)
	return c
}

// WriteTo serialises the list into freshly allocated freelist pages and
// returns the head page id, zero when the list is empty. alloc must
// hand out pages that are part of the enclosing commit's dirty set.
func (f *Freelist) WriteTo(alloc func(PageKind) (*Page, error)) (PageID, error) {
	if len(f.entries) == 0 {
		return 0, nil
	}

	var pages []*Page
	var page *Page
	var body []byte
	perPage := 0
	used := 0

	for _, e := range f.entries {
		if page == nil || used >= perPage {
			var err error
			page, err = alloc(PageKindFreelist)
			if err != nil {
				return 0, err
			}
			pages = append(pages, page)
			body = page.Body()
			perPage = (len(body) - 2) / freeEntrySize
			used = 0
		}
		off := 2 + used*freeEntrySize
		byteOrder.PutUint64(body[off:], uint64(e.ID))
		byteOrder.PutUint64(body[off+8:], e.RetiredAt)
		used++
		page.SetCellCount(uint16(used))
	}

	for i := 0; i < len(pages)-1; i++ {
		pages[i].SetNext(pages[i+1].ID)
	}
	return pages[0].ID, nil
}
