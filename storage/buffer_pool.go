package storage

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// BufferPool caches pages read from the pager. Unpinned pages live in
// an LRU; pages pinned through Pin are held in a separate map and can
// never be evicted. Page contents are read-only
// once inserted - the copy-on-write tree never mutates a cached page.
type BufferPool struct {
	mu       sync.Mutex
	capacity int
	pager    *Pager
	cache    *lru.Cache[PageID, *Page]
	pinned   map[PageID]*pinnedEntry

	hits   uint64
	misses uint64
}

type pinnedEntry struct {
	page *Page
	refs int
}

// NewBufferPool creates a pool holding at most capacity pages.
func NewBufferPool(capacity int, pager *Pager) (*BufferPool, error) {
	if capacity < 1 {
		capacity = 1
	}
	cache, err := lru.New[PageID, *Page](capacity)
	if err != nil {
		return nil, err
	}
	return &BufferPool{
		capacity: capacity,
		pager:    pager,
		cache:    cache,
		pinned:   make(map[PageID]*pinnedEntry),
	}, nil
}

// Get returns the page for id, reading it from disk on a miss. The
// returned page is not pinned; callers that hold pages across blocking
// operations use Pin/Unpin.
func (bp *BufferPool) Get(id PageID) (*Page, error) {
	bp.mu.Lock()
	if e, ok := bp.pinned[id]; ok {
		bp.hits++
		bp.mu.Unlock()
		return e.page, nil
	}
	if page, ok := bp.cache.Get(id); ok {
		bp.hits++
		bp.mu.Unlock()
		return page, nil
	}
	bp.misses++
	bp.mu.Unlock()

	page, err := bp.pager.ReadPage(id)
	if err != nil {
		return nil, err
	}

	bp.mu.Lock()
	bp.cache.Add(id, page)
	bp.mu.Unlock()
	return page, nil
}

// Pin marks the page as in use, moving it out of the LRU so it cannot
// be evicted. Pin nests; each Pin needs a matching Unpin.
func (bp *BufferPool) Pin(id PageID) (*Page, error) {
	bp.mu.Lock()
	if e, ok := bp.pinned[id]; ok {
		e.refs++
		bp.mu.Unlock()
		return e.page, nil
	}
	if page, ok := bp.cache.Get(id); ok {
		bp.cache.Remove(id)
		bp.pinned[id] = &pinnedEntry{page: page, refs: 1}
		bp.mu.Unlock()
		return page, nil
	}
	bp.mu.Unlock()

	page, err := bp.pager.ReadPage(id)
	if err != nil {
		return nil, err
	}

	bp.mu.Lock()
	if e, ok := bp.pinned[id]; ok {
		// Raced with another pinner; keep theirs.
		e.refs++
		page = e.page
	} else {
		bp.pinned[id] = &pinnedEntry{page: page, refs: 1}
	}
	bp.mu.Unlock()
	return page, nil
}

// Unpin drops one pin reference. When the count reaches zero the page
// returns to the LRU.
func (bp *BufferPool) Unpin(id PageID) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	e, ok := bp.pinned[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(bp.pinned, id)
		bp.cache.Add(id, e.page)
	}
}

// Put inserts a freshly committed page. The commit path calls this
// after the WAL fsync so readers of the new root hit memory.
func (bp *BufferPool) Put(page *Page) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if _, ok := bp.pinned[page.ID]; ok {
		return
	}
	bp.cache.Add(page.ID, page)
}

// Invalidate removes a page from the pool, pinned or not.
func (bp *BufferPool) Invalidate(id PageID) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	delete(bp.pinned, id)
	bp.cache.Remove(id)
}

// Len returns the number of resident pages, pinned included.
func (bp *BufferPool) Len() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.cache.Len() + len(bp.pinned)
}

// Stats returns cumulative hit and miss counts.
func (bp *BufferPool) Stats() (hits, misses uint64) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.hits, bp.misses
}

// Purge drops every unpinned page from the LRU; pinned pages stay.
func (bp *BufferPool) Purge() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.cache.Purge()
}
