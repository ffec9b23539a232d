package jasonisnthappy

import (
	"sort"

	"github.com/sohzm/jasonisnthappy/storage"
)

// readStore is the PageStore snapshot readers use: straight through
// the buffer pool, mutations rejected.
type readStore struct {
	db *DB
}

func (s *readStore) Get(id storage.PageID) (*storage.Page, error) {
	return s.db.pool.Get(id)
}

func (s *readStore) Alloc(storage.PageKind) (*storage.Page, error) {
	return nil, ErrReadOnly
}

func (s *readStore) Retire(storage.PageID) {}

func (s *readStore) PageSize() int {
	return s.db.pager.PageSize()
}

// txnPages is the commit path's private overlay: staged pages shadow
// committed ones, allocation draws from a cloned freelist or the
// next-page counter, and retirements queue for the freelist. Nothing
// escapes until the commit record is durable; rollback is dropping the
// struct.
type txnPages struct {
	db          *DB
	txid        uint64
	dirty       map[storage.PageID]*storage.Page
	freelist    *storage.Freelist
	nextPageID  storage.PageID
	retired     []storage.PageID
	minSnapshot uint64
}

func newTxnPages(db *DB, txid uint64, freelist *storage.Freelist, nextPageID storage.PageID, minSnapshot uint64) *txnPages {
	return &txnPages{
		db:          db,
		txid:        txid,
		dirty:       make(map[storage.PageID]*storage.Page),
		freelist:    freelist,
		nextPageID:  nextPageID,
		retired:     nil,
		minSnapshot: minSnapshot,
	}
}

func (s *txnPages) Get(id storage.PageID) (*storage.Page, error) {
	if page, ok := s.dirty[id]; ok {
		return page, nil
	}
	return s.db.pool.Get(id)
}

func (s *txnPages) Alloc(kind storage.PageKind) (*storage.Page, error) {
	id, ok := s.freelist.Allocate(s.minSnapshot)
	if !ok {
		id = s.nextPageID
		s.nextPageID++
	}
	page := storage.NewPage(id, kind, s.PageSize())
	page.SetLSN(s.txid)
	s.dirty[id] = page
	return page, nil
}

// allocFresh bypasses the freelist. The freelist serialiser uses it so
// writing the list out does not mutate the list mid-encode.
func (s *txnPages) allocFresh(kind storage.PageKind) (*storage.Page, error) {
	id := s.nextPageID
	s.nextPageID++
	page := storage.NewPage(id, kind, s.PageSize())
	page.SetLSN(s.txid)
	s.dirty[id] = page
	return page, nil
}

func (s *txnPages) Retire(id storage.PageID) {
	if _, ok := s.dirty[id]; ok {
		// Never durable: reuse the id immediately.
		delete(s.dirty, id)
		s.freelist.Free(id)
		return
	}
	s.retired = append(s.retired, id)
}

func (s *txnPages) PageSize() int {
	return s.db.pager.PageSize()
}

// settleRetired moves this commit's retirements onto the staged
// freelist, stamped with the committing txid.
func (s *txnPages) settleRetired() {
	for _, id := range s.retired {
		s.freelist.Retire(id, s.txid)
	}
	s.retired = s.retired[:0]
}

// dirtySorted returns staged pages ordered by page id, the order they
// are logged and written.
func (s *txnPages) dirtySorted() []*storage.Page {
	pages := make([]*storage.Page, 0, len(s.dirty))
	for _, p := range s.dirty {
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].ID < pages[j].ID })
	return pages
}

// retireTree walks a whole B-tree and queues every page, overflow
// chains included. Used by drop-collection and drop-index.
func retireTree(store storage.PageStore, root storage.PageID) error {
	if root == 0 {
		return nil
	}
	tree := storage.OpenBTree(store, root)
	return tree.RetireAll()
}
