package jasonisnthappy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

// ChangeOp is the kind of document change carried by an event.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeEvent is delivered to subscribers after a commit publishes.
// Document is nil for deletes.
type ChangeEvent struct {
	Collection string
	Op         ChangeOp
	ID         string
	Document   Document
	Timestamp  time.Time
}

// Watcher is one change-stream subscription. Delivery is best-effort:
// when the queue is full the engine drops the event and sets a sticky
// overflow flag instead of blocking the committer.
type Watcher struct {
	id         uuid.UUID
	collection string
	ops        map[ChangeOp]struct{}
	ch         chan ChangeEvent
	hub        *watcherHub

	overflowed atomic.Bool

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// Events is the subscriber's channel. It closes when the watcher or
// the database closes.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.ch
}

// Overflowed reports whether any event was dropped because the
// subscriber fell behind.
func (w *Watcher) Overflowed() bool {
	return w.overflowed.Load()
}

// Close unregisters the subscription and closes the event channel.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		w.hub.unregister(w.id)
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.ch)
	})
}

// send enqueues one event, dropping it when the subscriber is full or
// already closed.
func (w *Watcher) send(ev ChangeEvent) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return true
	}
	select {
	case w.ch <- ev:
		return true
	default:
		w.overflowed.Store(true)
		return false
	}
}

func (w *Watcher) wants(ev *ChangeEvent) bool {
	if w.collection != "" && w.collection != ev.Collection {
		return false
	}
	if len(w.ops) == 0 {
		return true
	}
	_, ok := w.ops[ev.Op]
	return ok
}

// watcherHub fans committed events out to subscribers on a worker
// pool, strictly after root publication so a callback can never
// re-enter the transaction that fired it.
type watcherHub struct {
	db   *DB
	mu   sync.RWMutex
	subs map[uuid.UUID]*Watcher
	pool *ants.Pool
	wg   sync.WaitGroup

	closedMu sync.Mutex
	closed   bool
}

func newWatcherHub(db *DB) (*watcherHub, error) {
	// A single delivery worker keeps events in commit order.
	pool, err := ants.NewPool(1, ants.WithPanicHandler(func(v any) {
		db.log.Error().Interface("panic", v).Msg("watch delivery panic")
	}))
	if err != nil {
		return nil, err
	}
	return &watcherHub{
		db:   db,
		subs: make(map[uuid.UUID]*Watcher),
		pool: pool,
	}, nil
}

// Watch subscribes to changes on collection (empty means all), with
// an optional op filter.
func (db *DB) Watch(collection string, ops ...ChangeOp) (*Watcher, error) {
	hub := db.watchers

	hub.closedMu.Lock()
	defer hub.closedMu.Unlock()
	if hub.closed {
		return nil, ErrClosed
	}

	w := &Watcher{
		id:         uuid.New(),
		collection: collection,
		ch:         make(chan ChangeEvent, db.opts.WatchBuffer),
		hub:        hub,
	}
	if len(ops) > 0 {
		w.ops = make(map[ChangeOp]struct{}, len(ops))
		for _, op := range ops {
			w.ops[op] = struct{}{}
		}
	}

	hub.mu.Lock()
	hub.subs[w.id] = w
	hub.mu.Unlock()
	return w, nil
}

func (h *watcherHub) unregister(id uuid.UUID) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// publish hands a commit's event batch to the delivery pool.
func (h *watcherHub) publish(events []ChangeEvent) {
	if len(events) == 0 {
		return
	}
	h.closedMu.Lock()
	if h.closed {
		h.closedMu.Unlock()
		return
	}
	h.wg.Add(1)
	h.closedMu.Unlock()

	err := h.pool.Submit(func() {
		defer h.wg.Done()
		h.deliver(events)
	})
	if err != nil {
		h.wg.Done()
	}
}

func (h *watcherHub) deliver(events []ChangeEvent) {
	h.mu.RLock()
	subs := make([]*Watcher, 0, len(h.subs))
	for _, w := range h.subs {
		subs = append(subs, w)
	}
	h.mu.RUnlock()

	for i := range events {
		ev := &events[i]
		for _, w := range subs {
			if !w.wants(ev) {
				continue
			}
			if !w.send(*ev) {
				h.db.metrics.watchDrops.Inc()
			}
		}
	}
}

// close drains in-flight deliveries and closes every subscriber.
func (h *watcherHub) close() {
	h.closedMu.Lock()
	if h.closed {
		h.closedMu.Unlock()
		return
	}
	h.closed = true
	h.closedMu.Unlock()

	h.wg.Wait()
	h.pool.Release()

	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uuid.UUID]*Watcher)
	h.mu.Unlock()
	for _, w := range subs {
		w.closeOnce.Do(func() {
			w.mu.Lock()
			w.closed = true
			w.mu.Unlock()
			close(w.ch)
		})
	}
}
