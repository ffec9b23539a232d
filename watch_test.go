package jasonisnthappy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, w *Watcher, n int) []ChangeEvent {
	t.Helper()
	var out []ChangeEvent
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d/%d events", len(out), n)
		}
	}
	return out
}

func TestWatchReceivesCommittedChanges(t *testing.T) {
	db, _ := openTestDB(t)
	users, err := db.CreateCollection("users")
	require.NoError(t, err)

	w, err := db.Watch("users")
	require.NoError(t, err)
	defer w.Close()

	_, err = users.Insert(nil, Document{"_id": "a", "v": float64(1)})
	require.NoError(t, err)
	require.NoError(t, users.UpdateByID(nil, "a", Document{"v": float64(2)}))
	require.NoError(t, users.DeleteByID(nil, "a"))

	events := collectEvents(t, w, 3)
	require.Equal(t, OpInsert, events[0].Op)
	require.Equal(t, "a", events[0].ID)
	require.Equal(t, float64(1), events[0].Document["v"])
	require.Equal(t, OpUpdate, events[1].Op)
	require.Equal(t, float64(2), events[1].Document["v"])
	require.Equal(t, OpDelete, events[2].Op)
	require.Nil(t, events[2].Document)
	require.False(t, events[0].Timestamp.IsZero())
}

func TestWatchFiltersCollectionAndOp(t *testing.T) {
	db, _ := openTestDB(t)
	users, err := db.CreateCollection("users")
	require.NoError(t, err)
	items, err := db.CreateCollection("items")
	require.NoError(t, err)

	w, err := db.Watch("users", OpDelete)
	require.NoError(t, err)
	defer w.Close()

	_, err = items.Insert(nil, Document{"_id": "i1"})
	require.NoError(t, err)
	_, err = users.Insert(nil, Document{"_id": "u1"})
	require.NoError(t, err)
	require.NoError(t, users.DeleteByID(nil, "u1"))

	events := collectEvents(t, w, 1)
	require.Equal(t, OpDelete, events[0].Op)
	require.Equal(t, "users", events[0].Collection)
}

func TestWatchAbortedTransactionEmitsNothing(t *testing.T) {
	db, _ := openTestDB(t)
	users, err := db.CreateCollection("users")
	require.NoError(t, err)

	w, err := db.Watch("users")
	require.NoError(t, err)
	defer w.Close()

	txn, err := db.Begin()
	require.NoError(t, err)
	_, err = users.Insert(txn, Document{"_id": "x"})
	require.NoError(t, err)
	require.NoError(t, txn.Rollback())

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchOverflowDropsAndFlags(t *testing.T) {
	path := testPath(t)
	opts := DefaultOptions()
	opts.WatchBuffer = 2
	db, err := Open(path, opts)
	require.NoError(t, err)
	defer db.Close()

	users, err := db.CreateCollection("users")
	require.NoError(t, err)

	w, err := db.Watch("users")
	require.NoError(t, err)
	defer w.Close()

	// Nobody drains the channel; the queue overflows past 2 events.
	for i := 0; i < 10; i++ {
		_, err := users.Insert(nil, Document{"n": float64(i)})
		require.NoError(t, err)
	}

	require.Eventually(t, w.Overflowed, 5*time.Second, 10*time.Millisecond,
		"subscriber should observe the overflow flag")
}

func TestWatchCloseUnregisters(t *testing.T) {
	db, _ := openTestDB(t)
	users, err := db.CreateCollection("users")
	require.NoError(t, err)

	w, err := db.Watch("users")
	require.NoError(t, err)
	w.Close()

	_, ok := <-w.Events()
	require.False(t, ok, "channel should be closed")

	// Further commits must not panic on the closed subscriber.
	_, err = users.Insert(nil, Document{"_id": "after"})
	require.NoError(t, err)
}
