package jasonisnthappy

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadYourWrites(t *testing.T) {
	db, _ := openTestDB(t)
	users, err := db.CreateCollection("users")
	require.NoError(t, err)

	txn, err := db.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	_, err = users.Insert(txn, Document{"_id": "a", "v": float64(1)})
	require.NoError(t, err)

	doc, err := users.FindByID(txn, "a")
	require.NoError(t, err)
	require.Equal(t, float64(1), doc["v"])

	require.NoError(t, users.UpdateByID(txn, "a", Document{"v": float64(2)}))
	doc, err = users.FindByID(txn, "a")
	require.NoError(t, err)
	require.Equal(t, float64(2), doc["v"])

	// Not visible outside until commit.
	_, err = users.FindByID(nil, "a")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, txn.Commit())
	doc, err = users.FindByID(nil, "a")
	require.NoError(t, err)
	require.Equal(t, float64(2), doc["v"])
}

func TestSnapshotIsolation(t *testing.T) {
	db, _ := openTestDB(t)
	users, err := db.CreateCollection("users")
	require.NoError(t, err)

	// Reader R begins before the write.
	reader, err := db.Begin()
	require.NoError(t, err)
	defer reader.Rollback()

	_, err = users.Insert(nil, Document{"_id": "u2"})
	require.NoError(t, err)

	// R still sees no u2.
	_, err = users.FindByID(reader, "u2")
	require.ErrorIs(t, err, ErrNotFound)

	// A new reader sees it.
	doc, err := users.FindByID(nil, "u2")
	require.NoError(t, err)
	require.Equal(t, "u2", doc["_id"])
}

func TestWriteWriteConflict(t *testing.T) {
	db, _ := openTestDB(t)
	users, err := db.CreateCollection("users")
	require.NoError(t, err)
	_, err = users.Insert(nil, Document{"_id": "u1", "age": float64(30)})
	require.NoError(t, err)

	// Two transactions update u1 from the same snapshot.
	t1, err := db.Begin()
	require.NoError(t, err)
	t2, err := db.Begin()
	require.NoError(t, err)

	require.NoError(t, users.UpdateByID(t1, "u1", Document{"age": float64(31)}))
	require.NoError(t, users.UpdateByID(t2, "u1", Document{"age": float64(32)}))

	require.NoError(t, t1.Commit())
	err = t2.Commit()
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, TxnAborted, t2.State())

	doc, err := users.FindByID(nil, "u1")
	require.NoError(t, err)
	require.Equal(t, float64(31), doc["age"])
}

func TestConcurrentInsertSameID(t *testing.T) {
	db, _ := openTestDB(t)
	users, err := db.CreateCollection("users")
	require.NoError(t, err)

	t1, err := db.Begin()
	require.NoError(t, err)
	t2, err := db.Begin()
	require.NoError(t, err)

	_, err = users.Insert(t1, Document{"_id": "same"})
	require.NoError(t, err)
	_, err = users.Insert(t2, Document{"_id": "same"})
	require.NoError(t, err)

	require.NoError(t, t1.Commit())
	err = t2.Commit()
	require.ErrorIs(t, err, ErrDuplicateKey)
}

func TestRollback(t *testing.T) {
	db, _ := openTestDB(t)
	users, err := db.CreateCollection("users")
	require.NoError(t, err)

	txn, err := db.Begin()
	require.NoError(t, err)
	_, err = users.Insert(txn, Document{"_id": "gone"})
	require.NoError(t, err)
	require.NoError(t, txn.Rollback())
	// Idempotent.
	require.NoError(t, txn.Rollback())

	_, err = users.FindByID(nil, "gone")
	require.ErrorIs(t, err, ErrNotFound)

	// A finalised transaction rejects further work.
	_, err = users.Insert(txn, Document{"_id": "late"})
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, txn.Commit(), ErrClosed)
}

func TestRunTransactionRetriesConflicts(t *testing.T) {
	db, _ := openTestDB(t)
	counters, err := db.CreateCollection("counters")
	require.NoError(t, err)
	_, err = counters.Insert(nil, Document{"_id": "c", "n": float64(0)})
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = db.RunTransaction(func(txn *Txn) error {
				doc, err := counters.FindByID(txn, "c")
				if err != nil {
					return err
				}
				return counters.UpdateByID(txn, "c", Document{"n": doc["n"].(float64) + 1})
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.NotZero(t, succeeded)

	doc, err := counters.FindByID(nil, "c")
	require.NoError(t, err)
	require.Equal(t, float64(succeeded), doc["n"])
}

func TestTransactionalDDL(t *testing.T) {
	db, _ := openTestDB(t)

	txn, err := db.Begin()
	require.NoError(t, err)
	coll, err := txn.CreateCollection("staged")
	require.NoError(t, err)
	_, err = coll.Insert(txn, Document{"_id": "x"})
	require.NoError(t, err)

	// Invisible before commit.
	_, err = db.Collection("staged")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, txn.Commit())

	coll, err = db.Collection("staged")
	require.NoError(t, err)
	doc, err := coll.FindByID(nil, "x")
	require.NoError(t, err)
	require.Equal(t, "x", doc["_id"])
}

func TestEmptyCommit(t *testing.T) {
	db, _ := openTestDB(t)
	txn, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	require.Equal(t, TxnCommitted, txn.State())
}
