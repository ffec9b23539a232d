package jasonisnthappy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratedIDsAreMonotonic(t *testing.T) {
	db, _ := openTestDB(t)
	coll, err := db.CreateCollection("seq")
	require.NoError(t, err)

	id1, err := coll.Insert(nil, Document{"a": float64(1)})
	require.NoError(t, err)
	id2, err := coll.Insert(nil, Document{"a": float64(2)})
	require.NoError(t, err)
	require.Equal(t, "1", id1)
	require.Equal(t, "2", id2)
}

func TestUpdateMergesAndDotPaths(t *testing.T) {
	db, _ := openTestDB(t)
	coll, err := db.CreateCollection("users")
	require.NoError(t, err)

	_, err = coll.Insert(nil, Document{
		"_id":     "u1",
		"name":    "Alice",
		"address": map[string]interface{}{"city": "Oslo", "zip": "0150"},
	})
	require.NoError(t, err)

	require.NoError(t, coll.UpdateByID(nil, "u1", Document{"address.city": "Bergen", "age": float64(30)}))

	doc, err := coll.FindByID(nil, "u1")
	require.NoError(t, err)
	require.Equal(t, "Alice", doc["name"])
	require.Equal(t, float64(30), doc["age"])
	addr := doc["address"].(map[string]interface{})
	require.Equal(t, "Bergen", addr["city"])
	require.Equal(t, "0150", addr["zip"])

	require.ErrorIs(t, coll.UpdateByID(nil, "nope", Document{"x": float64(1)}), ErrNotFound)
}

func TestDelete(t *testing.T) {
	db, _ := openTestDB(t)
	coll, err := db.CreateCollection("users")
	require.NoError(t, err)

	_, err = coll.Insert(nil, Document{"_id": "d1"})
	require.NoError(t, err)
	require.NoError(t, coll.DeleteByID(nil, "d1"))

	_, err = coll.FindByID(nil, "d1")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, coll.DeleteByID(nil, "d1"), ErrNotFound)

	// The id can be reused after deletion.
	_, err = coll.Insert(nil, Document{"_id": "d1", "v": float64(2)})
	require.NoError(t, err)
	doc, err := coll.FindByID(nil, "d1")
	require.NoError(t, err)
	require.Equal(t, float64(2), doc["v"])
}

func TestUpsert(t *testing.T) {
	db, _ := openTestDB(t)
	coll, err := db.CreateCollection("users")
	require.NoError(t, err)

	inserted, err := coll.Upsert(nil, Document{"_id": "u1", "v": float64(1)})
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = coll.Upsert(nil, Document{"_id": "u1", "v": float64(2)})
	require.NoError(t, err)
	require.False(t, inserted)

	doc, err := coll.FindByID(nil, "u1")
	require.NoError(t, err)
	require.Equal(t, float64(2), doc["v"])

	n, err := coll.Count(nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
}

func TestInsertManyAtomic(t *testing.T) {
	db, _ := openTestDB(t)
	coll, err := db.CreateCollection("users")
	require.NoError(t, err)

	docs := []Document{
		{"_id": "a"}, {"_id": "b"}, {"_id": "a"}, // duplicate inside the batch
	}
	_, err = coll.InsertMany(nil, docs)
	require.ErrorIs(t, err, ErrDuplicateKey)

	// All-or-nothing: nothing from the failed batch is visible.
	n, err := coll.Count(nil)
	require.NoError(t, err)
	require.Zero(t, n)

	ids, err := coll.InsertMany(nil, []Document{{"_id": "a"}, {"_id": "b"}})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)
}

func TestBulkWriteOrdered(t *testing.T) {
	db, _ := openTestDB(t)
	coll, err := db.CreateCollection("users")
	require.NoError(t, err)
	_, err = coll.Insert(nil, Document{"_id": "exists"})
	require.NoError(t, err)

	ops := []BulkOp{
		{Kind: BulkInsert, Doc: Document{"_id": "n1"}},
		{Kind: BulkInsert, Doc: Document{"_id": "exists"}}, // fails
		{Kind: BulkInsert, Doc: Document{"_id": "n2"}},
	}
	result, err := coll.BulkWrite(nil, ops, true)
	require.ErrorIs(t, err, ErrDuplicateKey)
	require.Equal(t, 1, result.FailedIndex)

	// Ordered batches abort entirely.
	_, err = coll.FindByID(nil, "n1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBulkWriteUnordered(t *testing.T) {
	db, _ := openTestDB(t)
	coll, err := db.CreateCollection("users")
	require.NoError(t, err)
	_, err = coll.Insert(nil, Document{"_id": "exists"})
	require.NoError(t, err)

	ops := []BulkOp{
		{Kind: BulkInsert, Doc: Document{"_id": "n1"}},
		{Kind: BulkInsert, Doc: Document{"_id": "exists"}}, // fails
		{Kind: BulkDelete, ID: "missing"},                  // fails
		{Kind: BulkUpsert, Doc: Document{"_id": "n2", "v": float64(1)}},
	}
	result, err := coll.BulkWrite(nil, ops, false)
	require.NoError(t, err)
	require.Len(t, result.Errors, 2)
	require.Equal(t, 1, result.Errors[0].Index)
	require.Equal(t, 2, result.Errors[1].Index)
	require.Equal(t, -1, result.FailedIndex)

	// Non-failing operations committed.
	_, err = coll.FindByID(nil, "n1")
	require.NoError(t, err)
	_, err = coll.FindByID(nil, "n2")
	require.NoError(t, err)
}

func TestBulkLimit(t *testing.T) {
	path := testPath(t)
	opts := DefaultOptions()
	opts.MaxBulkOperations = 2
	db, err := Open(path, opts)
	require.NoError(t, err)
	defer db.Close()

	coll, err := db.CreateCollection("users")
	require.NoError(t, err)

	_, err = coll.InsertMany(nil, []Document{{}, {}, {}})
	require.ErrorIs(t, err, ErrLimitExceeded)
	_, err = coll.BulkWrite(nil, make([]BulkOp, 3), true)
	require.ErrorIs(t, err, ErrLimitExceeded)
}

func TestMaxDocumentSize(t *testing.T) {
	path := testPath(t)
	opts := DefaultOptions()
	opts.MaxDocumentSize = 128
	db, err := Open(path, opts)
	require.NoError(t, err)
	defer db.Close()

	coll, err := db.CreateCollection("users")
	require.NoError(t, err)

	big := make([]byte, 256)
	for i := range big {
		big[i] = 'x'
	}
	_, err = coll.Insert(nil, Document{"_id": "big", "data": string(big)})
	require.ErrorIs(t, err, ErrLimitExceeded)
}

func TestFindWithFilter(t *testing.T) {
	db, _ := openTestDB(t)
	coll, err := db.CreateCollection("users")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := coll.Insert(nil, Document{"_id": fmt.Sprintf("u%02d", i), "n": float64(i)})
		require.NoError(t, err)
	}

	cur, err := coll.Find(nil, func(d Document) bool {
		return d["n"].(float64) >= 15
	})
	require.NoError(t, err)
	defer cur.Close()

	count := 0
	for {
		doc, ok := cur.Next()
		if !ok {
			break
		}
		require.GreaterOrEqual(t, doc["n"].(float64), float64(15))
		count++
	}
	require.NoError(t, cur.Err())
	require.Equal(t, 5, count)
}

func TestFindSeesOwnStagedWrites(t *testing.T) {
	db, _ := openTestDB(t)
	coll, err := db.CreateCollection("users")
	require.NoError(t, err)
	_, err = coll.Insert(nil, Document{"_id": "a", "v": float64(1)})
	require.NoError(t, err)
	_, err = coll.Insert(nil, Document{"_id": "c", "v": float64(3)})
	require.NoError(t, err)

	txn, err := db.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	_, err = coll.Insert(txn, Document{"_id": "b", "v": float64(2)})
	require.NoError(t, err)
	require.NoError(t, coll.DeleteByID(txn, "c"))

	docs, err := coll.FindAll(txn)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "a", docs[0]["_id"])
	require.Equal(t, "b", docs[1]["_id"])
}

func TestCountWithQuery(t *testing.T) {
	db, _ := openTestDB(t)
	coll, err := db.CreateCollection("users")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := coll.Insert(nil, Document{"n": float64(i)})
		require.NoError(t, err)
	}

	n, err := coll.CountWithQuery(nil, func(d Document) bool { return d["n"].(float64) < 3 })
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)

	n, err = coll.CountWithQuery(nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(10), n)
}

func TestDistinct(t *testing.T) {
	db, _ := openTestDB(t)
	coll, err := db.CreateCollection("users")
	require.NoError(t, err)
	for _, city := range []string{"oslo", "bergen", "oslo", "tromso", "bergen"} {
		_, err := coll.Insert(nil, Document{"city": city})
		require.NoError(t, err)
	}

	values, err := coll.Distinct(nil, "city")
	require.NoError(t, err)
	require.ElementsMatch(t, []interface{}{"oslo", "bergen", "tromso"}, values)

	// Same result through an index fast path.
	require.NoError(t, coll.CreateIndex(nil, "by_city", []string{"city"}, false))
	values, err = coll.Distinct(nil, "city")
	require.NoError(t, err)
	require.ElementsMatch(t, []interface{}{"oslo", "bergen", "tromso"}, values)
}

func TestSchemaValidation(t *testing.T) {
	db, _ := openTestDB(t)
	coll, err := db.CreateCollection("users")
	require.NoError(t, err)

	schema := `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string"},
			"age": {"type": "number", "minimum": 0}
		}
	}`
	require.NoError(t, coll.SetSchema(nil, schema))

	_, err = coll.Insert(nil, Document{"name": "ok", "age": float64(30)})
	require.NoError(t, err)

	_, err = coll.Insert(nil, Document{"age": float64(30)})
	require.ErrorIs(t, err, ErrSchemaViolation)

	_, err = coll.Insert(nil, Document{"name": "bad", "age": float64(-1)})
	require.ErrorIs(t, err, ErrSchemaViolation)

	ok, err := coll.FindByID(nil, "1")
	require.NoError(t, err)
	require.Equal(t, "ok", ok["name"])

	// Updates validate the merged document too.
	require.ErrorIs(t, coll.UpdateByID(nil, "1", Document{"age": float64(-5)}), ErrSchemaViolation)
}
