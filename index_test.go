package jasonisnthappy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUniqueIndexRejectsDuplicates(t *testing.T) {
	db, _ := openTestDB(t)
	users, err := db.CreateCollection("users")
	require.NoError(t, err)
	require.NoError(t, users.CreateIndex(nil, "by_email", []string{"email"}, true))

	const n = 1000
	docs := make([]Document, 0, n)
	for i := 0; i < n; i++ {
		docs = append(docs, Document{"email": fmt.Sprintf("user%d@example.com", i)})
	}
	_, err = users.InsertMany(nil, docs)
	require.NoError(t, err)

	// A 1001st document reusing an existing email fails and leaves the
	// count untouched.
	_, err = users.Insert(nil, Document{"email": "user500@example.com"})
	require.ErrorIs(t, err, ErrDuplicateKey)

	count, err := users.Count(nil)
	require.NoError(t, err)
	require.Equal(t, uint64(n), count)
}

func TestUniqueIndexAllowsValueAfterDelete(t *testing.T) {
	db, _ := openTestDB(t)
	users, err := db.CreateCollection("users")
	require.NoError(t, err)
	require.NoError(t, users.CreateIndex(nil, "by_email", []string{"email"}, true))

	_, err = users.Insert(nil, Document{"_id": "a", "email": "x@y.z"})
	require.NoError(t, err)
	require.NoError(t, users.DeleteByID(nil, "a"))

	_, err = users.Insert(nil, Document{"_id": "b", "email": "x@y.z"})
	require.NoError(t, err)
}

func TestIndexBackfillAndLookup(t *testing.T) {
	db, _ := openTestDB(t)
	users, err := db.CreateCollection("users")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, err := users.Insert(nil, Document{"city": fmt.Sprintf("city-%d", i%5)})
		require.NoError(t, err)
	}
	// Index created after the fact backfills existing documents.
	require.NoError(t, users.CreateIndex(nil, "by_city", []string{"city"}, false))

	docs, err := users.FindByIndex(nil, "by_city", "city-3")
	require.NoError(t, err)
	require.Len(t, docs, 10)
	for _, d := range docs {
		require.Equal(t, "city-3", d["city"])
	}
}

func TestCompoundIndex(t *testing.T) {
	db, _ := openTestDB(t)
	users, err := db.CreateCollection("users")
	require.NoError(t, err)
	require.NoError(t, users.CreateIndex(nil, "by_city_age", []string{"city", "age"}, false))

	_, err = users.Insert(nil, Document{"_id": "a", "city": "oslo", "age": float64(30)})
	require.NoError(t, err)
	_, err = users.Insert(nil, Document{"_id": "b", "city": "oslo", "age": float64(40)})
	require.NoError(t, err)

	docs, err := users.FindByIndex(nil, "by_city_age", "oslo", float64(30))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "a", docs[0]["_id"])

	// Wrong arity is rejected.
	_, err = users.FindByIndex(nil, "by_city_age", "oslo")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestIndexMaintenanceOnUpdateAndDelete(t *testing.T) {
	db, _ := openTestDB(t)
	users, err := db.CreateCollection("users")
	require.NoError(t, err)
	require.NoError(t, users.CreateIndex(nil, "by_city", []string{"city"}, false))

	_, err = users.Insert(nil, Document{"_id": "a", "city": "oslo"})
	require.NoError(t, err)

	require.NoError(t, users.UpdateByID(nil, "a", Document{"city": "bergen"}))
	docs, err := users.FindByIndex(nil, "by_city", "oslo")
	require.NoError(t, err)
	require.Empty(t, docs)
	docs, err = users.FindByIndex(nil, "by_city", "bergen")
	require.NoError(t, err)
	require.Len(t, docs, 1)

	require.NoError(t, users.DeleteByID(nil, "a"))
	docs, err = users.FindByIndex(nil, "by_city", "bergen")
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestDropIndex(t *testing.T) {
	db, _ := openTestDB(t)
	users, err := db.CreateCollection("users")
	require.NoError(t, err)
	require.NoError(t, users.CreateIndex(nil, "by_city", []string{"city"}, false))

	infos, err := users.Indexes(nil)
	require.NoError(t, err)
	require.Contains(t, infos, "by_city")

	require.NoError(t, users.DropIndex(nil, "by_city"))
	infos, err = users.Indexes(nil)
	require.NoError(t, err)
	require.NotContains(t, infos, "by_city")

	_, err = users.FindByIndex(nil, "by_city", "oslo")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTextIndexSearch(t *testing.T) {
	db, _ := openTestDB(t)
	posts, err := db.CreateCollection("posts")
	require.NoError(t, err)
	require.NoError(t, posts.CreateTextIndex(nil, "body_text", "body"))

	_, err = posts.Insert(nil, Document{"_id": "p1", "body": "the quick brown fox jumps over the lazy dog"})
	require.NoError(t, err)
	_, err = posts.Insert(nil, Document{"_id": "p2", "body": "The DOG barks. The dog sleeps."})
	require.NoError(t, err)

	hits, err := posts.SearchText(nil, "body_text", "dog")
	require.NoError(t, err)
	require.Len(t, hits, 2)

	byID := map[string]uint32{}
	for _, h := range hits {
		byID[h.ID] = h.TF
	}
	require.Equal(t, uint32(1), byID["p1"])
	require.Equal(t, uint32(2), byID["p2"])

	hits, err = posts.SearchText(nil, "body_text", "Quick")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "p1", hits[0].ID)

	// Deleting removes postings.
	require.NoError(t, posts.DeleteByID(nil, "p1"))
	hits, err = posts.SearchText(nil, "body_text", "fox")
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestIndexEntriesFilterByVisibility(t *testing.T) {
	db, _ := openTestDB(t)
	users, err := db.CreateCollection("users")
	require.NoError(t, err)
	require.NoError(t, users.CreateIndex(nil, "by_city", []string{"city"}, false))

	reader, err := db.Begin()
	require.NoError(t, err)
	defer reader.Rollback()

	_, err = users.Insert(nil, Document{"_id": "late", "city": "oslo"})
	require.NoError(t, err)

	// The old snapshot must not surface the newer entry even though
	// the committed index carries it.
	docs, err := users.FindByIndex(reader, "by_city", "oslo")
	require.NoError(t, err)
	require.Empty(t, docs)

	docs, err = users.FindByIndex(nil, "by_city", "oslo")
	require.NoError(t, err)
	require.Len(t, docs, 1)
}
