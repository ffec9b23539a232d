package jasonisnthappy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGCPrunesDeadVersions(t *testing.T) {
	db, _ := openTestDB(t)
	users, err := db.CreateCollection("users")
	require.NoError(t, err)

	_, err = users.Insert(nil, Document{"_id": "a", "v": float64(0)})
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		require.NoError(t, users.UpdateByID(nil, "a", Document{"v": float64(i)}))
	}
	_, err = users.Insert(nil, Document{"_id": "b"})
	require.NoError(t, err)
	require.NoError(t, users.DeleteByID(nil, "b"))

	stats, err := db.GC()
	require.NoError(t, err)
	// a's five superseded versions plus b's tombstone chain.
	require.GreaterOrEqual(t, stats.VersionsRemoved, 6)
	require.Equal(t, 1, stats.ChainsRemoved)

	// Current state is untouched.
	doc, err := users.FindByID(nil, "a")
	require.NoError(t, err)
	require.Equal(t, float64(5), doc["v"])
	_, err = users.FindByID(nil, "b")
	require.ErrorIs(t, err, ErrNotFound)

	// A second pass finds nothing new.
	stats, err = db.GC()
	require.NoError(t, err)
	require.Zero(t, stats.VersionsRemoved)
}

func TestGCRespectsLiveSnapshots(t *testing.T) {
	db, _ := openTestDB(t)
	users, err := db.CreateCollection("users")
	require.NoError(t, err)

	_, err = users.Insert(nil, Document{"_id": "a", "v": float64(1)})
	require.NoError(t, err)

	reader, err := db.Begin()
	require.NoError(t, err)

	require.NoError(t, users.UpdateByID(nil, "a", Document{"v": float64(2)}))

	// The old version is still reachable by the live reader.
	if _, err := db.GC(); err != nil {
		t.Fatal(err)
	}
	doc, err := users.FindByID(reader, "a")
	require.NoError(t, err)
	require.Equal(t, float64(1), doc["v"])
	require.NoError(t, reader.Rollback())

	// With the reader gone the superseded version is collectible.
	stats, err := db.GC()
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.VersionsRemoved, 1)
}

func TestGCSurvivesReopen(t *testing.T) {
	path := testPath(t)
	db, err := Open(path, nil)
	require.NoError(t, err)

	users, err := db.CreateCollection("users")
	require.NoError(t, err)
	_, err = users.Insert(nil, Document{"_id": "a", "v": float64(1)})
	require.NoError(t, err)
	for i := 2; i <= 4; i++ {
		require.NoError(t, users.UpdateByID(nil, "a", Document{"v": float64(i)}))
	}
	_, err = db.GC()
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path, nil)
	require.NoError(t, err)
	defer db.Close()

	users, err = db.Collection("users")
	require.NoError(t, err)
	doc, err := users.FindByID(nil, "a")
	require.NoError(t, err)
	require.Equal(t, float64(4), doc["v"])
}
