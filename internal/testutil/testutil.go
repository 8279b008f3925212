package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/theLastOfCats/audiosync/internal/db"
)

var memoryDBs atomic.Int64

// SetupTestDB creates an in-memory SQLite DB with schema, private to the test.
func SetupTestDB(t *testing.T) *db.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", memoryDBs.Add(1))
	database, err := db.New(dsn)
	if err != nil {
		t.Fatalf("Failed to init in-memory db: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})
	return database
}
