package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/qbsync/qbsync/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a run
// history store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the database connection
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	// Run migrations
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	// Store is now ready to record runs
	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}
