package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/podform/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: stores.MemoryPath,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_ListRuns records two runs and lists them newest first.
func ExampleSQLiteStore_ListRuns() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: stores.MemoryPath})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-001", "run-002"} {
		_ = store.CreateRun(ctx, &stores.Run{
			ID:        id,
			Host:      "web01",
			Topic:     "podman",
			Status:    "succeeded",
			StartedAt: start.Add(time.Duration(i) * time.Hour),
		})
	}

	runs, err := store.ListRuns(ctx, "web01", "podman", 10, 0)
	if err != nil {
		log.Fatal(err)
	}
	for _, run := range runs {
		fmt.Println(run.ID, run.Status)
	}
	// Output:
	// run-002 succeeded
	// run-001 succeeded
}
