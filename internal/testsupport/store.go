package testsupport

import (
	"context"
	"testing"

	"motionstill/internal/config"
	"motionstill/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewItem enqueues a source file for tests using the provided store.
func NewItem(t testing.TB, store *queue.Store, sourcePath, fingerprint string) *queue.Item {
	t.Helper()

	item, _, err := store.NewItem(context.Background(), sourcePath, "", fingerprint)
	if err != nil {
		t.Fatalf("store.NewItem: %v", err)
	}
	return item
}
