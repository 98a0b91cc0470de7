package app

import (
	"context"
	"testing"

	"github.com/androfit/coach/internal/memory"
)

func TestOpenMemoryStoreWithoutDatabaseURLIsInMemory(t *testing.T) {
	store, mode, err := openMemoryStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("openMemoryStore() error = %v", err)
	}
	defer store.Close()
	if mode != "in-memory" {
		t.Fatalf("mode = %q, want in-memory", mode)
	}
	if _, ok := store.(*memory.InMemoryStore); !ok {
		t.Fatalf("store = %T, want *memory.InMemoryStore", store)
	}
}
