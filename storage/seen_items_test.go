package storage

import "testing"

func TestSeenItems(t *testing.T) {
	store := newTestStore(t)

	seen, err := store.HasSeenItem("origin-1", 1)
	if err != nil {
		t.Fatalf("HasSeenItem failed: %v", err)
	}
	if seen {
		t.Fatalf("expected unseen item")
	}

	if err := store.InsertSeenItem("origin-1", 1, "hash-1", 1000); err != nil {
		t.Fatalf("InsertSeenItem failed: %v", err)
	}
	if err := store.InsertSeenItem("origin-1", 3, "hash-3", 2000); err != nil {
		t.Fatalf("InsertSeenItem failed: %v", err)
	}

	seen, err = store.HasSeenItem("origin-1", 1)
	if err != nil {
		t.Fatalf("HasSeenItem failed: %v", err)
	}
	if !seen {
		t.Fatalf("expected seen item")
	}

	last, err := store.LastSeenSequence("origin-1")
	if err != nil {
		t.Fatalf("LastSeenSequence failed: %v", err)
	}
	if last != 3 {
		t.Fatalf("expected last seen sequence 3, got %d", last)
	}
}

func TestPruneSeenItems(t *testing.T) {
	store := newTestStore(t)

	if err := store.InsertSeenItem("origin-1", 1, "hash-1", 1000); err != nil {
		t.Fatalf("InsertSeenItem failed: %v", err)
	}
	if err := store.InsertSeenItem("origin-1", 2, "hash-2", 5000); err != nil {
		t.Fatalf("InsertSeenItem failed: %v", err)
	}

	pruned, err := store.PruneSeenItems(2000)
	if err != nil {
		t.Fatalf("PruneSeenItems failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned row, got %d", pruned)
	}

	seen, err := store.HasSeenItem("origin-1", 2)
	if err != nil {
		t.Fatalf("HasSeenItem failed: %v", err)
	}
	if !seen {
		t.Fatalf("newer seen item must survive pruning")
	}
}
