package storage

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/tzabx/clipberry/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func newSignedItem(t *testing.T, origin string, sequence uint64, text string) models.ClipboardItem {
	t.Helper()

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	item, err := models.NewItem(origin, sequence, models.ClipboardContent{
		Type: models.ContentTypeText,
		Data: []byte(text),
	}, privateKey)
	if err != nil {
		t.Fatalf("build item: %v", err)
	}
	return item
}
