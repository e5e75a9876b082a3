package catalog

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voices/internal/snapshot"
	"github.com/loqalabs/loqa-voices/internal/voice"
)

func TestWatcherReloadsRewrittenSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "voices.json")
	c := newCache(t, &fakeFetcher{}, snapshot.NewStore(path), nil)
	replaced := make(chan *voice.Catalog, 4)
	c.OnReplace(func(cat *voice.Catalog) { replaced <- cat })

	w, err := NewWatcher(context.Background(), c, path, newLogger())
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	w.Start()
	t.Cleanup(w.Close)

	// Another process writing the same file.
	if err := snapshot.NewStore(path).Write(bobJSON); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	select {
	case cat := <-replaced:
		if !slices.Equal(cat.Names(), []string{"Bob"}) {
			t.Fatalf("unexpected names %v", cat.Names())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot change was not picked up")
	}
}
