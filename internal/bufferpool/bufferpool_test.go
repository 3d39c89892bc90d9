package bufferpool

import (
	"path/filepath"
	"testing"

	"github.com/lstoredb/lstore/internal/lpage"
	"github.com/lstoredb/lstore/internal/lrecord"
)

func TestGetMissLoadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	pool := New(4, 8)
	path := filepath.Join(dir, "page_0")

	page, err := pool.Add(path, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	page.Append(lrecord.New("b0", "b0", "b0", 1, []int64{1, 2}))
	pool.MarkDirty(path)
	if err := pool.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// A second, empty pool has nothing cached, so its first Get is a miss
	// that must load the flushed page from disk.
	pool2 := New(1, 8)
	if _, err := pool2.Get(path); err != nil {
		t.Fatalf("Get miss: %v", err)
	}
	got, err := pool2.Get(path)
	if err != nil {
		t.Fatalf("Get hit: %v", err)
	}
	if got.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", got.Len())
	}
}

func TestEvictionSafety(t *testing.T) {
	dir := t.TempDir()
	const n = 3
	pool := New(n, 8)

	paths := make([]string, n+2)
	for i := range paths {
		paths[i] = filepath.Join(dir, "page_"+string(rune('0'+i)))
		// Get loads a missing page from disk, so every page must exist there.
		if err := pool.WriteToDisk(paths[i], lpage.New(8)); err != nil {
			t.Fatalf("WriteToDisk %d: %v", i, err)
		}
	}

	// Pin the first two pages by holding their Get result without unpinning.
	for i := 0; i < 2; i++ {
		if _, err := pool.Get(paths[i]); err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
	}
	// Fill remaining capacity.
	if _, err := pool.Get(paths[2]); err != nil {
		t.Fatalf("Get 2: %v", err)
	}
	pool.Unpin(paths[2])

	// Pool is full (3/3) with 2 pinned, 1 unpinned clean. Touching a new
	// path must evict the unpinned one and succeed.
	if _, err := pool.Get(paths[3]); err != nil {
		t.Fatalf("expected eviction to make room, got %v", err)
	}

	// Now every frame is pinned (paths[0], paths[1], paths[3]); a further
	// distinct page must fail with pool-exhausted rather than silently
	// dropping a page.
	if _, err := pool.Get(paths[4]); err == nil {
		t.Fatalf("expected pool exhaustion error")
	}
}

func TestRenamePreservesContents(t *testing.T) {
	dir := t.TempDir()
	pool := New(4, 8)
	oldPath := filepath.Join(dir, "page_0")
	newPath := filepath.Join(dir, "page_0.shadow")

	page, _ := pool.Add(oldPath, nil)
	page.Append(lrecord.New("b0", "b0", "b0", 1, []int64{7}))

	if err := pool.Rename(oldPath, newPath); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	got, err := pool.Get(newPath)
	if err != nil {
		t.Fatalf("Get renamed: %v", err)
	}
	if got.Len() != 1 {
		t.Fatalf("expected contents preserved, got %d records", got.Len())
	}
}
