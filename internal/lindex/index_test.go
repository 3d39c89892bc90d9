package lindex

import (
	"path/filepath"
	"testing"

	"github.com/lstoredb/lstore/internal/lrecord"
)

func TestLocatePrimaryKeyFastPath(t *testing.T) {
	idx := New(3)
	idx.AddRecord(lrecord.New("b0", "b0", "b0", 1, []int64{50, 2, 3}))
	idx.AddRecord(lrecord.New("b1", "b1", "b1", 2, []int64{51, 4, 6}))

	rids, ok := idx.Locate(0, 50)
	if !ok || len(rids) != 1 || rids[0] != "b0" {
		t.Fatalf("Locate(0,50) = %v, %v", rids, ok)
	}
	if _, ok := idx.Locate(0, 999); ok {
		t.Fatalf("expected miss for absent key")
	}
}

func TestLocateRangeOverPrimaryKey(t *testing.T) {
	idx := New(3)
	idx.AddRecord(lrecord.New("b0", "b0", "b0", 1, []int64{50, 2, 3}))
	idx.AddRecord(lrecord.New("b1", "b1", "b1", 2, []int64{51, 4, 6}))
	idx.AddRecord(lrecord.New("b2", "b2", "b2", 3, []int64{20, 3, 4}))

	result, ok := idx.LocateRange(0, 60, 0)
	if !ok || len(result) != 3 {
		t.Fatalf("expected 3 matches, got %v ok=%v", result, ok)
	}
}

func TestLocateSecondaryColumnAfterFlush(t *testing.T) {
	idx := New(2)
	for i := int64(0); i < 10; i++ {
		idx.AddRecord(lrecord.New("b", "b"+string(rune('0'+i)), "b"+string(rune('0'+i)), i, []int64{i, 7}))
	}
	rids, ok := idx.Locate(1, 7)
	if !ok || len(rids) != 10 {
		t.Fatalf("expected 10 rids sharing value 7, got %v (ok=%v)", rids, ok)
	}
}

func TestDumpLoadRoundTrip(t *testing.T) {
	idx := New(2)
	idx.AddRecord(lrecord.New("b0", "b0", "b0", 1, []int64{5, 9}))
	idx.AddRecord(lrecord.New("b1", "b1", "b1", 2, []int64{6, 9}))

	path := filepath.Join(t.TempDir(), "idx.gob")
	if err := idx.Dump(path); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	loaded, err := Load(path, 2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rids, ok := loaded.Locate(0, 5)
	if !ok || rids[0] != "b0" {
		t.Fatalf("round trip lost primary key cache: %v", rids)
	}
	rids, ok = loaded.Locate(1, 9)
	if !ok || len(rids) != 2 {
		t.Fatalf("round trip lost column tree: %v", rids)
	}
}
