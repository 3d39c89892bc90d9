package lstore

import (
	"testing"

	"github.com/lstoredb/lstore/internal/lconfig"
	"github.com/lstoredb/lstore/internal/llock"
	"github.com/lstoredb/lstore/internal/lmerge"
	"github.com/lstoredb/lstore/internal/lquery"
	"github.com/lstoredb/lstore/internal/ltxn"
)

func smallConfig() lconfig.Config {
	cfg := lconfig.DefaultConfig()
	cfg.PageRecordSize = 4
	cfg.PageRangeSize = 2
	cfg.PoolSize = 64
	cfg.MergeThresh = 1 << 30
	return cfg
}

func mask(n int) []bool {
	m := make([]bool, n)
	for i := range m {
		m[i] = true
	}
	return m
}

// Scenario A: single-column update.
func TestScenarioSingleColumnUpdate(t *testing.T) {
	db, err := Open(t.TempDir(), smallConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	tbl, err := db.CreateTable("grades", 3, 0)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	q := lquery.New(tbl)

	rid, err := q.Insert([]int64{50, 2, 3})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if rid != "b0" {
		t.Fatalf("expected rid b0, got %s", rid)
	}

	newVal := int64(10)
	if err := q.Update(50, []*int64{nil, nil, &newVal}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	rows, err := q.Select(50, 0, mask(3))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	got := []int64{rows[0].Int64Or(0, -1), rows[0].Int64Or(1, -1), rows[0].Int64Or(2, -1)}
	want := []int64{50, 2, 10}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("column %d: got %d want %d", i, got[i], want[i])
		}
	}
}

// Scenario B: delete visibility.
func TestScenarioDeleteVisibility(t *testing.T) {
	db, err := Open(t.TempDir(), smallConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	tbl, _ := db.CreateTable("grades", 3, 0)
	q := lquery.New(tbl)

	if _, err := q.Insert([]int64{50, 2, 3}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := q.Delete(50); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	rows, err := q.Select(50, 0, mask(3))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !rows[0].IsDeletionMarker() {
		t.Fatalf("expected deletion marker, got %v", rows[0])
	}
}

// Scenario C: range aggregate.
func TestScenarioRangeAggregate(t *testing.T) {
	db, err := Open(t.TempDir(), smallConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	tbl, _ := db.CreateTable("grades", 3, 0)
	q := lquery.New(tbl)

	for _, row := range [][]int64{{50, 2, 3}, {51, 4, 6}, {20, 3, 4}} {
		if _, err := q.Insert(row); err != nil {
			t.Fatalf("Insert(%v): %v", row, err)
		}
	}

	sum, err := q.Sum(0, 60, 1)
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if sum != 9 {
		t.Fatalf("expected sum 9, got %d", sum)
	}
}

// Scenario D: versioned read.
func TestScenarioVersionedRead(t *testing.T) {
	db, err := Open(t.TempDir(), smallConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	tbl, _ := db.CreateTable("grades", 3, 0)
	q := lquery.New(tbl)

	if _, err := q.Insert([]int64{50, 2, 3}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v7 := int64(7)
	if err := q.Update(50, []*int64{nil, nil, &v7}); err != nil {
		t.Fatalf("Update 1: %v", err)
	}
	v9 := int64(9)
	if err := q.Update(50, []*int64{nil, nil, &v9}); err != nil {
		t.Fatalf("Update 2: %v", err)
	}

	rows, err := q.SelectVersion(50, 0, mask(3), -1)
	if err != nil {
		t.Fatalf("SelectVersion: %v", err)
	}
	got := []int64{rows[0].Int64Or(0, -1), rows[0].Int64Or(1, -1), rows[0].Int64Or(2, -1)}
	want := []int64{50, 2, 7}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("column %d: got %d want %d", i, got[i], want[i])
		}
	}
}

// Scenario E: merge triggers.
func TestScenarioMergeTriggers(t *testing.T) {
	cfg := smallConfig()
	cfg.MergeThresh = 3
	dir := t.TempDir()
	db, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	tbl, _ := db.CreateTable("grades", 2, 0)
	q := lquery.New(tbl)

	for key := int64(0); key < 6; key++ {
		if _, err := q.Insert([]int64{key, key}); err != nil {
			t.Fatalf("Insert(%d): %v", key, err)
		}
	}

	before, err := q.Select(0, 0, mask(2))
	if err != nil {
		t.Fatalf("Select before updates: %v", err)
	}

	for v := int64(1); v <= 3; v++ {
		val := v
		if err := q.Update(0, []*int64{nil, &val}); err != nil {
			t.Fatalf("Update %d: %v", v, err)
		}
	}

	// The table's merge trigger fires a background merge asynchronously
	// (internal/lmerge.Scheduler.Trigger), so run the merge directly here
	// for a deterministic assertion on TPS instead of racing that goroutine.
	if err := lmerge.Run(tbl, 0); err != nil {
		t.Fatalf("lmerge.Run: %v", err)
	}

	pr, ok := tbl.PageRangeOf(0)
	if !ok {
		t.Fatalf("expected page range 0 to exist")
	}
	if pr.TPS == 0 {
		t.Fatalf("expected merge to have advanced TPS, got 0")
	}

	after, err := q.Select(0, 0, mask(2))
	if err != nil {
		t.Fatalf("Select after merge: %v", err)
	}
	if after[0].Int64Or(1, -1) != 3 {
		t.Fatalf("expected latest value 3 after merge, got %d", after[0].Int64Or(1, -1))
	}
	_ = before
}

// Scenario F: concurrent contention.
func TestScenarioConcurrentContention(t *testing.T) {
	db, err := Open(t.TempDir(), smallConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	tbl, _ := db.CreateTable("grades", 3, 0)
	q := lquery.New(tbl)
	if _, err := q.Insert([]int64{3006, 1, 1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	mgr := llock.NewManager()

	v100 := int64(100)
	txnA := ltxn.NewWithManager(mgr)
	txnA.AddUpdate(tbl, 3006, []*int64{nil, &v100, nil})

	v200 := int64(200)
	txnB := ltxn.NewWithManager(mgr)
	txnB.AddUpdate(tbl, 3006, []*int64{nil, nil, &v200})

	w := ltxn.NewWorker([]*ltxn.Transaction{txnA, txnB})
	w.Start()
	w.Join()

	rows, err := q.Select(3006, 0, mask(3))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if rows[0].Int64Or(1, -1) != 100 || rows[0].Int64Or(2, -1) != 200 {
		t.Fatalf("expected both updates to have landed, got %v", rows[0])
	}
}

// Scenario covering DB-level table lifecycle: close and reopen.
func TestDatabaseCloseAndReopenRestoresTables(t *testing.T) {
	dir := t.TempDir()
	cfg := smallConfig()

	db, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tbl, _ := db.CreateTable("grades", 2, 0)
	q := lquery.New(tbl)
	if _, err := q.Insert([]int64{1, 2}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}
	defer reopened.Close()

	tbl2, ok := reopened.GetTable("grades")
	if !ok {
		t.Fatalf("expected grades table to reopen")
	}
	got, err := tbl2.ReadRecord("b0")
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if got.Int64Or(1, -1) != 2 {
		t.Fatalf("expected column 1 = 2 after reopen, got %d", got.Int64Or(1, -1))
	}
}
