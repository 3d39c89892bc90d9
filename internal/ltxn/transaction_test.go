package ltxn

import (
	"testing"

	"github.com/lstoredb/lstore/internal/lconfig"
	"github.com/lstoredb/lstore/internal/llock"
	"github.com/lstoredb/lstore/internal/lquery"
	"github.com/lstoredb/lstore/internal/ltable"
)

func newTestTable(t *testing.T) *ltable.Table {
	t.Helper()
	cfg := lconfig.DefaultConfig()
	cfg.PageRecordSize = 8
	cfg.PageRangeSize = 4
	cfg.PoolSize = 64
	cfg.MergeThresh = 1 << 30
	tbl, err := ltable.Create(t.TempDir(), "grades", 2, 0, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tbl
}

func TestInsertTransactionCommits(t *testing.T) {
	tbl := newTestTable(t)
	mgr := llock.NewManager()

	txn := NewWithManager(mgr)
	txn.AddInsert(tbl, []int64{1, 100})

	if err := txn.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok := tbl.Index.Locate(0, 1); !ok {
		t.Fatalf("expected inserted row to be indexed")
	}
}

func TestInsertUpdateSelectSequenceInOneTransaction(t *testing.T) {
	tbl := newTestTable(t)
	mgr := llock.NewManager()

	txn := NewWithManager(mgr)
	txn.AddInsert(tbl, []int64{1, 100})
	newVal := int64(200)
	txn.AddUpdate(tbl, 1, []*int64{nil, &newVal})
	txn.AddSelect(tbl, 1, 0, []bool{true, true})

	if err := txn.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestAbortRollsBackInsert(t *testing.T) {
	tbl := newTestTable(t)
	mgr := llock.NewManager()

	txn := NewWithManager(mgr)
	txn.AddInsert(tbl, []int64{1, 100})
	// Updating a key that doesn't exist yet forces a NotFound failure,
	// triggering abort of this transaction's own insert.
	bogus := int64(1)
	txn.AddUpdate(tbl, 999, []*int64{nil, &bogus})

	if err := txn.Run(); err == nil {
		t.Fatalf("expected Run to fail")
	}

	// Rollback is a logical delete: the key stays indexed, but its latest
	// version is a tombstone.
	rows, err := lquery.New(tbl).Select(1, 0, []bool{true, true})
	if err != nil || !rows[0].IsDeletionMarker() {
		t.Fatalf("expected inserted row to be rolled back after abort, got %v (err=%v)", rows, err)
	}
}

func TestLockDenialAbortsTransaction(t *testing.T) {
	tbl := newTestTable(t)
	mgr := llock.NewManager()

	if err := NewWithManager(mgr).Run(); err != nil {
		t.Fatalf("warm-up Run: %v", err)
	}

	// Hold the table lock exclusively from another transaction so the
	// next transaction's insert is denied.
	blocker := 777
	if !mgr.Acquire(blocker, tbl.Name(), llock.Exclusive, llock.Table) {
		t.Fatalf("expected blocker to acquire table lock")
	}

	txn := NewWithManager(mgr)
	txn.AddInsert(tbl, []int64{5, 50})
	if err := txn.Run(); err == nil {
		t.Fatalf("expected Run to fail due to lock denial")
	}
}

func TestWorkerRunsTransactionsSequentially(t *testing.T) {
	tbl := newTestTable(t)
	mgr := llock.NewManager()

	var txns []*Transaction
	for key := int64(0); key < 5; key++ {
		txn := NewWithManager(mgr)
		txn.AddInsert(tbl, []int64{key, key * 10})
		txns = append(txns, txn)
	}

	w := NewWorker(txns)
	w.Start()
	w.Join()

	for key := int64(0); key < 5; key++ {
		if _, ok := tbl.Index.Locate(0, key); !ok {
			t.Fatalf("expected key %d to be inserted", key)
		}
	}
}
