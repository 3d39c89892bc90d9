package llock

import "testing"

func TestSharedLocksCoexist(t *testing.T) {
	m := NewManager()
	if !m.Acquire(1, "t/0/0/b1", Shared, Record) {
		t.Fatalf("txn 1 should acquire shared lock")
	}
	if !m.Acquire(2, "t/0/0/b1", Shared, Record) {
		t.Fatalf("txn 2 should acquire shared lock alongside txn 1")
	}
}

func TestExclusiveExcludesOthers(t *testing.T) {
	m := NewManager()
	if !m.Acquire(1, "t/0/0/b1", Exclusive, Record) {
		t.Fatalf("txn 1 should acquire exclusive lock")
	}
	if m.Acquire(2, "t/0/0/b1", Shared, Record) {
		t.Fatalf("txn 2 should be denied a shared lock while txn 1 holds exclusive")
	}
	if m.Acquire(2, "t/0/0/b1", Exclusive, Record) {
		t.Fatalf("txn 2 should be denied an exclusive lock while txn 1 holds exclusive")
	}
}

func TestSharedUpgradesToExclusiveWhenSoleReader(t *testing.T) {
	m := NewManager()
	if !m.Acquire(1, "t/0/0/b1", Shared, Record) {
		t.Fatalf("txn 1 should acquire shared lock")
	}
	if !m.Acquire(1, "t/0/0/b1", Exclusive, Record) {
		t.Fatalf("sole reader should be able to upgrade to exclusive")
	}
}

func TestSharedUpgradeDeniedWithOtherReaders(t *testing.T) {
	m := NewManager()
	if !m.Acquire(1, "t/0/0/b1", Shared, Record) {
		t.Fatalf("txn 1 should acquire shared lock")
	}
	if !m.Acquire(2, "t/0/0/b1", Shared, Record) {
		t.Fatalf("txn 2 should acquire shared lock")
	}
	if m.Acquire(1, "t/0/0/b1", Exclusive, Record) {
		t.Fatalf("txn 1 should be denied upgrade while txn 2 also holds a shared lock")
	}
}

func TestAncestorConflictDeniesDescendantLock(t *testing.T) {
	m := NewManager()
	if !m.Acquire(1, "t", Exclusive, Table) {
		t.Fatalf("txn 1 should acquire table-level exclusive lock")
	}
	if m.Acquire(2, "t/0/0/b1", Shared, Record) {
		t.Fatalf("txn 2 should be denied a record lock while txn 1 holds the table exclusively")
	}
}

func TestAncestorConflictIgnoresOwnTransaction(t *testing.T) {
	m := NewManager()
	if !m.Acquire(1, "t", Exclusive, Table) {
		t.Fatalf("txn 1 should acquire table-level exclusive lock")
	}
	if !m.Acquire(1, "t/0/0/b1", Shared, Record) {
		t.Fatalf("txn 1 should be able to descend into its own table-level exclusive lock")
	}
}

func TestReleaseEntersShrinkingPhase(t *testing.T) {
	m := NewManager()
	if !m.Acquire(1, "t/0/0/b1", Shared, Record) {
		t.Fatalf("txn 1 should acquire shared lock")
	}
	if !m.Acquire(1, "t/0/0/b2", Shared, Record) {
		t.Fatalf("txn 1 should acquire a second shared lock")
	}
	m.Release(1, "t/0/0/b1")
	if m.Acquire(1, "t/0/0/b3", Shared, Record) {
		t.Fatalf("acquiring after a release (shrinking phase) must be denied")
	}
}

func TestReleaseAllReleasesEveryLock(t *testing.T) {
	m := NewManager()
	m.Acquire(1, "t", Shared, Table)
	m.Acquire(1, "t/0", Shared, PageRange)
	m.Acquire(1, "t/0/0", Shared, Page)

	m.ReleaseAll(1)

	if !m.Acquire(2, "t", Exclusive, Table) {
		t.Fatalf("expected all of txn 1's locks released, txn 2 should acquire table exclusively")
	}
}

func TestReleaseOfUnheldItemIsNoop(t *testing.T) {
	m := NewManager()
	m.Release(1, "t/0/0/b1")
	if !m.Acquire(2, "t/0/0/b1", Exclusive, Record) {
		t.Fatalf("releasing an unheld item should not interfere with other transactions")
	}
}

func TestItemIDsHierarchy(t *testing.T) {
	ids := ItemIDs("grades", 3, 7, "b42")
	want := []string{"grades", "grades/3", "grades/3/7", "grades/3/7/b42"}
	for i, id := range want {
		if ids[i] != id {
			t.Fatalf("ItemIDs[%d] = %q, want %q", i, ids[i], id)
		}
	}
}
