// Package ltxn implements the Transaction and TransactionWorker
// runtime: a queue of operations executed under hierarchical 2PL with
// abort-and-retry semantics.
package ltxn

import (
	"sync"

	"github.com/lstoredb/lstore/internal/lerrors"
	"github.com/lstoredb/lstore/internal/llock"
	"github.com/lstoredb/lstore/internal/lquery"
	"github.com/lstoredb/lstore/internal/ltable"
)

// Kind distinguishes an operation's lock mode and locking strategy.
type Kind int

const (
	KindInsert Kind = iota
	KindUpdate
	KindDelete
	KindSelect
	KindSum
)

// Op is one operation queued on a Transaction: the table it targets,
// the primary-key argument locking resolves against (unused for
// Insert/Sum), and the closure that actually runs it.
type Op struct {
	Kind  Kind
	Table *ltable.Table
	Key   int64
	Exec  func(q *lquery.Query) (interface{}, error)
}

var (
	idMu   sync.Mutex
	nextID int

	sharedOnce sync.Once
	shared     *llock.Manager
)

func nextTransactionID() int {
	idMu.Lock()
	defer idMu.Unlock()
	id := nextID
	nextID++
	return id
}

// SharedManager returns the process-wide lock manager Transactions use
// unless built with NewWithManager, lazily constructed on first use.
func SharedManager() *llock.Manager {
	sharedOnce.Do(func() { shared = llock.NewManager() })
	return shared
}

// change is one entry in the rollback log: a row abort() must
// logically delete by re-running delete(key) against table.
type change struct {
	table *ltable.Table
	key   int64
}

// Transaction is a queue of operations executed atomically under 2PL:
// either every operation succeeds and all locks release at commit, or
// any failure triggers abort (rollback of logged inserts/updates, then
// lock release).
type Transaction struct {
	ID          int
	ops         []Op
	changes     []change
	lockManager *llock.Manager
}

// New returns a Transaction using the shared process-wide lock
// manager.
func New() *Transaction {
	return NewWithManager(SharedManager())
}

// NewWithManager returns a Transaction using a caller-supplied lock
// manager (tests build private managers to avoid cross-test
// interference).
func NewWithManager(m *llock.Manager) *Transaction {
	return &Transaction{ID: nextTransactionID(), lockManager: m}
}

// AddInsert queues an insert of columns against table.
func (t *Transaction) AddInsert(table *ltable.Table, columns []int64) {
	t.ops = append(t.ops, Op{
		Kind:  KindInsert,
		Table: table,
		Key:   columns[table.KeyColumn()],
		Exec: func(q *lquery.Query) (interface{}, error) {
			return q.Insert(columns)
		},
	})
}

// AddUpdate queues an update of key's row against table.
func (t *Transaction) AddUpdate(table *ltable.Table, key int64, columns []*int64) {
	t.ops = append(t.ops, Op{
		Kind:  KindUpdate,
		Table: table,
		Key:   key,
		Exec: func(q *lquery.Query) (interface{}, error) {
			return nil, q.Update(key, columns)
		},
	})
}

// AddDelete queues a delete of key's row against table.
func (t *Transaction) AddDelete(table *ltable.Table, key int64) {
	t.ops = append(t.ops, Op{
		Kind:  KindDelete,
		Table: table,
		Key:   key,
		Exec: func(q *lquery.Query) (interface{}, error) {
			return nil, q.Delete(key)
		},
	})
}

// AddSelect queues a select of key's row against table.
func (t *Transaction) AddSelect(table *ltable.Table, key int64, searchColumn int, projection []bool) {
	t.ops = append(t.ops, Op{
		Kind:  KindSelect,
		Table: table,
		Key:   key,
		Exec: func(q *lquery.Query) (interface{}, error) {
			return q.Select(key, searchColumn, projection)
		},
	})
}

// AddSum queues a range sum against table. Sum spans a key range
// rather than one row, so it locks at table granularity only.
func (t *Transaction) AddSum(table *ltable.Table, begin, end int64, aggregateColumn int) {
	t.ops = append(t.ops, Op{
		Kind:  KindSum,
		Table: table,
		Exec: func(q *lquery.Query) (interface{}, error) {
			return q.Sum(begin, end, aggregateColumn)
		},
	})
}

// Ops returns the transaction's queued operations, used by a
// TransactionWorker to build a fresh retry Transaction with the same
// query list.
func (t *Transaction) Ops() []Op { return append([]Op(nil), t.ops...) }

// Run executes every queued operation in order, acquiring locks
// hierarchically before each one. Returns nil on commit; on any
// failure it aborts (rolling back logged inserts/updates and releasing
// locks) and returns the triggering error.
func (t *Transaction) Run() error {
	for _, op := range t.ops {
		if err := t.runOp(op); err != nil {
			t.abort()
			return err
		}
	}
	t.commit()
	return nil
}

func (t *Transaction) runOp(op Op) error {
	switch op.Kind {
	case KindInsert:
		if !t.lockManager.Acquire(t.ID, op.Table.Name(), llock.Exclusive, llock.Table) {
			return lerrors.ErrLockDenied
		}
		result, err := op.Exec(lquery.New(op.Table))
		if err != nil {
			return err
		}
		if rid, ok := result.(string); ok && rid != "" {
			t.changes = append(t.changes, change{table: op.Table, key: op.Key})
		}
		return nil

	case KindSum, KindSelect:
		return t.runLocked(op, llock.Shared)

	default: // KindUpdate, KindDelete
		if err := t.runLocked(op, llock.Exclusive); err != nil {
			return err
		}
		if op.Kind == KindUpdate {
			t.changes = append(t.changes, change{table: op.Table, key: op.Key})
		}
		return nil
	}
}

// runLocked acquires the appropriate lock chain for op and executes
// it. Sum has no single target row, so it locks only at table
// granularity; everything else resolves its primary key to a base rid
// and locks TABLE → PAGE_RANGE → PAGE → RECORD.
func (t *Transaction) runLocked(op Op, mode llock.Mode) error {
	if op.Kind == KindSum {
		if !t.lockManager.Acquire(t.ID, op.Table.Name(), mode, llock.Table) {
			return lerrors.ErrLockDenied
		}
		_, err := op.Exec(lquery.New(op.Table))
		return err
	}

	rids, ok := op.Table.Index.Locate(op.Table.KeyColumn(), op.Key)
	if !ok || len(rids) == 0 {
		return lerrors.ErrNotFound
	}
	rangeIndex, pageIndex, ok := op.Table.LockCoordinatesOf(rids[0])
	if !ok {
		return lerrors.ErrNotFound
	}

	ids := llock.ItemIDs(op.Table.Name(), rangeIndex, pageIndex, rids[0])
	granularities := []llock.Granularity{llock.Table, llock.PageRange, llock.Page, llock.Record}
	for i, id := range ids {
		if !t.lockManager.Acquire(t.ID, id, mode, granularities[i]) {
			return lerrors.ErrLockDenied
		}
	}

	_, err := op.Exec(lquery.New(op.Table))
	return err
}

// abort rolls back every logged insert/update by deleting its row, in
// reverse order, then releases all locks this transaction holds.
func (t *Transaction) abort() {
	for i := len(t.changes) - 1; i >= 0; i-- {
		c := t.changes[i]
		_ = lquery.New(c.table).Delete(c.key)
	}
	t.lockManager.ReleaseAll(t.ID)
}

// commit releases every lock this transaction holds. Queued writes are
// already durable in the buffer pool; they are flushed to disk when
// the owning table closes.
func (t *Transaction) commit() {
	t.lockManager.ReleaseAll(t.ID)
}
