package ltxn

import (
	"log"
	"sync"

	"github.com/lstoredb/lstore/internal/lerrors"
)

// maxRetries bounds how many times a TransactionWorker re-runs a
// transaction that keeps failing for a retriable reason (lock denial).
const maxRetries = 1000

var (
	workerIDMu   sync.Mutex
	nextWorkerID int
)

func nextWorkerIDLocked() int {
	workerIDMu.Lock()
	defer workerIDMu.Unlock()
	id := nextWorkerID
	nextWorkerID++
	return id
}

// Worker owns a list of Transactions and runs them sequentially on its
// own goroutine, retrying any that abort for a retriable reason with a
// freshly constructed Transaction carrying the same query list.
type Worker struct {
	ID           int
	transactions []*Transaction
	done         chan struct{}
}

// NewWorker returns a Worker seeded with transactions (copied, so
// later external mutation of the slice has no effect).
func NewWorker(transactions []*Transaction) *Worker {
	return &Worker{
		ID:           nextWorkerIDLocked(),
		transactions: append([]*Transaction(nil), transactions...),
	}
}

// AddTransaction queues one more transaction, must be called before
// Start.
func (w *Worker) AddTransaction(t *Transaction) {
	w.transactions = append(w.transactions, t)
}

// Start begins asynchronous execution on a new goroutine.
func (w *Worker) Start() {
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		w.runAll()
	}()
}

// Join waits for Start's goroutine to finish. A Worker never Started
// returns immediately.
func (w *Worker) Join() {
	if w.done != nil {
		<-w.done
	}
}

func (w *Worker) runAll() {
	for _, txn := range w.transactions {
		w.runWithRetry(txn)
	}
}

func (w *Worker) runWithRetry(txn *Transaction) {
	current := txn
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := current.Run()
		if err == nil {
			return
		}
		if !lerrors.IsRetriable(err) {
			return
		}
		current = retry(current)
	}
	log.Printf("ltxn: worker %d: transaction exhausted %d retries, giving up", w.ID, maxRetries)
}

// retry builds a fresh Transaction sharing the original's lock manager
// and query list, with a new transaction id so it re-enters the
// growing phase from scratch.
func retry(t *Transaction) *Transaction {
	fresh := NewWithManager(t.lockManager)
	fresh.ops = t.Ops()
	return fresh
}
