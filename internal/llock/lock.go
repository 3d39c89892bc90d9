// Package llock implements the hierarchical two-phase lock manager:
// non-blocking SHARED/EXCLUSIVE acquisition over TABLE ⊃ PAGE_RANGE ⊃
// PAGE ⊃ RECORD granularities.
package llock

import (
	"strconv"
	"strings"
	"sync"
)

// Mode is a lock's access mode.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// Granularity is a level in the lock hierarchy. Larger values are
// finer-grained (closer to a single record).
type Granularity int

const (
	Table Granularity = iota
	PageRange
	Page
	Record
)

// itemLock is the lock state for one item id, regardless of its
// granularity: a set of shared holders, or a single exclusive holder.
type itemLock struct {
	readers map[int]bool
	writer  int // noWriter means "no writer"
}

const noWriter = -1

// heldLock is one entry in a transaction's acquisition log, kept in
// acquisition order so locks release in reverse order.
type heldLock struct {
	itemID      string
	granularity Granularity
	mode        Mode
}

// Manager is the process-wide, shared 2PL instance. It is lazily
// constructed by callers (see ltxn.SharedManager); nothing here
// enforces singleton-ness itself — callers own that decision.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*itemLock

	txnMu     sync.Mutex
	held      map[int][]heldLock
	shrinking map[int]bool
}

// NewManager returns an empty lock manager.
func NewManager() *Manager {
	return &Manager{
		locks:     make(map[string]*itemLock),
		held:      make(map[int][]heldLock),
		shrinking: make(map[int]bool),
	}
}

// Acquire attempts to grant txnID a lock of mode on itemID at
// granularity. It never blocks: a denial returns false immediately,
// and the caller is expected to abort and retry from scratch.
// Acquiring after this transaction has released any lock (shrinking
// phase) is always denied.
func (m *Manager) Acquire(txnID int, itemID string, mode Mode, granularity Granularity) bool {
	m.txnMu.Lock()
	if m.shrinking[txnID] {
		m.txnMu.Unlock()
		return false
	}
	m.txnMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if granularity != Table {
		for _, ancestor := range ancestors(itemID) {
			if lock, ok := m.locks[ancestor]; ok && lock.writer != noWriter && lock.writer != txnID {
				return false
			}
		}
	}

	lock, ok := m.locks[itemID]
	if !ok {
		lock = &itemLock{readers: make(map[int]bool), writer: noWriter}
		m.locks[itemID] = lock
	}

	switch mode {
	case Shared:
		if lock.writer != noWriter && lock.writer != txnID {
			return false
		}
		lock.readers[txnID] = true
	case Exclusive:
		if lock.writer != noWriter && lock.writer != txnID {
			return false
		}
		for reader := range lock.readers {
			if reader != txnID {
				return false
			}
		}
		lock.writer = txnID
		delete(lock.readers, txnID)
	}

	m.txnMu.Lock()
	m.held[txnID] = append(m.held[txnID], heldLock{itemID: itemID, granularity: granularity, mode: mode})
	m.txnMu.Unlock()
	return true
}

// Release drops every lock txnID holds on itemID, across whichever
// granularity it was acquired at, and transitions txnID into the
// shrinking phase (its first release denies any further Acquire).
// Releasing an item txnID never held is silently a no-op.
func (m *Manager) Release(txnID int, itemID string) {
	m.mu.Lock()
	if lock, ok := m.locks[itemID]; ok {
		delete(lock.readers, txnID)
		if lock.writer == txnID {
			lock.writer = noWriter
		}
		if len(lock.readers) == 0 && lock.writer == noWriter {
			delete(m.locks, itemID)
		}
	}
	m.mu.Unlock()

	m.txnMu.Lock()
	m.shrinking[txnID] = true
	m.txnMu.Unlock()
}

// ReleaseAll releases every lock txnID currently holds, in reverse
// acquisition order, matching Transaction.commit/abort's "release in
// reverse order of acquisition" discipline.
func (m *Manager) ReleaseAll(txnID int) {
	m.txnMu.Lock()
	log := m.held[txnID]
	delete(m.held, txnID)
	delete(m.shrinking, txnID)
	m.txnMu.Unlock()

	for i := len(log) - 1; i >= 0; i-- {
		m.Release(txnID, log[i].itemID)
	}
}

// ancestors returns itemID's proper ancestors in the "/"-separated
// hierarchical naming scheme, nearest first (e.g. "t/r0/p1/b3" yields
// ["t/r0/p1", "t/r0", "t"]).
func ancestors(itemID string) []string {
	parts := strings.Split(itemID, "/")
	var out []string
	for i := len(parts) - 1; i > 0; i-- {
		out = append(out, strings.Join(parts[:i], "/"))
	}
	return out
}

// ItemIDs builds the four hierarchical lock identifiers for a record at
// the given page range and page index within table tableName, in
// TABLE → PAGE_RANGE → PAGE → RECORD order.
func ItemIDs(tableName string, rangeIndex, pageIndex int, rid string) []string {
	table := tableName
	pageRange := table + "/" + strconv.Itoa(rangeIndex)
	page := pageRange + "/" + strconv.Itoa(pageIndex)
	record := page + "/" + rid
	return []string{table, pageRange, page, record}
}
