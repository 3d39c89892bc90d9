// Package lindex implements the per-table collection of per-column
// B+-trees plus the primary-key fast path (a hash cache and a sorted
// list): a staging insert cache flushed in batches, and a
// sort-maintained side structure for the primary-key column, with a
// rid *set* payload per key so duplicate-free multi-match lookups
// don't need string splitting.
package lindex

import (
	"sort"
	"sync"

	"github.com/lstoredb/lstore/internal/lrecord"
)

const (
	defaultOrder              = 75
	defaultUnsortedThreshold  = 1000
	defaultInsertCacheFlushAt = 50000
	batchSize                 = 5000
)

// pkEntry is one row of the primary-key sorted side structure.
type pkEntry struct {
	key int64
	rid string
}

// Index owns one btree per column plus the primary-key (column 0) fast
// path. It holds only the table's column count, never the table
// itself, so Table and Index can reference each other without an
// import cycle.
type Index struct {
	mu         sync.Mutex
	numColumns int
	trees      []*btree

	unsortedCache [][]kv // per column, append-only until flush

	primaryKeyCache map[int64]string
	sortedRecords   []pkEntry // sorted ascending by key
}

// New builds an Index for a table with numColumns columns, creating one
// B+-tree per column.
func New(numColumns int) *Index {
	idx := &Index{
		numColumns:      numColumns,
		trees:           make([]*btree, numColumns),
		unsortedCache:   make([][]kv, numColumns),
		primaryKeyCache: make(map[int64]string),
	}
	for c := 0; c < numColumns; c++ {
		idx.CreateIndex(c)
	}
	return idx
}

// CreateIndex (re)creates the B+-tree for column.
func (idx *Index) CreateIndex(column int) bool {
	if column < 0 || column >= idx.numColumns {
		return false
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.trees[column] = newBTree(defaultOrder)
	idx.unsortedCache[column] = nil
	return true
}

// DropIndex removes the B+-tree for column, leaving point/range lookups
// on that column unavailable until CreateIndex is called again.
func (idx *Index) DropIndex(column int) bool {
	if column < 0 || column >= idx.numColumns {
		return false
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.trees[column] = nil
	idx.unsortedCache[column] = nil
	return true
}

// AddRecord stages rec's column values into every column's cache and,
// for the primary key, into the hash cache and sorted list immediately
// (those two structures are always kept current; they're the fast
// path precisely because they never wait on a flush).
func (idx *Index) AddRecord(rec *lrecord.Record) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(rec.Columns) > 0 && rec.Columns[0] != nil {
		key := *rec.Columns[0]
		idx.primaryKeyCache[key] = rec.RID
		idx.insertSortedLocked(key, rec.RID)
	}

	for col, v := range rec.Columns {
		if v == nil {
			continue
		}
		idx.unsortedCache[col] = append(idx.unsortedCache[col], kv{key: *v, rid: rec.RID})
		if len(idx.unsortedCache[col]) >= defaultInsertCacheFlushAt {
			idx.flushColumnLocked(col)
		}
	}
}

func (idx *Index) insertSortedLocked(key int64, rid string) {
	i := sort.Search(len(idx.sortedRecords), func(i int) bool { return idx.sortedRecords[i].key >= key })
	idx.sortedRecords = append(idx.sortedRecords, pkEntry{})
	copy(idx.sortedRecords[i+1:], idx.sortedRecords[i:])
	idx.sortedRecords[i] = pkEntry{key: key, rid: rid}
}

// FlushCache flushes every column's staging cache into its B+-tree.
func (idx *Index) FlushCache() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for c := 0; c < idx.numColumns; c++ {
		idx.flushColumnLocked(c)
	}
}

func (idx *Index) flushColumnLocked(col int) {
	pending := idx.unsortedCache[col]
	if len(pending) == 0 {
		return
	}
	idx.unsortedCache[col] = nil

	tree := idx.trees[col]
	if tree == nil {
		return
	}

	// Below the threshold, sorting and batch-inserting cost more than
	// just walking the tree one key at a time.
	if len(pending) < defaultUnsortedThreshold {
		for _, p := range pending {
			tree.Put(p.key, p.rid)
		}
		return
	}

	sort.SliceStable(pending, func(i, j int) bool { return pending[i].key < pending[j].key })
	for i := 0; i < len(pending); i += batchSize {
		end := i + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[i:end]
		if !tree.BatchInsert(batch) {
			for _, p := range batch {
				tree.Put(p.key, p.rid)
			}
		}
	}
}

// Locate returns the rid set whose column value equals value, or
// (nil, false) on a miss.
func (idx *Index) Locate(column int, value int64) ([]string, bool) {
	idx.mu.Lock()
	if column == 0 {
		if rid, ok := idx.primaryKeyCache[value]; ok {
			idx.mu.Unlock()
			return []string{rid}, true
		}
	}
	idx.flushColumnLocked(column)
	tree := idx.trees[column]
	idx.mu.Unlock()

	if tree == nil {
		return nil, false
	}
	rids := tree.Get(value)
	if rids == nil {
		return nil, false
	}
	return rids, true
}

// LocateRange returns every (key, rid-set) pair with begin <= key <=
// end on column, inclusive on both ends. Column 0 is served from the
// sorted-records side structure, the fast path range aggregates over
// the primary key take.
func (idx *Index) LocateRange(begin, end int64, column int) (map[int64][]string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if column == 0 {
		result := map[int64][]string{}
		lo := sort.Search(len(idx.sortedRecords), func(i int) bool { return idx.sortedRecords[i].key >= begin })
		for i := lo; i < len(idx.sortedRecords) && idx.sortedRecords[i].key <= end; i++ {
			e := idx.sortedRecords[i]
			result[e.key] = appendRID(result[e.key], e.rid)
		}
		if len(result) == 0 {
			return nil, false
		}
		return result, true
	}

	idx.flushColumnLocked(column)
	tree := idx.trees[column]
	if tree == nil {
		return nil, false
	}
	rng := tree.Range(begin, end)
	if len(rng) == 0 {
		return nil, false
	}
	return rng, true
}

// Refresh rebuilds every index structure from scratch given the full
// set of current base records, used when a table is reopened and its
// index snapshot cannot be loaded.
func (idx *Index) Refresh(baseRecords []*lrecord.Record) {
	idx.mu.Lock()
	idx.primaryKeyCache = make(map[int64]string)
	idx.sortedRecords = nil
	for c := 0; c < idx.numColumns; c++ {
		idx.trees[c] = newBTree(defaultOrder)
		idx.unsortedCache[c] = nil
	}
	idx.mu.Unlock()

	for _, rec := range baseRecords {
		idx.AddRecord(rec)
	}
	idx.FlushCache()
}
