package lindex

import (
	"bytes"
	"encoding/gob"
	"os"

	"github.com/pkg/errors"
)

// snapshot is the on-disk form of one Index: the primary-key side
// structures plus every column's flushed leaf contents, GOB-encoded.
// All columns go into one file (ltable writes it as <table>_index.gob
// in the table's directory on Close); ltable.Open loads that file and
// rebuilds via Refresh from the page directory only when it cannot be
// read. snapshotEntry and snapshotColumn use exported
// fields because gob silently drops unexported ones; pkEntry/kv stay
// unexported internally since nothing outside the package touches
// them.
type snapshotEntry struct {
	Key int64
	Rid string
}

type snapshotColumn struct {
	Key  int64
	Rids []string
}

type snapshot struct {
	PrimaryKeyCache map[int64]string
	SortedRecords   []snapshotEntry
	Columns         [][]snapshotColumn
}

// Dump serializes the index's current structures to path.
func (idx *Index) Dump(path string) error {
	idx.mu.Lock()
	for c := 0; c < idx.numColumns; c++ {
		idx.flushColumnLocked(c)
	}
	snap := snapshot{
		PrimaryKeyCache: idx.primaryKeyCache,
		Columns:         make([][]snapshotColumn, idx.numColumns),
	}
	for _, e := range idx.sortedRecords {
		snap.SortedRecords = append(snap.SortedRecords, snapshotEntry{Key: e.key, Rid: e.rid})
	}
	for c, tree := range idx.trees {
		if tree == nil {
			continue
		}
		for _, it := range tree.Items() {
			snap.Columns[c] = append(snap.Columns[c], snapshotColumn{Key: it.key, Rids: it.rids})
		}
	}
	idx.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return errors.Wrap(err, "lindex: encoding snapshot")
	}
	return errors.Wrap(os.WriteFile(path, buf.Bytes(), 0o644), "lindex: writing snapshot")
}

// Load restores an Index previously written by Dump.
func Load(path string, numColumns int) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "lindex: reading snapshot")
	}
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, errors.Wrap(err, "lindex: decoding snapshot")
	}

	idx := New(numColumns)
	idx.primaryKeyCache = snap.PrimaryKeyCache
	for _, e := range snap.SortedRecords {
		idx.sortedRecords = append(idx.sortedRecords, pkEntry{key: e.Key, rid: e.Rid})
	}
	for c, items := range snap.Columns {
		if c >= len(idx.trees) {
			break
		}
		tree := newBTree(defaultOrder)
		for _, it := range items {
			for _, rid := range it.Rids {
				tree.Put(it.Key, rid)
			}
		}
		idx.trees[c] = tree
	}
	return idx, nil
}
