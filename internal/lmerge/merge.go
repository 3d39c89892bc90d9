// Package lmerge implements the background merge worker: periodic
// reconciliation of committed tail updates into base pages, using a
// shadow-copy-with-atomic-rename protocol so readers never observe a
// half-merged base page. Tail collection walks tail pages newest
// first, skips a base_rid once it has already been applied, and stops
// at the prior TPS watermark.
package lmerge

import (
	"log"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lstoredb/lstore/internal/lpage"
	"github.com/lstoredb/lstore/internal/lrecord"
	"github.com/lstoredb/lstore/internal/ltable"
)

// workingPage is a mutable clone of one base page, created while the
// original stays reachable in the buffer pool under a shadow path, so
// readers that started before the merge began keep seeing a
// self-consistent page. install() swaps the working copy in under the
// canonical path; abandon() restores the original on failure.
type workingPage struct {
	table     *ltable.Table
	canonical string
	shadow    string
	page      *lpage.Page
}

func beginWorkingCopy(table *ltable.Table, path string) (*workingPage, error) {
	original, err := table.Pool.Get(path)
	if err != nil {
		return nil, err
	}
	working := original.Clone()
	shadow := path + ".merging-" + uuid.NewString()
	if err := table.Pool.Rename(path, shadow); err != nil {
		table.Pool.Unpin(path)
		return nil, err
	}
	table.Pool.Unpin(shadow)
	return &workingPage{table: table, canonical: path, shadow: shadow, page: working}, nil
}

func (w *workingPage) install() error {
	if err := w.table.Pool.WriteToDisk(w.canonical, w.page); err != nil {
		return err
	}
	if _, err := w.table.Pool.Add(w.canonical, w.page); err != nil {
		return err
	}
	return nil
}

func (w *workingPage) abandon() {
	_ = w.table.Pool.Rename(w.shadow, w.canonical)
}

// Run executes one merge pass over rangeIndex on table. It is safe to
// call concurrently with writers and with selects; it is not safe to
// call concurrently with itself on the same table (callers serialize
// through table.MergeLock, which Run acquires itself).
func Run(table *ltable.Table, rangeIndex int) error {
	table.MergeLock.Lock()
	defer table.MergeLock.Unlock()

	pr, ok := table.PageRangeOf(rangeIndex)
	if !ok {
		return errors.Errorf("lmerge: no such page range %d", rangeIndex)
	}
	entryTPS := pr.TPS
	commitBoundary := table.TailRIDCounter()

	basePaths := table.BasePagePaths(rangeIndex)
	working := make(map[string]*workingPage, len(basePaths))
	for _, path := range basePaths {
		wp, err := beginWorkingCopy(table, path)
		if err != nil {
			log.Printf("lmerge: table %s range %d: snapshotting %s: %v", table.Name(), rangeIndex, path, err)
			for _, prior := range working {
				prior.abandon()
			}
			return err
		}
		working[path] = wp
	}

	candidates, err := collectTailCandidates(table, rangeIndex, entryTPS, commitBoundary)
	if err != nil {
		log.Printf("lmerge: table %s range %d: collecting tail records: %v", table.Name(), rangeIndex, err)
		for _, wp := range working {
			wp.abandon()
		}
		return err
	}

	applied := map[string]bool{}
	var highestMerged uint64
	var sawAny bool
	for _, rec := range candidates {
		if !sawAny || rec.suffix > highestMerged {
			highestMerged = rec.suffix
		}
		sawAny = true

		if applied[rec.record.BaseRID] {
			continue
		}
		loc, ok := table.Locate(rec.record.BaseRID)
		if !ok {
			continue
		}
		wp, ok := working[loc.Path]
		if !ok {
			continue
		}
		original, err := wp.page.ReadAt(loc.Offset)
		if err != nil {
			continue
		}
		merged := original.Clone()
		merged.Columns = rec.record.Columns
		merged.SchemaEncoding = rec.record.SchemaEncoding
		if err := wp.page.OverwriteAt(loc.Offset, merged); err != nil {
			continue
		}
		applied[rec.record.BaseRID] = true
	}

	for _, wp := range working {
		if err := wp.install(); err != nil {
			log.Printf("lmerge: table %s range %d: installing %s: %v", table.Name(), rangeIndex, wp.canonical, err)
			return err
		}
	}

	if sawAny {
		table.SetPageRangeTPS(rangeIndex, highestMerged)
	} else {
		table.SetPageRangeTPS(rangeIndex, entryTPS)
	}
	table.IncrementMergeCount()
	return nil
}

type tailCandidate struct {
	record *lrecord.Record
	suffix uint64
}

// collectTailCandidates walks rangeIndex's tail pages, newest page
// first, gathering every record whose rid suffix lies strictly between
// entryTPS and commitBoundary, sorted newest-first overall so Run can
// apply at most one update per base_rid.
func collectTailCandidates(table *ltable.Table, rangeIndex int, entryTPS, commitBoundary uint64) ([]tailCandidate, error) {
	tailPaths := table.TailPagePaths(rangeIndex)
	var out []tailCandidate

	for i := len(tailPaths) - 1; i >= 0; i-- {
		path := tailPaths[i]
		page, err := table.Pool.Get(path)
		if err != nil {
			return nil, errors.Wrapf(err, "lmerge: reading tail page %s", path)
		}
		records := page.ReadAll()
		stop := false
		for j := len(records) - 1; j >= 0; j-- {
			rec := records[j]
			suffix, err := ltable.RIDSuffix(rec.RID)
			if err != nil {
				continue
			}
			if suffix <= entryTPS {
				stop = true
				break
			}
			if suffix >= commitBoundary {
				continue
			}
			out = append(out, tailCandidate{record: rec, suffix: suffix})
		}
		table.Pool.Unpin(path)
		if stop {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].suffix > out[j].suffix })
	return out, nil
}
