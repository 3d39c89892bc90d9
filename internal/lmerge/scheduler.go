package lmerge

import (
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lstoredb/lstore/internal/ltable"
)

// Scheduler owns the per-table merge goroutines: Trigger kicks off an
// immediate merge for one page range (wired as a table's MergeTrigger),
// and a cron-driven janitor sweep backstops any page range whose
// threshold crossing never got picked up.
type Scheduler struct {
	mu      sync.Mutex
	tables  map[string]*ltable.Table
	cron    *cron.Cron
	entryID cron.EntryID
}

// NewScheduler builds a Scheduler with its janitor sweep on the given
// cron expression (seconds-resolution, e.g. "0 * * * * *" for once a
// minute); pass "" to accept the once-a-minute default.
func NewScheduler(expr string) *Scheduler {
	if expr == "" {
		expr = "0 * * * * *"
	}
	loc, _ := time.LoadLocation("UTC")
	s := &Scheduler{
		tables: make(map[string]*ltable.Table),
		cron:   cron.New(cron.WithLocation(loc), cron.WithSeconds()),
	}
	id, err := s.cron.AddFunc(expr, s.sweep)
	if err != nil {
		log.Printf("lmerge: invalid janitor schedule %q: %v", expr, err)
	}
	s.entryID = id
	return s
}

// Watch registers table so the janitor sweep considers its page
// ranges, and wires table's merge trigger to this Scheduler.
func (s *Scheduler) Watch(table *ltable.Table) {
	s.mu.Lock()
	s.tables[table.Name()] = table
	s.mu.Unlock()
	table.SetMergeTrigger(func(rangeIndex int) { s.Trigger(table, rangeIndex) })
}

// Unwatch stops the janitor from considering table, called from
// Database.DropTable.
func (s *Scheduler) Unwatch(table *ltable.Table) {
	s.mu.Lock()
	delete(s.tables, table.Name())
	s.mu.Unlock()
}

// Start begins the cron janitor loop.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron janitor loop, waiting for any in-flight sweep.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// Trigger runs a merge for one page range on its own goroutine. Merge
// calls are themselves serialized per table by Table.MergeLock, so a
// second Trigger for the same range while one is in flight simply
// blocks on that mutex rather than racing it.
func (s *Scheduler) Trigger(table *ltable.Table, rangeIndex int) {
	go func() {
		if err := Run(table, rangeIndex); err != nil {
			log.Printf("lmerge: table %s range %d: %v", table.Name(), rangeIndex, err)
		}
	}()
}

// sweep is the janitor: for every watched table and page range whose
// unmerged-updates counter has crossed the table's configured
// threshold, kick off a merge. This is a defensive backstop for
// threshold crossings that, for whatever reason, never got a Trigger
// call scheduled — Run's own MergeLock makes a redundant sweep safe.
func (s *Scheduler) sweep() {
	s.mu.Lock()
	tables := make([]*ltable.Table, 0, len(s.tables))
	for _, t := range s.tables {
		tables = append(tables, t)
	}
	s.mu.Unlock()

	for _, table := range tables {
		cfg := table.Config()
		for i := 0; i < table.PageRangeCount(); i++ {
			pr, ok := table.PageRangeOf(i)
			if !ok {
				continue
			}
			if pr.UnmergedUpdates >= cfg.MergeThresh {
				s.Trigger(table, i)
			}
		}
	}
}
