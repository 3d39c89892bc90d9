package ltable

import (
	"bytes"
	"encoding/gob"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/lstoredb/lstore/internal/bufferpool"
	"github.com/lstoredb/lstore/internal/lconfig"
	"github.com/lstoredb/lstore/internal/lerrors"
	"github.com/lstoredb/lstore/internal/lindex"
	"github.com/lstoredb/lstore/internal/lpage"
	"github.com/lstoredb/lstore/internal/lrecord"
)

// Location is a page directory entry: the on-disk page holding a rid
// and the slot offset within it.
type Location struct {
	Path   string
	Offset int
}

// PageRange tracks the per-page-range bookkeeping the Table owns:
// page counts, the TPS watermark, the unmerged-update counter, and
// the tail cursor new appends go through.
type PageRange struct {
	Index            int
	BasePageCount    int
	TailPageCount    int
	TPS              uint64
	UnmergedUpdates  int
	TailCursorPath   string
	TailCursorOffset int
}

// meta is the gob-serialized snapshot of everything a Table needs to
// resume after a close/reopen.
type meta struct {
	Name             string
	NumColumns       int
	KeyColumn        int
	BaseRIDCounter   uint64
	TailRIDCounter   uint64
	Directory        map[string]Location
	PageRanges       []PageRange
	LastBasePagePath string
	MergeCount       int
}

// MergeTrigger is invoked when a page range's unmerged-update counter
// crosses the configured threshold. Table itself has no notion of a
// merge worker (that lives in lmerge, which depends on ltable); wiring
// a callback here is how the two stay acyclic while still letting
// update/delete (tail appends) trigger a merge the moment the threshold
// is crossed.
type MergeTrigger func(pageRangeIndex int)

// Table owns one relation's on-disk layout, its buffer pool, and its
// index.
type Table struct {
	mu sync.Mutex

	dbPath     string
	name       string
	numColumns int
	keyColumn  int
	cfg        lconfig.Config

	baseRIDCounter uint64
	tailRIDCounter uint64

	directory        map[string]Location
	pageRanges       []PageRange
	lastBasePagePath string
	mergeCount       int

	Pool  *bufferpool.Pool
	Index *lindex.Index

	MergeLock      sync.Mutex
	WriteMergeLock sync.Mutex

	onThresholdCrossed MergeTrigger
}

// Create initializes a brand-new table's layout: pagerange_0's
// base/page_0 and tail/page_0, both cached in the buffer pool and
// marked dirty so they reach disk through the page codec on eviction
// or flush, and an empty in-memory index.
func Create(dbPath, name string, numColumns, keyColumn int, cfg lconfig.Config) (*Table, error) {
	t := &Table{
		dbPath:     dbPath,
		name:       name,
		numColumns: numColumns,
		keyColumn:  keyColumn,
		cfg:        cfg,
		directory:  make(map[string]Location),
		Pool:       bufferpool.New(cfg.PoolSize, cfg.PageRecordSize),
		Index:      lindex.New(numColumns),
	}
	// Tail rids start at t1: TPS 0 means "nothing merged yet", and a tail
	// rid with suffix 0 would be treated as already merged.
	t.tailRIDCounter = 1
	if err := t.initPageRangeStorage(0); err != nil {
		return nil, err
	}
	t.lastBasePagePath = basePagePath(tableRoot(dbPath, name), 0, 0)
	return t, nil
}

// Open resumes a table previously created at dbPath/_tables/<name>,
// restoring its metadata and loading the index snapshot that Close
// wrote. The index is rebuilt from the page directory only when that
// snapshot cannot be read; a readable snapshot is used as is.
func Open(dbPath, name string, cfg lconfig.Config) (*Table, error) {
	data, err := os.ReadFile(metadataPath(dbPath, name))
	if err != nil {
		return nil, errors.Wrapf(err, "ltable: reading metadata for %s", name)
	}
	var m meta
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, errors.Wrapf(err, "ltable: decoding metadata for %s", name)
	}

	t := &Table{
		dbPath:           dbPath,
		name:             m.Name,
		numColumns:       m.NumColumns,
		keyColumn:        m.KeyColumn,
		cfg:              cfg,
		baseRIDCounter:   m.BaseRIDCounter,
		tailRIDCounter:   m.TailRIDCounter,
		directory:        m.Directory,
		pageRanges:       m.PageRanges,
		lastBasePagePath: m.LastBasePagePath,
		mergeCount:       m.MergeCount,
		Pool:             bufferpool.New(cfg.PoolSize, cfg.PageRecordSize),
	}

	idx, err := lindex.Load(indexSnapshotPath(dbPath, name), m.NumColumns)
	if err != nil {
		idx = lindex.New(m.NumColumns)
		t.Index = idx
		if rebuildErr := t.rebuildIndex(); rebuildErr != nil {
			return nil, rebuildErr
		}
	} else {
		t.Index = idx
	}
	return t, nil
}

func (t *Table) rebuildIndex() error {
	var base []*lrecord.Record
	for rid, loc := range t.directory {
		if IsTailRID(rid) {
			continue
		}
		page, err := t.Pool.Get(loc.Path)
		if err != nil {
			return errors.Wrapf(err, "ltable: rebuilding index, reading %s", loc.Path)
		}
		rec, err := page.ReadAt(loc.Offset)
		t.Pool.Unpin(loc.Path)
		if err != nil {
			return errors.Wrapf(err, "ltable: rebuilding index, rid %s", rid)
		}
		base = append(base, rec)
	}
	t.Index.Refresh(base)
	return nil
}

// SetMergeTrigger wires the callback invoked when a page range crosses
// MergeThresh unmerged updates.
func (t *Table) SetMergeTrigger(fn MergeTrigger) {
	t.mu.Lock()
	t.onThresholdCrossed = fn
	t.mu.Unlock()
}

// Name returns the table's name.
func (t *Table) Name() string { return t.name }

// NumColumns returns the table's column count.
func (t *Table) NumColumns() int { return t.numColumns }

// KeyColumn returns the index of the primary-key column.
func (t *Table) KeyColumn() int { return t.keyColumn }

// Config returns the table's tunables.
func (t *Table) Config() lconfig.Config { return t.cfg }

func (t *Table) root() string { return tableRoot(t.dbPath, t.name) }

// initPageRangeStorage materializes a new page range's base/ and tail/
// subdirectories with an empty page_0 in each, mirroring
// Table._init_page_range_storage.
func (t *Table) initPageRangeStorage(rangeIndex int) error {
	basePath := basePagePath(t.root(), rangeIndex, 0)
	tailPath := tailPagePath(t.root(), rangeIndex, 0)

	for _, p := range []string{basePath, tailPath} {
		if _, err := t.Pool.Add(p, lpage.New(t.cfg.PageRecordSize)); err != nil {
			return errors.Wrapf(err, "ltable: allocating %s", p)
		}
		t.Pool.MarkDirty(p)
	}

	t.pageRanges = append(t.pageRanges, PageRange{
		Index:            rangeIndex,
		BasePageCount:    1,
		TailPageCount:    1,
		TailCursorPath:   tailPath,
		TailCursorOffset: 0,
	})
	return nil
}

// Locate returns the page directory entry for rid.
func (t *Table) Locate(rid string) (Location, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	loc, ok := t.directory[rid]
	return loc, ok
}

// setLocation records rid's page directory entry. Once set, a rid's
// entry never changes: updates append a new tail rid with its own
// entry rather than rewriting an existing one.
func (t *Table) setLocation(rid string, loc Location) {
	t.directory[rid] = loc
}

// PageRangeIndexOf returns the page range that rid's current location
// falls within, used by query operations to route tail appends and
// merge triggers to the right range.
func (t *Table) PageRangeIndexOf(rid string) (int, bool) {
	loc, ok := t.Locate(rid)
	if !ok {
		return 0, false
	}
	idx, err := pageRangeIndexFromPath(loc.Path)
	if err != nil {
		return 0, false
	}
	return idx, true
}

// LockCoordinatesOf returns the page range and page index that rid's
// current location falls within, used by ltxn to build the four
// hierarchical lock identifiers (llock.ItemIDs) for a row.
func (t *Table) LockCoordinatesOf(rid string) (rangeIndex, pageIndex int, ok bool) {
	loc, ok := t.Locate(rid)
	if !ok {
		return 0, 0, false
	}
	rangeIndex, err := pageRangeIndexFromPath(loc.Path)
	if err != nil {
		return 0, 0, false
	}
	pageIndex, err = pageIndexFromPath(loc.Path)
	if err != nil {
		return 0, 0, false
	}
	return rangeIndex, pageIndex, true
}

// ReadRecord fetches rid's current on-disk record through the buffer
// pool.
func (t *Table) ReadRecord(rid string) (*lrecord.Record, error) {
	loc, ok := t.Locate(rid)
	if !ok {
		return nil, lerrors.ErrNotFound
	}
	page, err := t.Pool.Get(loc.Path)
	if err != nil {
		return nil, err
	}
	defer t.Pool.Unpin(loc.Path)
	return page.ReadAt(loc.Offset)
}

// UpdateHead rewrites rid's indirection pointer and schema_encoding in
// place, leaving its columns, start_time, and base_rid untouched. This
// is the one mutation a base (or tail-chain head) record undergoes
// after creation: every update/delete moves the chain's head pointer
// forward to the newest tail rid and widens the schema mask. The page
// directory entry itself never moves — only the content at that fixed
// location changes, the same in-place-overwrite mechanism the merge
// worker uses for base pages.
func (t *Table) UpdateHead(rid, indirection string, schema []bool) error {
	loc, ok := t.Locate(rid)
	if !ok {
		return lerrors.ErrNotFound
	}
	page, err := t.Pool.Get(loc.Path)
	if err != nil {
		return err
	}
	defer t.Pool.Unpin(loc.Path)

	rec, err := page.ReadAt(loc.Offset)
	if err != nil {
		return err
	}
	updated := rec.Clone()
	updated.Indirection = indirection
	updated.SchemaEncoding = schema
	if err := page.OverwriteAt(loc.Offset, updated); err != nil {
		return err
	}
	t.Pool.MarkDirty(loc.Path)
	return nil
}

// NextBaseRID allocates and returns the next base rid.
func (t *Table) NextBaseRID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	rid := BaseRID(t.baseRIDCounter)
	t.baseRIDCounter++
	return rid
}

// NextTailRID allocates and returns the next tail rid.
func (t *Table) NextTailRID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	rid := TailRID(t.tailRIDCounter)
	t.tailRIDCounter++
	return rid
}

// TailRIDCounter returns the current tail-rid counter value, used by
// the merge worker as the commit boundary captured at entry.
func (t *Table) TailRIDCounter() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tailRIDCounter
}

// PageRangeCount returns how many page ranges exist.
func (t *Table) PageRangeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pageRanges)
}

// PageRangeOf returns a copy of the bookkeeping for rangeIndex.
func (t *Table) PageRangeOf(rangeIndex int) (PageRange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rangeIndex < 0 || rangeIndex >= len(t.pageRanges) {
		return PageRange{}, false
	}
	return t.pageRanges[rangeIndex], true
}

// BasePagePaths returns every base page path for rangeIndex, in page
// order.
func (t *Table) BasePagePaths(rangeIndex int) []string {
	t.mu.Lock()
	pr := t.pageRanges[rangeIndex]
	t.mu.Unlock()
	paths := make([]string, pr.BasePageCount)
	for i := range paths {
		paths[i] = basePagePath(t.root(), rangeIndex, i)
	}
	return paths
}

// TailPagePaths returns every tail page path for rangeIndex, in page
// order.
func (t *Table) TailPagePaths(rangeIndex int) []string {
	t.mu.Lock()
	pr := t.pageRanges[rangeIndex]
	t.mu.Unlock()
	paths := make([]string, pr.TailPageCount)
	for i := range paths {
		paths[i] = tailPagePath(t.root(), rangeIndex, i)
	}
	return paths
}

// InsertBase appends rec to the table's current last base page,
// allocating a new base page (and, if the current page range is full,
// a whole new page range) as needed, and records rec's rid in the page
// directory.
func (t *Table) InsertBase(rec *lrecord.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rangeIndex := len(t.pageRanges) - 1
	pr := &t.pageRanges[rangeIndex]

	path := t.lastBasePagePath
	page, err := t.Pool.Get(path)
	if err != nil {
		return err
	}
	if !page.HasCapacity() {
		t.Pool.Unpin(path)
		path, err = t.allocateBasePageLocked(rangeIndex)
		if err != nil {
			return err
		}
		page, err = t.Pool.Get(path)
		if err != nil {
			return err
		}
	}

	offset, err := page.Append(rec)
	if err != nil {
		t.Pool.Unpin(path)
		return err
	}
	t.Pool.MarkDirty(path)
	t.Pool.Unpin(path)

	t.setLocation(rec.RID, Location{Path: path, Offset: offset})
	_ = pr
	return nil
}

// allocateBasePageLocked creates the next base page within the current
// page range, or a whole new page range if the current one is full.
// Caller must hold t.mu.
func (t *Table) allocateBasePageLocked(rangeIndex int) (string, error) {
	pr := &t.pageRanges[rangeIndex]
	if pr.BasePageCount < t.cfg.PageRangeSize {
		path := basePagePath(t.root(), rangeIndex, pr.BasePageCount)
		if _, err := t.Pool.Add(path, lpage.New(t.cfg.PageRecordSize)); err != nil {
			return "", err
		}
		t.Pool.MarkDirty(path)
		pr.BasePageCount++
		t.lastBasePagePath = path
		return path, nil
	}

	newIndex := len(t.pageRanges)
	if err := t.initPageRangeStorage(newIndex); err != nil {
		return "", err
	}
	path := basePagePath(t.root(), newIndex, 0)
	t.lastBasePagePath = path
	return path, nil
}

// TailCursor returns the current tail page's path for rangeIndex. If
// the range has no tail cursor yet, it points the cursor at
// tail/page_0; it does not allocate or write that page.
func (t *Table) TailCursor(rangeIndex int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr := &t.pageRanges[rangeIndex]
	if pr.TailCursorPath == "" {
		pr.TailCursorPath = tailPagePath(t.root(), rangeIndex, 0)
		pr.TailPageCount = 1
	}
	return pr.TailCursorPath, nil
}

// AppendTail writes rec to the current tail page of rangeIndex,
// allocating a new tail page if the current one is full, records rec's
// rid in the page directory, and increments the page range's
// unmerged-updates counter — invoking the merge trigger if it crosses
// the configured threshold.
func (t *Table) AppendTail(rangeIndex int, rec *lrecord.Record) error {
	t.mu.Lock()
	pr := &t.pageRanges[rangeIndex]
	path := pr.TailCursorPath
	t.mu.Unlock()

	page, err := t.Pool.Get(path)
	if err != nil {
		return err
	}
	if !page.HasCapacity() {
		t.Pool.Unpin(path)
		path, err = t.createNewTailPageLocked(rangeIndex)
		if err != nil {
			return err
		}
		page, err = t.Pool.Get(path)
		if err != nil {
			return err
		}
	}
	offset, err := page.Append(rec)
	if err != nil {
		t.Pool.Unpin(path)
		return err
	}
	t.Pool.MarkDirty(path)
	t.Pool.Unpin(path)

	t.mu.Lock()
	t.setLocation(rec.RID, Location{Path: path, Offset: offset})
	pr.TailCursorOffset = offset
	pr.UnmergedUpdates++
	crossed := pr.UnmergedUpdates >= t.cfg.MergeThresh
	trigger := t.onThresholdCrossed
	t.mu.Unlock()

	if crossed && trigger != nil {
		trigger(rangeIndex)
	}
	return nil
}

func (t *Table) createNewTailPageLocked(rangeIndex int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr := &t.pageRanges[rangeIndex]
	newIndex := pr.TailPageCount
	path := tailPagePath(t.root(), rangeIndex, newIndex)
	if _, err := t.Pool.Add(path, lpage.New(t.cfg.PageRecordSize)); err != nil {
		return "", err
	}
	t.Pool.MarkDirty(path)
	pr.TailPageCount++
	pr.TailCursorPath = path
	return path, nil
}

// SetPageRangeTPS advances rangeIndex's TPS watermark and resets its
// unmerged-update counter, called by the merge worker on a successful
// merge.
func (t *Table) SetPageRangeTPS(rangeIndex int, tps uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr := &t.pageRanges[rangeIndex]
	pr.TPS = tps
	pr.UnmergedUpdates = 0
}

// IncrementMergeCount bumps the table's merge generation counter.
func (t *Table) IncrementMergeCount() {
	t.mu.Lock()
	t.mergeCount++
	t.mu.Unlock()
}

// Close flushes every dirty frame and persists table metadata and the
// index snapshot. There is no crash-safe write-ahead log, so this is
// the table's only durability boundary.
func (t *Table) Close() error {
	if err := t.Pool.Flush(); err != nil {
		return errors.Wrap(err, "ltable: flushing pool on close")
	}
	if err := t.Index.Dump(indexSnapshotPath(t.dbPath, t.name)); err != nil {
		return errors.Wrap(err, "ltable: dumping index on close")
	}
	return t.saveMetadata()
}

func (t *Table) saveMetadata() error {
	t.mu.Lock()
	m := meta{
		Name:             t.name,
		NumColumns:       t.numColumns,
		KeyColumn:        t.keyColumn,
		BaseRIDCounter:   t.baseRIDCounter,
		TailRIDCounter:   t.tailRIDCounter,
		Directory:        t.directory,
		PageRanges:       t.pageRanges,
		LastBasePagePath: t.lastBasePagePath,
		MergeCount:       t.mergeCount,
	}
	t.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return errors.Wrap(err, "ltable: encoding metadata")
	}
	if err := os.MkdirAll(t.root(), 0o755); err != nil {
		return errors.Wrap(err, "ltable: creating table root")
	}
	return errors.Wrap(os.WriteFile(metadataPath(t.dbPath, t.name), buf.Bytes(), 0o644), "ltable: writing metadata")
}
