// Package lquery implements the row-level operations against one
// table: insert, select (current and versioned), update, delete, sum
// (current and versioned), and increment. Every operation here
// assumes its caller already holds whatever locks the operation
// requires; lquery itself never touches llock.
package lquery

import (
	"time"

	"github.com/pkg/errors"

	"github.com/lstoredb/lstore/internal/lerrors"
	"github.com/lstoredb/lstore/internal/lrecord"
	"github.com/lstoredb/lstore/internal/ltable"
)

// Query operates on one table.
type Query struct {
	table *ltable.Table
}

// New returns a Query bound to table.
func New(table *ltable.Table) *Query {
	return &Query{table: table}
}

// Insert appends a new base record with columns, columns[table.KeyColumn()]
// being the primary key, and indexes it. Returns the new base rid.
func (q *Query) Insert(columns []int64) (string, error) {
	if len(columns) != q.table.NumColumns() {
		return "", errors.Wrapf(lerrors.ErrBadInput, "lquery: insert expects %d columns, got %d", q.table.NumColumns(), len(columns))
	}
	key := columns[q.table.KeyColumn()]
	if _, ok := q.table.Index.Locate(q.table.KeyColumn(), key); ok {
		return "", lerrors.ErrDuplicateKey
	}

	rid := q.table.NextBaseRID()
	rec := lrecord.New(rid, rid, rid, time.Now().UnixNano(), columns)
	if err := q.table.InsertBase(rec); err != nil {
		return "", err
	}
	q.table.Index.AddRecord(rec)
	return rid, nil
}

// Select returns every record whose searchKeyIndex column equals
// searchKey, each projected to the columns projection marks true, with
// updates merged in (the latest version of each match).
func (q *Query) Select(searchKey int64, searchKeyIndex int, projection []bool) ([]*lrecord.Record, error) {
	rids, ok := q.table.Index.Locate(searchKeyIndex, searchKey)
	if !ok || len(rids) == 0 {
		return nil, lerrors.ErrNotFound
	}

	var out []*lrecord.Record
	for _, rid := range rids {
		rec, err := q.mergedLineage(rid, projection)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	if len(out) == 0 {
		return nil, lerrors.ErrNotFound
	}
	return out, nil
}

// mergedLineage reads baseRID's base record and its latest tail
// version, returning a record carrying the latest version's rid,
// schema, and columns (projected), with the base's rid as its BaseRID
// and the base's indirection.
func (q *Query) mergedLineage(baseRID string, projection []bool) (*lrecord.Record, error) {
	base, err := q.table.ReadRecord(baseRID)
	if err != nil {
		return nil, err
	}
	latest, err := q.table.ReadRecord(base.Indirection)
	if err != nil {
		return nil, err
	}
	merged := &lrecord.Record{
		BaseRID:        base.RID,
		RID:            latest.RID,
		Indirection:    base.Indirection,
		StartTime:      latest.StartTime,
		SchemaEncoding: latest.SchemaEncoding,
		Columns:        projectColumns(latest.Columns, projection),
	}
	return merged, nil
}

func projectColumns(columns []*int64, projection []bool) []*int64 {
	if projection == nil {
		return append([]*int64(nil), columns...)
	}
	out := make([]*int64, 0, len(columns))
	for i, c := range columns {
		if i < len(projection) && projection[i] {
			out = append(out, c)
		}
	}
	return out
}

// SelectVersion is Select, but resolves each match to an older version
// along its chain: relativeVersion 0 (or any non-negative value) is the
// latest (current) version, -1 is the version before that, and so on.
// Walking stops early at the base record if the chain is shorter than
// requested.
func (q *Query) SelectVersion(searchKey int64, searchKeyIndex int, projection []bool, relativeVersion int) ([]*lrecord.Record, error) {
	rids, ok := q.table.Index.Locate(searchKeyIndex, searchKey)
	if !ok || len(rids) == 0 {
		return nil, lerrors.ErrNotFound
	}

	if relativeVersion > 0 {
		relativeVersion = 0
	}
	steps := relativeVersion - 2
	if steps < 0 {
		steps = -steps
	}

	var out []*lrecord.Record
	for _, rid := range rids {
		rec, err := q.walkVersion(rid, steps)
		if err != nil {
			continue
		}
		projected := rec.Clone()
		projected.Columns = projectColumns(rec.Columns, projection)
		out = append(out, projected)
	}
	if len(out) == 0 {
		return nil, lerrors.ErrNotFound
	}
	return out, nil
}

// walkVersion walks steps hops starting from the base record itself
// (so the first hop reads the base, the second reads the latest tail,
// and so on), returning whatever record the last hop landed on. It
// stops early once the next hop would land back on the base.
func (q *Query) walkVersion(baseRID string, steps int) (*lrecord.Record, error) {
	current, err := q.table.ReadRecord(baseRID)
	if err != nil {
		return nil, err
	}
	tempRID := baseRID
	for i := 0; i < steps; i++ {
		rec, err := q.table.ReadRecord(tempRID)
		if err != nil {
			return nil, err
		}
		current = rec
		next := rec.Indirection
		if next == rec.BaseRID {
			break
		}
		tempRID = next
	}
	return current, nil
}

// Update writes a new tail record for primaryKey's row, carrying
// columns' non-nil entries and falling back to the current latest
// version's values where columns[i] is nil. The first update on a row
// also materializes an "original copy" tail record preserving the
// base's pre-update image, so later version walks can still recover
// it.
func (q *Query) Update(primaryKey int64, columns []*int64) error {
	rids, ok := q.table.Index.Locate(q.table.KeyColumn(), primaryKey)
	if !ok || len(rids) == 0 {
		return lerrors.ErrNotFound
	}
	baseRID := rids[0]

	base, err := q.table.ReadRecord(baseRID)
	if err != nil {
		return err
	}
	rangeIndex, ok := q.table.PageRangeIndexOf(baseRID)
	if !ok {
		return lerrors.ErrNotFound
	}

	latestRID := base.Indirection
	isFirstUpdate := base.Indirection == base.RID
	if isFirstUpdate {
		originalCopyRID := q.table.NextTailRID()
		originalCopy := &lrecord.Record{
			BaseRID:        base.RID,
			RID:            originalCopyRID,
			Indirection:    base.RID,
			StartTime:      time.Now().UnixNano(),
			SchemaEncoding: append([]bool(nil), base.SchemaEncoding...),
			Columns:        append([]*int64(nil), base.Columns...),
		}
		if err := q.table.AppendTail(rangeIndex, originalCopy); err != nil {
			return err
		}
		latestRID = originalCopyRID
	}

	latest, err := q.table.ReadRecord(latestRID)
	if err != nil {
		return err
	}

	newSchema := make([]bool, len(columns))
	newCols := make([]*int64, len(columns))
	for i := range columns {
		if columns[i] != nil {
			newSchema[i] = true
			newCols[i] = columns[i]
		} else {
			newSchema[i] = latest.SchemaEncoding[i]
			newCols[i] = latest.Columns[i]
		}
	}

	newRID := q.table.NextTailRID()
	record := &lrecord.Record{
		BaseRID:        base.RID,
		RID:            newRID,
		Indirection:    latestRID,
		StartTime:      time.Now().UnixNano(),
		SchemaEncoding: newSchema,
		Columns:        newCols,
	}
	if err := q.table.AppendTail(rangeIndex, record); err != nil {
		return err
	}

	return q.table.UpdateHead(base.RID, newRID, newSchema)
}

// Delete appends a tombstone tail record (every schema bit false, every
// column absent) onto primaryKey's row and makes it the new
// head-of-chain, so future Select calls still find the row through the
// index but resolve to a tombstone rather than a live value.
func (q *Query) Delete(primaryKey int64) error {
	rids, ok := q.table.Index.Locate(q.table.KeyColumn(), primaryKey)
	if !ok || len(rids) == 0 {
		return lerrors.ErrNotFound
	}
	baseRID := rids[0]

	base, err := q.table.ReadRecord(baseRID)
	if err != nil {
		return err
	}
	rangeIndex, ok := q.table.PageRangeIndexOf(baseRID)
	if !ok {
		return lerrors.ErrNotFound
	}

	newRID := q.table.NextTailRID()
	tombstone := &lrecord.Record{
		BaseRID:        base.RID,
		RID:            newRID,
		Indirection:    base.Indirection,
		StartTime:      time.Now().UnixNano(),
		SchemaEncoding: make([]bool, q.table.NumColumns()),
		Columns:        make([]*int64, q.table.NumColumns()),
	}
	if err := q.table.AppendTail(rangeIndex, tombstone); err != nil {
		return err
	}
	return q.table.UpdateHead(base.RID, newRID, base.SchemaEncoding)
}

// Sum aggregates aggregateColumn over every row whose primary key lies
// in [startRange, endRange], using each row's latest version.
func (q *Query) Sum(startRange, endRange int64, aggregateColumn int) (int64, error) {
	byKey, ok := q.table.Index.LocateRange(startRange, endRange, q.table.KeyColumn())
	if !ok || len(byKey) == 0 {
		return 0, lerrors.ErrNotFound
	}

	var sum int64
	var found bool
	for _, rids := range byKey {
		for _, rid := range rids {
			projection := make([]bool, q.table.NumColumns())
			for i := range projection {
				projection[i] = true
			}
			rec, err := q.mergedLineage(rid, projection)
			if err != nil {
				continue
			}
			if aggregateColumn < len(rec.Columns) && rec.Columns[aggregateColumn] != nil {
				sum += *rec.Columns[aggregateColumn]
				found = true
			}
		}
	}
	if !found {
		return 0, lerrors.ErrNotFound
	}
	return sum, nil
}

// SumVersion is Sum, resolved against each row's relativeVersion-old
// image instead of its latest.
func (q *Query) SumVersion(startRange, endRange int64, aggregateColumn, relativeVersion int) (int64, error) {
	byKey, ok := q.table.Index.LocateRange(startRange, endRange, q.table.KeyColumn())
	if !ok || len(byKey) == 0 {
		return 0, lerrors.ErrNotFound
	}

	if relativeVersion > 0 {
		relativeVersion = 0
	}
	steps := relativeVersion - 2
	if steps < 0 {
		steps = -steps
	}

	var sum int64
	var found bool
	for _, rids := range byKey {
		for _, rid := range rids {
			rec, err := q.walkVersion(rid, steps)
			if err != nil {
				continue
			}
			if aggregateColumn < len(rec.Columns) && rec.Columns[aggregateColumn] != nil {
				sum += *rec.Columns[aggregateColumn]
				found = true
			}
		}
	}
	if !found {
		return 0, lerrors.ErrNotFound
	}
	return sum, nil
}

// Increment adds one to column's current value for the row keyed by
// key. It is sugar over Select and Update, not its own primitive.
func (q *Query) Increment(key int64, column int) error {
	projection := make([]bool, q.table.NumColumns())
	for i := range projection {
		projection[i] = true
	}
	records, err := q.Select(key, q.table.KeyColumn(), projection)
	if err != nil {
		return err
	}
	rec := records[0]
	if column >= len(rec.Columns) || rec.Columns[column] == nil {
		return lerrors.ErrBadInput
	}

	updated := make([]*int64, q.table.NumColumns())
	next := *rec.Columns[column] + 1
	updated[column] = &next
	return q.Update(key, updated)
}
