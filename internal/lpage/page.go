// Package lpage implements the fixed-capacity record container that is
// the unit of disk I/O: a Page holds at most PageRecordSize records and
// serializes to a self-describing byte blob.
package lpage

import (
	"github.com/lstoredb/lstore/internal/lerrors"
	"github.com/lstoredb/lstore/internal/lrecord"
)

// Page is a bounded, ordered sequence of records. Slots never move once
// written: Append returns the offset a record lands at, and that offset
// is the value stored in the page directory for the record's rid.
type Page struct {
	capacity int
	records  []*lrecord.Record
}

// New returns an empty page with the given slot capacity.
func New(capacity int) *Page {
	return &Page{capacity: capacity}
}

// Capacity returns the page's configured slot count.
func (p *Page) Capacity() int { return p.capacity }

// Len returns the number of records currently written.
func (p *Page) Len() int { return len(p.records) }

// HasCapacity reports whether one more record fits.
func (p *Page) HasCapacity() bool { return len(p.records) < p.capacity }

// Append writes rec to the next free slot and returns its offset.
func (p *Page) Append(rec *lrecord.Record) (int, error) {
	if !p.HasCapacity() {
		return 0, lerrors.ErrIO
	}
	offset := len(p.records)
	p.records = append(p.records, rec)
	return offset, nil
}

// OverwriteAt replaces the record at offset in place, used by merge to
// install a reconciled record without disturbing its slot.
func (p *Page) OverwriteAt(offset int, rec *lrecord.Record) error {
	if offset < 0 || offset >= len(p.records) {
		return lerrors.ErrNotFound
	}
	p.records[offset] = rec
	return nil
}

// ReadAt returns the record at offset.
func (p *Page) ReadAt(offset int) (*lrecord.Record, error) {
	if offset < 0 || offset >= len(p.records) {
		return nil, lerrors.ErrNotFound
	}
	return p.records[offset], nil
}

// ReadAll returns every written record, in slot order. The returned
// slice aliases the page's backing array and must not be mutated.
func (p *Page) ReadAll() []*lrecord.Record {
	return p.records
}

// Clone returns a deep copy of the page, used by merge to produce a
// working copy it can mutate without racing concurrent readers of the
// original frame.
func (p *Page) Clone() *Page {
	out := &Page{capacity: p.capacity, records: make([]*lrecord.Record, len(p.records))}
	for i, r := range p.records {
		if r == nil {
			continue
		}
		out.records[i] = r.Clone()
	}
	return out
}
