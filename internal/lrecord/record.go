// Package lrecord defines the record carried in one page slot: a base
// row image or a tail update/delete image, linked into a version chain
// via Indirection.
package lrecord

import "fmt"

// Record is the value stored in one page slot.
type Record struct {
	// BaseRID identifies the owning base record; equal to RID for a base
	// record itself.
	BaseRID string

	// RID is unique within the table: "b<n>" for base records, "t<n>"
	// for tail records, each drawn from its own monotonic counter.
	RID string

	// Indirection points at the rid of the next-older version in the
	// chain. For an unupdated base record it equals the base's own rid.
	Indirection string

	// StartTime is the wall-clock creation time, in unix nanoseconds.
	StartTime int64

	// SchemaEncoding carries one bit per column: true if this record
	// supplies a value for that column.
	SchemaEncoding []bool

	// Columns holds one pointer per column; a nil entry means the
	// column is absent from this version. The primary key is column 0.
	Columns []*int64
}

// New builds a record with every column present. SchemaEncoding is set
// to all-true rather than all-zero: a never-updated base record is its
// own "latest" version (its Indirection points at itself), so reads
// resolve straight to it, and an all-zero encoding would be
// indistinguishable from a deletion tombstone.
func New(baseRID, rid, indirection string, startTime int64, columns []int64) *Record {
	cols := make([]*int64, len(columns))
	enc := make([]bool, len(columns))
	for i := range columns {
		v := columns[i]
		cols[i] = &v
		enc[i] = true
	}
	return &Record{
		BaseRID:        baseRID,
		RID:            rid,
		Indirection:    indirection,
		StartTime:      startTime,
		SchemaEncoding: enc,
		Columns:        cols,
	}
}

// IsBase reports whether this record is a base record (rid == base rid).
func (r *Record) IsBase() bool {
	return r.RID == r.BaseRID
}

// IsUnupdated reports whether a base record has never been updated
// (indirection still points at itself).
func (r *Record) IsUnupdated() bool {
	return r.Indirection == r.RID
}

// IsDeletionMarker reports whether every schema bit is zero and every
// column is absent, the tombstone shape delete() writes.
func (r *Record) IsDeletionMarker() bool {
	for _, present := range r.SchemaEncoding {
		if present {
			return false
		}
	}
	for _, c := range r.Columns {
		if c != nil {
			return false
		}
	}
	return true
}

// Clone deep-copies a record so callers can mutate it without aliasing
// page-resident storage.
func (r *Record) Clone() *Record {
	out := &Record{
		BaseRID:        r.BaseRID,
		RID:            r.RID,
		Indirection:    r.Indirection,
		StartTime:      r.StartTime,
		SchemaEncoding: append([]bool(nil), r.SchemaEncoding...),
		Columns:        make([]*int64, len(r.Columns)),
	}
	for i, c := range r.Columns {
		if c == nil {
			continue
		}
		v := *c
		out.Columns[i] = &v
	}
	return out
}

// Int64Or returns the raw int64 value of column i, or fallback if the
// column is absent.
func (r *Record) Int64Or(i int, fallback int64) int64 {
	if i < 0 || i >= len(r.Columns) || r.Columns[i] == nil {
		return fallback
	}
	return *r.Columns[i]
}

func (r *Record) String() string {
	return fmt.Sprintf("Record{rid=%s base=%s indirection=%s schema=%v cols=%s}",
		r.RID, r.BaseRID, r.Indirection, r.SchemaEncoding, formatColumns(r.Columns))
}

func formatColumns(cols []*int64) string {
	out := "["
	for i, c := range cols {
		if i > 0 {
			out += " "
		}
		if c == nil {
			out += "_"
		} else {
			out += fmt.Sprintf("%d", *c)
		}
	}
	return out + "]"
}
