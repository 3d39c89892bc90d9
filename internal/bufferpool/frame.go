package bufferpool

import "github.com/lstoredb/lstore/internal/lpage"

// frame is one cached slot: a page, the canonical path it was loaded
// from, a pin count, and a dirty bit. Frames are threaded into a
// doubly-linked list so the pool can do O(1) most-recently-used bumps,
// keyed by path instead of a numeric page id.
type frame struct {
	path    string
	page    *lpage.Page
	pinned  int
	dirty   bool
	prev    *frame
	next    *frame
}
