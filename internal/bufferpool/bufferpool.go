// Package bufferpool implements a path-keyed frame cache with pin-aware
// LRU eviction and dirty write-back, keyed by on-disk path rather than
// a numeric page id, since this engine lays out one file per page
// instead of slots in a single paged file, and carries no WAL.
package bufferpool

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/lstoredb/lstore/internal/lerrors"
	"github.com/lstoredb/lstore/internal/lpage"
)

// Stats reports pool activity: hit/miss/eviction/read/write counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Reads     int64
	Writes    int64
}

// Pool caches at most capacity pages in memory, keyed by canonical path.
type Pool struct {
	mu       sync.Mutex
	capacity int
	pageCap  int // record slots per page, used when reading a missing page never happens: pages are created with this capacity
	frames   map[string]*frame
	lru      *frame // sentinel-free list: lru is the least-recently-used frame
	mru      *frame // mru is the most-recently-used frame

	stats Stats
}

// New returns an empty pool with room for capacity frames. pageCapacity
// is the slot count new pages are created with.
func New(capacity, pageCapacity int) *Pool {
	return &Pool{
		capacity: capacity,
		pageCap:  pageCapacity,
		frames:   make(map[string]*frame),
	}
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// unlink removes f from the LRU list without touching the map.
func (p *Pool) unlink(f *frame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		p.lru = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		p.mru = f.prev
	}
	f.prev, f.next = nil, nil
}

// pushMRU appends f as the most-recently-used frame.
func (p *Pool) pushMRU(f *frame) {
	f.prev = p.mru
	f.next = nil
	if p.mru != nil {
		p.mru.next = f
	} else {
		p.lru = f
	}
	p.mru = f
}

func (p *Pool) touch(f *frame) {
	if p.mru == f {
		return
	}
	p.unlink(f)
	p.pushMRU(f)
}

// Get returns the page at path, pinning it. On a cache miss it loads
// the page from disk (failing with ErrNotFound if the file does not
// exist) and inserts it, evicting if necessary.
func (p *Pool) Get(path string) (*lpage.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.frames[path]; ok {
		p.stats.Hits++
		f.pinned++
		p.touch(f)
		return f.page, nil
	}
	p.stats.Misses++

	page, err := p.readFromDisk(path)
	if err != nil {
		return nil, err
	}
	f, err := p.add(path, page)
	if err != nil {
		return nil, err
	}
	f.pinned++
	return f.page, nil
}

// Add inserts page (or a freshly allocated empty page if nil) under
// path, evicting if the pool is full. The returned page is unpinned;
// callers that want a pin should call Get afterward or pin explicitly
// via the caller's own bookkeeping.
func (p *Pool) Add(path string, page *lpage.Page) (*lpage.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.add(path, page)
	if err != nil {
		return nil, err
	}
	return f.page, nil
}

func (p *Pool) add(path string, page *lpage.Page) (*frame, error) {
	if existing, ok := p.frames[path]; ok {
		return existing, nil
	}
	if len(p.frames) >= p.capacity {
		if !p.evictLocked() {
			return nil, lerrors.ErrPoolExhausted
		}
	}
	if page == nil {
		page = lpage.New(p.pageCap)
	}
	f := &frame{path: path, page: page}
	p.frames[path] = f
	p.pushMRU(f)
	return f, nil
}

// Unpin decrements path's pin count, floored at zero.
func (p *Pool) Unpin(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.frames[path]; ok && f.pinned > 0 {
		f.pinned--
	}
}

// MarkDirty flags path's frame as needing write-back.
func (p *Pool) MarkDirty(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.frames[path]; ok {
		f.dirty = true
	}
}

// evictLocked scans from the LRU end: a clean unpinned frame is dropped
// outright; failing that, the first dirty unpinned frame is written
// back and dropped. Returns false if every frame is pinned.
func (p *Pool) evictLocked() bool {
	for f := p.lru; f != nil; f = f.next {
		if f.pinned != 0 {
			continue
		}
		if !f.dirty {
			p.dropLocked(f)
			return true
		}
	}
	for f := p.lru; f != nil; f = f.next {
		if f.pinned != 0 {
			continue
		}
		if err := p.writeToDisk(f.path, f.page); err != nil {
			continue
		}
		p.dropLocked(f)
		return true
	}
	return false
}

func (p *Pool) dropLocked(f *frame) {
	p.unlink(f)
	delete(p.frames, f.path)
	p.stats.Evictions++
}

// Rename atomically re-keys a cached frame from oldPath to newPath,
// preserving its position in the LRU list and its contents. This is
// what the merge worker uses to keep an original copy of a base page
// addressable under a shadow path while the canonical path takes a
// freshly merged working copy.
func (p *Pool) Rename(oldPath, newPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.frames[oldPath]
	if !ok {
		return lerrors.ErrNotFound
	}
	if _, collide := p.frames[newPath]; collide {
		return errors.Errorf("bufferpool: rename target %s already cached", newPath)
	}
	delete(p.frames, oldPath)
	f.path = newPath
	p.frames[newPath] = f
	return nil
}

// Flush writes back every dirty frame. Pinned-but-dirty frames are
// flushed too (flush does not require a pin release) since
// Close needs every byte durable regardless of in-flight pins.
func (p *Pool) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for f := p.lru; f != nil; f = f.next {
		if !f.dirty {
			continue
		}
		if err := p.writeToDisk(f.path, f.page); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		f.dirty = false
	}
	return firstErr
}

// WriteToDisk serializes and fsyncs page to path, creating parent
// directories as needed.
func (p *Pool) WriteToDisk(path string, page *lpage.Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeToDisk(path, page)
}

func (p *Pool) writeToDisk(path string, page *lpage.Page) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "bufferpool: mkdir for %s", path)
	}
	data := lpage.Marshal(page)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "bufferpool: open %s", path)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return errors.Wrapf(err, "bufferpool: write %s", path)
	}
	if err := f.Sync(); err != nil {
		return errors.Wrapf(err, "bufferpool: fsync %s", path)
	}
	p.stats.Writes++
	return nil
}

// ReadFromDisk deserializes the page at path.
func (p *Pool) ReadFromDisk(path string) (*lpage.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readFromDisk(path)
}

func (p *Pool) readFromDisk(path string) (*lpage.Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, lerrors.ErrNotFound
		}
		return nil, errors.Wrapf(err, "bufferpool: read %s", path)
	}
	page, err := lpage.Unmarshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "bufferpool: decode %s", path)
	}
	p.stats.Reads++
	return page, nil
}
