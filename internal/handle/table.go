// Package handle implements the open file/directory handle registry of
// spec.md §4.7: a monotonically increasing 64-bit handle id, per-inode open
// counts, and a cleanup event emitted once an inode's count reaches zero.
// Grounded on the teacher's internal/cache generic map-with-mutex shape,
// specialised to the table/counter pair spec.md describes rather than a
// time-bounded cache.
package handle

import (
	"sync"
	"sync/atomic"
)

// Source identifies what backs a handle's bytes (spec.md §3 "Handle").
type Source int

const (
	// SourceRealFile backs the handle with a real on-disk file descriptor
	// (Live area or Build scratch).
	SourceRealFile Source = iota
	// SourceBlobSnapshot backs the handle with an immutable byte snapshot
	// of a git blob (read-only InsideSnap / Virtual reads).
	SourceBlobSnapshot
	// SourceDirCookie backs a directory handle with a readdir cursor.
	SourceDirCookie
)

// Handle is one open file or directory handle (spec.md §3).
type Handle struct {
	ID       uint64
	Inode    uint64
	Source   Source
	Writable bool

	// File, for SourceRealFile: an *os.File-compatible descriptor owned by
	// the caller; the table does not open or close it, only tracks it.
	File interface {
		ReadAt([]byte, int64) (int, error)
		WriteAt([]byte, int64) (int, error)
		Close() error
	}

	// Blob, for SourceBlobSnapshot: the immutable byte snapshot.
	Blob []byte

	// Dir, for SourceDirCookie: directory-listing cursor state.
	Dir *DirCookie
}

// DirCookie is the directory-handle cursor of spec.md §3: the next name to
// resume from, the last streamed listing (so concurrent mutations are only
// visible to a fresh readdir with a new cookie, per spec.md §5), and an
// optional raw on-disk iterator for InsideLive/InsideBuild directories.
type DirCookie struct {
	NextName   string
	LastStream []string
	RawIter    interface{ Close() error }
}

// perInode tracks the open count and live handle ids for one inode.
type perInode struct {
	mu      sync.Mutex
	count   int
	handles map[uint64]struct{}
}

// CleanupEvent is emitted on Close when an inode's open count reaches zero,
// so the caller can resolve pending tombstones via the metadata-store
// writer (spec.md §4.7 "emits a cleanup event to the metadata-store writer").
type CleanupEvent struct {
	Inode uint64
}

// Table is the concurrency-safe handle registry.
type Table struct {
	nextID  uint64 // atomic
	mu      sync.Mutex
	byID    map[uint64]*Handle
	byInode map[uint64]*perInode

	cleanup chan CleanupEvent
}

// New creates an empty handle table. cleanup, if non-nil, receives a
// CleanupEvent whenever an inode transitions to zero open handles; callers
// that don't need cleanup notifications may pass a nil channel (events are
// then dropped non-blockingly).
func New(cleanup chan CleanupEvent) *Table {
	return &Table{
		byID:    make(map[uint64]*Handle),
		byInode: make(map[uint64]*perInode),
		cleanup: cleanup,
	}
}

// Open assigns a new handle id to h (mutating h.ID) and registers it,
// incrementing the owning inode's open count.
func (t *Table) Open(h *Handle) uint64 {
	id := atomic.AddUint64(&t.nextID, 1)
	h.ID = id

	t.mu.Lock()
	t.byID[id] = h
	pi, ok := t.byInode[h.Inode]
	if !ok {
		pi = &perInode{handles: make(map[uint64]struct{})}
		t.byInode[h.Inode] = pi
	}
	t.mu.Unlock()

	pi.mu.Lock()
	pi.count++
	pi.handles[id] = struct{}{}
	pi.mu.Unlock()

	return id
}

// Get returns the handle for fh, or (nil, false) if it's not open.
func (t *Table) Get(fh uint64) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byID[fh]
	return h, ok
}

// Close removes the handle for fh. It returns false if fh was not open.
// When the owning inode's open count reaches zero, a CleanupEvent is
// emitted (non-blocking; dropped if the channel is full or nil).
func (t *Table) Close(fh uint64) bool {
	t.mu.Lock()
	h, ok := t.byID[fh]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.byID, fh)
	pi := t.byInode[h.Inode]
	t.mu.Unlock()

	if pi == nil {
		return true
	}

	pi.mu.Lock()
	delete(pi.handles, fh)
	pi.count--
	count := pi.count
	pi.mu.Unlock()

	if count <= 0 {
		t.mu.Lock()
		delete(t.byInode, h.Inode)
		t.mu.Unlock()

		if t.cleanup != nil {
			select {
			case t.cleanup <- CleanupEvent{Inode: h.Inode}:
			default:
			}
		}
	}
	return true
}

// OpenCount returns the number of live handles for ino.
func (t *Table) OpenCount(ino uint64) int {
	t.mu.Lock()
	pi, ok := t.byInode[ino]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return pi.count
}
