// Package buildsession implements the build-session cache of spec.md §4.4:
// per-(repo, commit) scratch directories materialised on first use,
// reference-counted by open handles and an independent pin count, torn down
// when idle. Grounded on the teacher's internal/sync.Worker Start/Stop
// goroutine shape for lifecycle management, generalised here from a single
// background ticker to a concurrent map of independently-owned sessions.
package buildsession

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/kirr/gitfs/internal/ferrors"
	"github.com/kirr/gitfs/internal/kind"
	"github.com/kirr/gitfs/internal/meta"
	"github.com/kirr/gitfs/internal/objectdb"
)

// Key identifies a session by repo and commit (spec.md §4.4 "keyed by
// (repo-id, commit-id)").
type Key struct {
	RepoID uint16
	Commit plumbing.Hash
}

// Session is one entry of the build-session cache (spec.md §3 "Build
// session"). Counter mutation is owned by the session itself: callers never
// touch openCount/pinCount directly, satisfying §9's "one owner per mutable
// entity" design note.
type Session struct {
	Commit  plumbing.Hash
	Scratch string

	mu        sync.Mutex
	openCount int
	pinCount  int
	torndown  bool
}

// OpenCount returns the session's current reference count.
func (s *Session) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openCount
}

// Pinned reports whether the session currently has at least one active pin.
func (s *Session) Pinned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinCount > 0
}

// Cache owns the concurrent map of live sessions and the object-DB
// capability used to materialise commit trees into scratch directories.
type Cache struct {
	mu        sync.Mutex
	sessions  map[Key]*Session
	buildRoot map[uint16]string
	objdb     map[uint16]objectdb.Capability
	log       zerolog.Logger

	// init serialises materialisation per (repoID, commit) key so that two
	// concurrent GetOrInit calls for the same session run materialise
	// exactly once between them (B3), instead of both writing into the
	// same scratch directory and one tearing down the other's result.
	init singleflight.Group
}

// New creates an empty build-session cache.
func New(log zerolog.Logger) *Cache {
	return &Cache{
		sessions:  make(map[Key]*Session),
		buildRoot: make(map[uint16]string),
		objdb:     make(map[uint16]objectdb.Capability),
		log:       log,
	}
}

// Register associates a repo-id with the on-disk build root (the `.build/`
// directory under the repo, per spec.md §6's layout) and the object-DB
// capability used to materialise commits for that repo.
func (c *Cache) Register(repoID uint16, buildRoot string, db objectdb.Capability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buildRoot[repoID] = buildRoot
	c.objdb[repoID] = db
}

// GetOrInit implements spec.md §4.4's get_or_init: returns the existing
// session for (repoID, commit) with its open-count incremented, or
// materialises a fresh one. Materialisation is atomic to observers (B3): two
// concurrent calls for the same key never both run materialise, so neither
// a torn scratch directory nor a removed-out-from-under-the-winner directory
// can occur.
func (c *Cache) GetOrInit(ctx context.Context, repoID uint16, commit plumbing.Hash) (*Session, error) {
	key := Key{RepoID: repoID, Commit: commit}

	c.mu.Lock()
	if s, ok := c.sessions[key]; ok {
		c.mu.Unlock()
		s.mu.Lock()
		s.openCount++
		s.mu.Unlock()
		return s, nil
	}
	buildRoot, ok := c.buildRoot[repoID]
	db := c.objdb[repoID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("buildsession: repo %d not registered", repoID)
	}

	sfKey := fmt.Sprintf("%d/%s", repoID, commit.String())
	v, err, _ := c.init.Do(sfKey, func() (interface{}, error) {
		// Re-check now that we hold the singleflight key: another caller
		// may have already finished materialising and inserted the
		// session between our fast-path miss above and reaching here.
		c.mu.Lock()
		if s, ok := c.sessions[key]; ok {
			c.mu.Unlock()
			return s, nil
		}
		c.mu.Unlock()

		scratch := filepath.Join(buildRoot, commit.String())
		if err := materialise(db, commit, scratch); err != nil {
			return nil, err
		}

		s := &Session{Commit: commit, Scratch: scratch}
		c.mu.Lock()
		c.sessions[key] = s
		c.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}

	s := v.(*Session)
	s.mu.Lock()
	s.openCount++
	s.mu.Unlock()
	return s, nil
}

// materialise checks out commit's tree into scratch, preserving git file
// modes, removing the partial directory on any failure (spec.md §4.4
// "on partial failure the partially-materialised directory is removed
// before returning").
func materialise(db objectdb.Capability, commit plumbing.Hash, scratch string) (err error) {
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return ferrors.BuildMaterialFail
	}
	defer func() {
		if err != nil {
			os.RemoveAll(scratch)
		}
	}()

	return checkoutTree(db, commit, "", scratch)
}

func checkoutTree(db objectdb.Capability, commit plumbing.Hash, subtree, dest string) error {
	entries, err := db.ListTree(commit, subtree)
	if err != nil {
		return fmt.Errorf("%w: list tree %q: %v", ferrors.BuildMaterialFail, subtree, err)
	}
	for _, e := range entries {
		path := filepath.Join(dest, e.Name)
		switch e.Kind {
		case objectdb.KindTree:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return fmt.Errorf("%w: mkdir %s: %v", ferrors.BuildMaterialFail, path, err)
			}
			childSubtree := e.Name
			if subtree != "" {
				childSubtree = subtree + "/" + e.Name
			}
			if err := checkoutTree(db, commit, childSubtree, path); err != nil {
				return err
			}
		case objectdb.KindSymlink:
			data, err := db.FindBlob(e.ObjectID)
			if err != nil {
				return fmt.Errorf("%w: read symlink target %s: %v", ferrors.BuildMaterialFail, path, err)
			}
			if err := os.Symlink(string(data), path); err != nil {
				return fmt.Errorf("%w: symlink %s: %v", ferrors.BuildMaterialFail, path, err)
			}
		case objectdb.KindSubmodule:
			// Submodules are not recursively materialised; an empty
			// directory marks their presence.
			if err := os.MkdirAll(path, 0o755); err != nil {
				return fmt.Errorf("%w: mkdir submodule placeholder %s: %v", ferrors.BuildMaterialFail, path, err)
			}
		default:
			data, err := db.FindBlob(e.ObjectID)
			if err != nil {
				return fmt.Errorf("%w: read blob %s: %v", ferrors.BuildMaterialFail, path, err)
			}
			perm := os.FileMode(0o644)
			if e.Mode == filemode.Executable {
				perm = 0o755
			}
			if err := os.WriteFile(path, data, perm); err != nil {
				return fmt.Errorf("%w: write blob %s: %v", ferrors.BuildMaterialFail, path, err)
			}
		}
	}
	return nil
}

// FinishPath implements spec.md §4.4's finish_path: walks from inode up the
// metadata-store parent chain until reaching the owning SnapFolder, reverses
// the path components, and joins them onto the session's scratch directory.
func (c *Cache) FinishPath(ctx context.Context, store *meta.Store, session *Session, ino uint64) (string, error) {
	var components []string
	cur := ino
	for {
		rec, err := store.Get(ctx, cur)
		if err != nil {
			return "", fmt.Errorf("finish_path: resolve inode %d: %w", cur, err)
		}
		if rec.Kind == kind.SnapFolder {
			break
		}
		components = append(components, rec.Name)
		if rec.ParentInode == cur {
			return "", fmt.Errorf("finish_path: inode %d is its own parent", cur)
		}
		cur = rec.ParentInode
	}

	for i, j := 0, len(components)-1; i < j; i, j = i+1, j-1 {
		components[i], components[j] = components[j], components[i]
	}

	path := session.Scratch
	for _, c := range components {
		path = filepath.Join(path, c)
	}
	return path, nil
}

// Release decrements the session's open-count (spec.md §4.4 release).
// If the balance reaches zero and the session is not pinned, teardown runs
// synchronously; callers that need this off the calling goroutine should
// invoke Release from a worker.
func (c *Cache) Release(key Key) error {
	c.mu.Lock()
	s, ok := c.sessions[key]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	if s.openCount > 0 {
		s.openCount--
	}
	shouldTeardown := s.openCount == 0 && s.pinCount == 0 && !s.torndown
	if shouldTeardown {
		s.torndown = true
	}
	s.mu.Unlock()

	if !shouldTeardown {
		return nil
	}
	return c.teardown(key, s)
}

// Pin increments the pin count, keeping the session alive even with no open
// handles (spec.md §4.4 pin/unpin, used while a chase job holds in-flight
// writes with no file handle open). Pins nest: a session pinned twice needs
// two Unpins (plus a zero open-count) before it tears down.
func (c *Cache) Pin(key Key) {
	c.mu.Lock()
	s, ok := c.sessions[key]
	c.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.pinCount++
	s.mu.Unlock()
}

// Unpin decrements the pin count and, if it and the open-count both reach
// zero, tears the session down immediately (B1/B4 balance).
func (c *Cache) Unpin(key Key) error {
	c.mu.Lock()
	s, ok := c.sessions[key]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	if s.pinCount > 0 {
		s.pinCount--
	}
	shouldTeardown := s.openCount == 0 && s.pinCount == 0 && !s.torndown
	if shouldTeardown {
		s.torndown = true
	}
	s.mu.Unlock()

	if !shouldTeardown {
		return nil
	}
	return c.teardown(key, s)
}

func (c *Cache) teardown(key Key, s *Session) error {
	c.mu.Lock()
	delete(c.sessions, key)
	c.mu.Unlock()

	if err := os.RemoveAll(s.Scratch); err != nil {
		c.log.Error().Err(err).Str("scratch", s.Scratch).Msg("buildsession: teardown failed to remove scratch directory")
		return err
	}
	return nil
}

// Lookup returns the currently-live session for key, if any, without
// affecting its reference count.
func (c *Cache) Lookup(key Key) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[key]
	return s, ok
}
