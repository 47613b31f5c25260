// Package router implements the directory-kind state machine of spec.md
// §4.3: for every VFS operation it classifies the parent inode's kind-flag
// into one of nine cases and dispatches to the matching backend (metadata
// store, object-DB, build-session scratch, or the in-memory virtual-dir
// engine). Grounded on the teacher's internal/fs package, which dispatches
// Linear API resources by a similar "look at the parent's kind, pick a
// handler" shape (see linearfs.go's directory routing), generalised here
// from Linear's fixed resource tree to spec.md's closed kind enumeration.
package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/rs/zerolog"

	"github.com/kirr/gitfs/internal/buildsession"
	"github.com/kirr/gitfs/internal/ferrors"
	"github.com/kirr/gitfs/internal/handle"
	"github.com/kirr/gitfs/internal/inode"
	"github.com/kirr/gitfs/internal/janitor"
	"github.com/kirr/gitfs/internal/kind"
	"github.com/kirr/gitfs/internal/meta"
	"github.com/kirr/gitfs/internal/objectdb"
	"github.com/kirr/gitfs/internal/virtualdir"
)

// fetchTriggerPattern matches spec.md §6's repo-fetch trigger directory name.
var fetchTriggerPattern = regexp.MustCompile(`^github\.[^.]+\.[^.]+\.git$`)

// Repo bundles the per-repository backends the router dispatches to.
type Repo struct {
	ID       uint16
	Name     string
	Root     string // <repos_dir>/<name>
	Store    *meta.Store
	ObjectDB objectdb.Capability
	Builds   *buildsession.Cache
	Virtual  *virtualdir.Engine
	Handles  *handle.Table
}

func (r *Repo) livePath() string  { return filepath.Join(r.Root, "live") }
func (r *Repo) buildPath() string { return filepath.Join(r.Root, ".build") }
func (r *Repo) trashPath() string { return filepath.Join(r.Root, ".trash") }
func (r *Repo) chasePath() string { return filepath.Join(r.Root, "chase") }

// Router holds every registered repo plus the global root registry and
// dispatches VFS-shaped operations per spec.md §4.3's case table.
type Router struct {
	log      zerolog.Logger
	root     *RootRegistry
	reposDir string

	repos   map[uint16]*Repo // by repo-id
	janitor *janitor.Worker
}

// New creates a router rooted at reposDir, backed by root (the global
// name -> repo-id registry).
func New(reposDir string, root *RootRegistry, log zerolog.Logger) *Router {
	return &Router{log: log, root: root, reposDir: reposDir, repos: make(map[uint16]*Repo)}
}

// SetJanitor wires the deferred-delete worker that Unlink/Rmdir enqueue
// trash-cleanup jobs onto (spec.md §4.10). A router with no janitor set
// still trashes synchronously but leaves the trashed copy in place
// permanently — acceptable for tests, not for a mounted filesystem.
func (rt *Router) SetJanitor(w *janitor.Worker) { rt.janitor = w }

// RegisterRepo makes repo dispatchable by its ID.
func (rt *Router) RegisterRepo(repo *Repo) {
	rt.repos = copyWithRepo(rt.repos, repo)
}

func copyWithRepo(m map[uint16]*Repo, repo *Repo) map[uint16]*Repo {
	m[repo.ID] = repo
	return m
}

// RepoByID returns the registered Repo for id, if any. Used by internal/chase
// to reach a repo's object-DB/build-session/metadata-store backends without
// going through an inode.
func (rt *Router) RepoByID(id uint16) (*Repo, bool) {
	repo, ok := rt.repos[id]
	return repo, ok
}

// Root returns the global name->repo-id registry, used by internal/control
// to serve RepoList/RepoDelete without duplicating that bookkeeping.
func (rt *Router) Root() *RootRegistry { return rt.root }

// ReposDir returns the directory every repo's on-disk tree is rooted under,
// used by the daemon's repo factory (spec.md §4.3's Root mkdir case) to
// compute a new repo's path without duplicating this router's configured
// layout.
func (rt *Router) ReposDir() string { return rt.reposDir }

// UnregisterRepo drops id from dispatch, used by internal/control's
// RepoDelete handler after the registry entry and on-disk directory are
// removed.
func (rt *Router) UnregisterRepo(id uint16) { delete(rt.repos, id) }

// StoreForRepo returns id's metadata store, satisfying internal/janitor's
// StoreResolver so the janitor can clear tombstones without importing this
// package (which already imports internal/buildsession and would otherwise
// cycle against a janitor that enqueues through the router).
func (rt *Router) StoreForRepo(id uint16) (*meta.Store, bool) {
	repo, ok := rt.repos[id]
	if !ok {
		return nil, false
	}
	return repo.Store, true
}

// PresentationPathForCommit resolves commit's month/snap presentation path
// (e.g. "2026-03/Snap001_abcdef0"), deriving it if not already known. Used by
// internal/chase to report each finished job's location (spec.md §4.8
// phase 5).
func (rt *Router) PresentationPathForCommit(ctx context.Context, repoID uint16, commit plumbing.Hash) (string, error) {
	repo, ok := rt.RepoByID(repoID)
	if !ok {
		return "", fmt.Errorf("%w: repo %d not mounted", ferrors.NotFound, repoID)
	}
	snap, err := rt.resolveCommitToSnap(ctx, repo, commit)
	if err != nil {
		return "", err
	}
	when, err := repo.ObjectDB.CommitTime(commit)
	if err != nil {
		return "", err
	}
	return filepath.Join(when.Format("2006-01"), snap.Name), nil
}

// repoOf resolves the Repo owning ino, or NotFound if unregistered
// (e.g. the repo was deleted while a reference to it was still live).
func (rt *Router) repoOf(ino inode.Ino) (*Repo, error) {
	id := inode.RepoOf(ino)
	repo, ok := rt.repos[id]
	if !ok {
		return nil, fmt.Errorf("%w: repo %d not mounted", ferrors.NotFound, id)
	}
	return repo, nil
}

// Lookup resolves (parent, name) to a metadata record, dispatching on the
// parent's kind-flag. Root and RepoRoot synthesize their children rather
// than consulting a per-repo metadata store.
func (rt *Router) Lookup(ctx context.Context, parent inode.Ino, name string) (meta.Record, error) {
	if inode.IsRoot(parent) {
		return rt.lookupRoot(ctx, name)
	}

	repo, err := rt.repoOf(parent)
	if err != nil {
		return meta.Record{}, err
	}
	parentRec, err := repo.Store.Get(ctx, uint64(parent))
	if err != nil {
		return meta.Record{}, err
	}

	switch parentRec.Kind {
	case kind.RepoRoot:
		return rt.lookupRepoRoot(ctx, repo, name)
	case kind.MonthFolder:
		return rt.lookupMonth(ctx, repo, parentRec, name)
	case kind.SnapFolder, kind.InsideSnap:
		return rt.lookupSnapOrInside(ctx, repo, parentRec, name)
	case kind.VirtualFile:
		if _, err := rt.readdirVirtual(ctx, repo, parentRec); err != nil {
			return meta.Record{}, err
		}
		return repo.Store.Lookup(ctx, uint64(parent), name)
	case kind.LiveRoot, kind.InsideLive, kind.BuildRoot, kind.InsideBuild, kind.ChaseRoot, kind.InsideChase:
		return repo.Store.Lookup(ctx, uint64(parent), name)
	case kind.BranchesRoot, kind.TagsRoot, kind.PrRoot, kind.PrMergeRoot:
		return rt.lookupRefPresentation(ctx, repo, parentRec, name)
	case kind.BranchFolder, kind.PrFolder:
		return rt.lookupInsideRefFolder(ctx, repo, parentRec, name)
	default:
		return meta.Record{}, fmt.Errorf("%w: lookup not permitted under %s", ferrors.PermissionDenied, parentRec.Kind)
	}
}

// Readdir lists the children of ino, dispatching on its own kind-flag.
func (rt *Router) Readdir(ctx context.Context, ino inode.Ino) ([]meta.ChildEntry, error) {
	if inode.IsRoot(ino) {
		return rt.readdirRoot(ctx)
	}

	repo, err := rt.repoOf(ino)
	if err != nil {
		return nil, err
	}
	rec, err := repo.Store.Get(ctx, uint64(ino))
	if err != nil {
		return nil, err
	}

	switch rec.Kind {
	case kind.RepoRoot:
		return rt.readdirRepoRoot(ctx, repo)
	case kind.MonthFolder:
		return rt.readdirMonth(ctx, repo, rec)
	case kind.SnapFolder:
		return rt.readdirSnap(ctx, repo, rec)
	case kind.InsideSnap:
		return rt.readdirInsideSnap(ctx, repo, rec)
	case kind.VirtualFile:
		return rt.readdirVirtual(ctx, repo, rec)
	case kind.LiveRoot, kind.InsideLive:
		return rt.readdirOnDisk(ctx, repo, rec, filepath.Join(repo.livePath(), relPathFrom(ctx, repo, rec)))
	case kind.BuildRoot, kind.InsideBuild:
		return rt.readdirOnDisk(ctx, repo, rec, filepath.Join(repo.buildPath(), relPathFrom(ctx, repo, rec)))
	case kind.ChaseRoot, kind.InsideChase:
		return rt.readdirOnDisk(ctx, repo, rec, filepath.Join(repo.chasePath(), relPathFrom(ctx, repo, rec)))
	case kind.BranchesRoot, kind.TagsRoot, kind.PrRoot, kind.PrMergeRoot:
		return rt.readdirRefPresentation(ctx, repo, rec)
	case kind.BranchFolder, kind.PrFolder:
		return rt.readdirInsideRefFolder(ctx, repo, rec)
	default:
		return nil, fmt.Errorf("%w: readdir not permitted on %s", ferrors.PermissionDenied, rec.Kind)
	}
}

// Getattr fetches the metadata record for ino directly; callers translate
// it into a platform stat structure (outside this package's scope).
func (rt *Router) Getattr(ctx context.Context, ino inode.Ino) (meta.Record, error) {
	if inode.IsRoot(ino) {
		now := time.Now().UTC()
		return meta.Record{Inode: 0, Kind: kind.Root, ATime: now, MTime: now, CTime: now}, nil
	}
	repo, err := rt.repoOf(ino)
	if err != nil {
		return meta.Record{}, err
	}
	return repo.Store.Get(ctx, uint64(ino))
}

// IsDir reports whether rec presents as a directory, for callers (the FUSE
// adapter) translating a record into a stat mode. Fixed kinds answer from
// Flag.IsDir() alone; InsideSnap/VirtualFile consult the git filemode
// recorded on the entry; InsideLive/InsideBuild consult the real file on
// disk, since those areas may hold either a file or a directory under the
// same kind-flag.
func (rt *Router) IsDir(ctx context.Context, repo *Repo, rec meta.Record) (bool, error) {
	switch rec.Kind {
	case kind.InsideSnap, kind.VirtualFile:
		return filemode.FileMode(rec.FileMode) == filemode.Dir, nil
	case kind.InsideLive:
		return statIsDir(filepath.Join(repo.livePath(), relPathFrom(ctx, repo, rec)))
	case kind.InsideBuild:
		return statIsDir(filepath.Join(repo.buildPath(), relPathFrom(ctx, repo, rec)))
	case kind.InsideChase:
		return statIsDir(filepath.Join(repo.chasePath(), relPathFrom(ctx, repo, rec)))
	default:
		return rec.Kind.IsDir(), nil
	}
}

func statIsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.IsDir(), nil
}

// relPathFrom reconstructs the path of rec relative to its LiveRoot/BuildRoot
// by walking the metadata-store parent chain, the same technique
// buildsession.FinishPath uses for SnapFolder-rooted paths.
func relPathFrom(ctx context.Context, repo *Repo, rec meta.Record) string {
	var components []string
	cur := rec
	for cur.Kind != kind.LiveRoot && cur.Kind != kind.BuildRoot && cur.Kind != kind.ChaseRoot {
		components = append(components, cur.Name)
		parent, err := repo.Store.Get(ctx, cur.ParentInode)
		if err != nil {
			break
		}
		if parent.Inode == cur.Inode {
			break
		}
		cur = parent
	}
	for i, j := 0, len(components)-1; i < j; i, j = i+1, j-1 {
		components[i], components[j] = components[j], components[i]
	}
	return filepath.Join(components...)
}

func (rt *Router) readdirOnDisk(ctx context.Context, repo *Repo, rec meta.Record, absPath string) ([]meta.ChildEntry, error) {
	entries, err := os.ReadDir(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("readdir %s: %w", absPath, err)
	}

	children, err := repo.Store.ListChildren(ctx, rec.Inode)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(children))
	for _, c := range children {
		known[c.Name] = true
	}

	out := append([]meta.ChildEntry(nil), children...)
	for _, e := range entries {
		if !known[e.Name()] {
			// On-disk entry with no metadata-store row yet: surfaced with a
			// zero inode; callers must Put a record before the first
			// lookup succeeds (mirrors spec.md's "derived on first readdir
			// and persisted" treatment for Month/Snap folders).
			out = append(out, meta.ChildEntry{Name: e.Name(), Inode: 0})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
