package router

import (
	"context"
	"fmt"
	"time"

	"github.com/kirr/gitfs/internal/ferrors"
	"github.com/kirr/gitfs/internal/inode"
	"github.com/kirr/gitfs/internal/kind"
	"github.com/kirr/gitfs/internal/meta"
	"github.com/kirr/gitfs/internal/virtualdir"
)

// lookupRoot resolves a repo name at the global root to its synthetic
// RepoRoot record (spec.md §4.3 Root case).
func (rt *Router) lookupRoot(ctx context.Context, name string) (meta.Record, error) {
	id, ok, err := rt.root.Lookup(name)
	if err != nil {
		return meta.Record{}, fmt.Errorf("root lookup: %w", err)
	}
	if !ok {
		return meta.Record{}, ferrors.NotFound
	}
	repo, ok := rt.repos[id]
	if !ok {
		return meta.Record{}, ferrors.NotFound
	}
	return repo.Store.Get(ctx, repoRootInode(id))
}

// repoRootInode is the well-known inode for a repo's own RepoRoot entry:
// repo-id in the top bits, sequence 0 (the first inode ever allocated for
// that repo, assigned when the repo is registered).
func repoRootInode(repoID uint16) uint64 {
	ino, _ := inode.Encode(repoID, 0, false)
	return uint64(ino)
}

// readdirRoot enumerates every registered repo as a RepoRoot entry (spec.md
// §4.3 Root "enumerate repos").
func (rt *Router) readdirRoot(ctx context.Context) ([]meta.ChildEntry, error) {
	names, err := rt.root.List()
	if err != nil {
		return nil, fmt.Errorf("root readdir: %w", err)
	}
	out := make([]meta.ChildEntry, 0, len(names))
	for _, name := range names {
		id, ok, err := rt.root.Lookup(name)
		if err != nil || !ok {
			continue
		}
		out = append(out, meta.ChildEntry{Name: name, Inode: repoRootInode(id)})
	}
	return out, nil
}

// MkdirRoot implements spec.md §4.3's Root mkdir rule: a name matching the
// `github.<owner>.<repo>.git` pattern triggers an anonymous remote fetch;
// any other name creates a local empty repo. newRepo is supplied by the
// caller (internal/daemon's repo factory, wired through pkg/fuseadapter),
// which owns on-disk layout creation (.build/.trash/live dirs, fs_meta.db
// open, object-db Open/Init) under <repos_dir>/name.
func (rt *Router) MkdirRoot(ctx context.Context, name string, newRepo func(name string, isFetch bool, url string) (*Repo, error)) (meta.Record, error) {
	if _, exists, _ := rt.root.Lookup(name); exists {
		return meta.Record{}, ferrors.NameExists
	}

	isFetch := fetchTriggerPattern.MatchString(name)
	var url string
	if isFetch {
		url = parseFetchURL(name)
	}

	repo, err := newRepo(name, isFetch, url)
	if err != nil {
		return meta.Record{}, err
	}

	id, err := rt.root.NextRepoID()
	if err != nil {
		return meta.Record{}, fmt.Errorf("allocate repo id: %w", err)
	}
	repo.ID = id
	repo.Name = name
	// Builds/Virtual are both keyed by repo-id, which only exists from this
	// point on, so newRepo leaves them unset and this is where they're
	// finished rather than inside the factory.
	if repo.Builds != nil {
		repo.Builds.Register(id, repo.buildPath(), repo.ObjectDB)
	}
	if repo.Virtual == nil && repo.Store != nil && repo.ObjectDB != nil {
		repo.Virtual = virtualdir.New(repo.ObjectDB, repo.Store, repo.Store, id)
	}

	now := time.Now().UTC()
	rec := meta.Record{Inode: repoRootInode(id), ParentInode: 0, Name: name, Kind: kind.RepoRoot, ATime: now, MTime: now, CTime: now}
	if err := repo.Store.Put(ctx, rec); err != nil {
		return meta.Record{}, fmt.Errorf("persist repo root: %w", err)
	}
	if err := rt.root.Register(name, id); err != nil {
		return meta.Record{}, fmt.Errorf("register repo: %w", err)
	}
	rt.RegisterRepo(repo)
	return rec, nil
}

// parseFetchURL derives a clone URL from a trigger name of the form
// "github.<owner>.<repo>.git" (spec.md §6).
func parseFetchURL(name string) string {
	// name == "github." + owner + "." + repo + ".git"
	rest := name[len("github."):]
	rest = rest[:len(rest)-len(".git")]
	owner, repo := splitOnce(rest, '.')
	return "https://github.com/" + owner + "/" + repo + ".git"
}

func splitOnce(s string, sep byte) (string, string) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}
