package router

import (
	"context"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kirr/gitfs/internal/ferrors"
	"github.com/kirr/gitfs/internal/kind"
	"github.com/kirr/gitfs/internal/meta"
)

// Fixed child sequence numbers under a repo's root, alongside "live" (1) and
// "build" (2): these are alternate read-only presentations of the same
// commit snap folders, computed from ref-state (SPEC_FULL.md §4.3).
const (
	branchesSeq = uint64(3)
	tagsSeq     = uint64(4)
	prSeq       = uint64(5)
	prMergeSeq  = uint64(6)
)

func refPresentationRoots() []struct {
	seq  uint64
	name string
	k    kind.Flag
} {
	return []struct {
		seq  uint64
		name string
		k    kind.Flag
	}{
		{branchesSeq, "branches", kind.BranchesRoot},
		{tagsSeq, "tags", kind.TagsRoot},
		{prSeq, "pr", kind.PrRoot},
		{prMergeSeq, "pr-merge", kind.PrMergeRoot},
	}
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// lookupRefPresentation resolves a branch/tag/PR/PR-merge name to its
// BranchFolder or PrFolder record, lazily persisting it on first lookup.
// SPEC_FULL.md §4.3: "a thin redirect ... computed from ref-state".
func (rt *Router) lookupRefPresentation(ctx context.Context, repo *Repo, parentRec meta.Record, name string) (meta.Record, error) {
	if rec, err := repo.Store.Lookup(ctx, parentRec.Inode, name); err == nil {
		return rec, nil
	} else if err != ferrors.NotFound {
		return meta.Record{}, err
	}

	refs, err := repo.ObjectDB.EnumerateRefs()
	if err != nil {
		return meta.Record{}, fmt.Errorf("lookup ref presentation: %w", err)
	}

	var folderKind kind.Flag
	var exists bool
	switch parentRec.Kind {
	case kind.BranchesRoot:
		folderKind, exists = kind.BranchFolder, contains(refs.BranchNames(), name)
	case kind.TagsRoot:
		folderKind, exists = kind.BranchFolder, contains(refs.TagNames(), name)
	case kind.PrRoot:
		folderKind, exists = kind.PrFolder, contains(refs.PRNames(), name)
	case kind.PrMergeRoot:
		folderKind, exists = kind.PrFolder, contains(refs.PRMergeNames(), name)
	default:
		return meta.Record{}, fmt.Errorf("%w: %s is not a ref presentation root", ferrors.PermissionDenied, parentRec.Kind)
	}
	if !exists {
		return meta.Record{}, ferrors.NotFound
	}
	return rt.newRecord(ctx, repo, parentRec.Inode, name, folderKind, "", 0, 0, time.Now().UTC())
}

// readdirRefPresentation lists every branch/tag/PR/PR-merge name known to
// ref-state, persisting a record for each as it goes.
func (rt *Router) readdirRefPresentation(ctx context.Context, repo *Repo, rec meta.Record) ([]meta.ChildEntry, error) {
	refs, err := repo.ObjectDB.EnumerateRefs()
	if err != nil {
		return nil, fmt.Errorf("readdir ref presentation: %w", err)
	}

	var names []string
	switch rec.Kind {
	case kind.BranchesRoot:
		names = refs.BranchNames()
	case kind.TagsRoot:
		names = refs.TagNames()
	case kind.PrRoot:
		names = refs.PRNames()
	case kind.PrMergeRoot:
		names = refs.PRMergeNames()
	default:
		return nil, fmt.Errorf("%w: %s is not a ref presentation root", ferrors.PermissionDenied, rec.Kind)
	}

	out := make([]meta.ChildEntry, 0, len(names))
	for _, n := range names {
		child, err := rt.lookupRefPresentation(ctx, repo, rec, n)
		if err != nil {
			return nil, err
		}
		out = append(out, meta.ChildEntry{Name: n, Inode: child.Inode})
	}
	return out, nil
}

// resolveRefFolderCommit resolves the commit a BranchFolder/PrFolder's
// "HEAD" entry currently redirects to.
func (rt *Router) resolveRefFolderCommit(ctx context.Context, repo *Repo, folderRec meta.Record) (plumbing.Hash, error) {
	parent, err := repo.Store.Get(ctx, folderRec.ParentInode)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	refs, err := repo.ObjectDB.EnumerateRefs()
	if err != nil {
		return plumbing.ZeroHash, err
	}

	var h plumbing.Hash
	var ok bool
	switch parent.Kind {
	case kind.BranchesRoot:
		h, ok = refs.ResolveBranch(folderRec.Name)
	case kind.TagsRoot:
		h, ok = refs.ResolveTag(folderRec.Name)
	case kind.PrRoot:
		h, ok = refs.ResolvePR(folderRec.Name)
	case kind.PrMergeRoot:
		h, ok = refs.ResolvePRMerge(folderRec.Name)
	}
	if !ok {
		return plumbing.ZeroHash, ferrors.NotFound
	}
	return h, nil
}

// resolveCommitToSnap ensures commit's month/snap folders exist and returns
// the SnapFolder record rooted at it.
func (rt *Router) resolveCommitToSnap(ctx context.Context, repo *Repo, commit plumbing.Hash) (meta.Record, error) {
	when, err := repo.ObjectDB.CommitTime(commit)
	if err != nil {
		return meta.Record{}, err
	}
	if err := rt.ensureSnapAndMonth(ctx, repo, commit, make(map[string]bool), when); err != nil {
		return meta.Record{}, err
	}

	monthRec, err := repo.Store.Lookup(ctx, repoRootInode(repo.ID), when.Format("2006-01"))
	if err != nil {
		return meta.Record{}, err
	}
	children, err := repo.Store.ListChildren(ctx, monthRec.Inode)
	if err != nil {
		return meta.Record{}, err
	}
	for _, c := range children {
		rec, err := repo.Store.Get(ctx, c.Inode)
		if err != nil {
			continue
		}
		if rec.Kind == kind.SnapFolder && rec.ObjectID == commit.String() {
			return rec, nil
		}
	}
	return meta.Record{}, ferrors.NotFound
}

// lookupInsideRefFolder resolves the single "HEAD" entry a BranchFolder or
// PrFolder exposes, redirecting to the same inode the commit's month/snap
// path would return (SPEC_FULL.md §4.3: "never a second copy of the tree").
func (rt *Router) lookupInsideRefFolder(ctx context.Context, repo *Repo, folderRec meta.Record, name string) (meta.Record, error) {
	if name != "HEAD" {
		return meta.Record{}, ferrors.NotFound
	}
	commit, err := rt.resolveRefFolderCommit(ctx, repo, folderRec)
	if err != nil {
		return meta.Record{}, err
	}
	return rt.resolveCommitToSnap(ctx, repo, commit)
}

func (rt *Router) readdirInsideRefFolder(ctx context.Context, repo *Repo, folderRec meta.Record) ([]meta.ChildEntry, error) {
	rec, err := rt.lookupInsideRefFolder(ctx, repo, folderRec, "HEAD")
	if err != nil {
		return nil, err
	}
	return []meta.ChildEntry{{Name: "HEAD", Inode: rec.Inode}}, nil
}
