package router

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kirr/gitfs/internal/ferrors"
	"github.com/kirr/gitfs/internal/inode"
	"github.com/kirr/gitfs/internal/kind"
	"github.com/kirr/gitfs/internal/meta"
	"github.com/kirr/gitfs/internal/objectdb"
	"github.com/kirr/gitfs/internal/virtualdir"
)

// ensureSnapAndMonth persists the MonthFolder and SnapFolder rows owning
// commit, if not already known, following spec.md §6's synthetic naming:
// month folders are "YYYY-MM"; snap folders are "SnapNNN_<shortoid>" where
// NNN is a monotonic index within the month and <shortoid> is the
// 7-character commit prefix.
func (rt *Router) ensureSnapAndMonth(ctx context.Context, repo *Repo, commit plumbing.Hash, dayIndex map[string]bool, now time.Time) error {
	when, err := repo.ObjectDB.CommitTime(commit)
	if err != nil {
		return fmt.Errorf("ensure snap folder: commit time: %w", err)
	}
	monthName := when.Format("2006-01")
	dayKey := when.Format("2006-01-02")

	monthRec, err := repo.Store.Lookup(ctx, repoRootInode(repo.ID), monthName)
	if err == ferrors.NotFound {
		monthRec, err = rt.newRecord(ctx, repo, repoRootInode(repo.ID), monthName, kind.MonthFolder, "", 0, 0, now)
		if err != nil {
			return fmt.Errorf("create month folder %s: %w", monthName, err)
		}
	} else if err != nil {
		return err
	}

	short := commit.String()[:7]
	if dayIndex[dayKey+"#"+short] {
		return nil // already derived in this run
	}
	dayIndex[dayKey+"#"+short] = true

	// Count how many snaps already exist for this day to assign NNN.
	idx := 1
	children, err := repo.Store.ListChildren(ctx, monthRec.Inode)
	if err != nil {
		return err
	}
	for _, c := range children {
		if len(c.Name) > 11 && c.Name[:4] == "Snap" {
			idx++
		}
	}

	snapName := fmt.Sprintf("Snap%03d_%s", idx, short)
	if _, err := repo.Store.Lookup(ctx, monthRec.Inode, snapName); err == ferrors.NotFound {
		if _, err := rt.newRecord(ctx, repo, monthRec.Inode, snapName, kind.SnapFolder, commit.String(), 0, 0, now); err != nil {
			return fmt.Errorf("create snap folder %s: %w", snapName, err)
		}
	} else if err != nil {
		return err
	}
	return nil
}

// newRecord allocates a fresh inode and persists a metadata record.
func (rt *Router) newRecord(ctx context.Context, repo *Repo, parent uint64, name string, k kind.Flag, objectID string, fileMode uint32, size uint64, now time.Time) (meta.Record, error) {
	seq, err := repo.Store.NextSeq(repo.ID)
	// Sequences up to chaseSeq belong to the fixed live/build/ref-root/chase inodes.
	for err == nil && seq <= chaseSeq {
		seq, err = repo.Store.NextSeq(repo.ID)
	}
	if err != nil {
		return meta.Record{}, err
	}
	ino, err := inode.Encode(repo.ID, seq, false)
	if err != nil {
		return meta.Record{}, err
	}
	rec := meta.Record{
		Inode: uint64(ino), ParentInode: parent, Name: name, Kind: k,
		ObjectID: objectID, FileMode: fileMode, Size: size,
		ATime: now, MTime: now, CTime: now,
	}
	if err := repo.Store.Put(ctx, rec); err != nil {
		return meta.Record{}, err
	}
	return rec, nil
}

// lookupMonth resolves a snap-folder name under a month folder. Snap
// folders are derived eagerly by deriveMonthFolders, so a plain store
// lookup suffices here.
func (rt *Router) lookupMonth(ctx context.Context, repo *Repo, monthRec meta.Record, name string) (meta.Record, error) {
	return repo.Store.Lookup(ctx, monthRec.Inode, name)
}

// readdirMonth lists the snap folders under a month folder.
func (rt *Router) readdirMonth(ctx context.Context, repo *Repo, monthRec meta.Record) ([]meta.ChildEntry, error) {
	return repo.Store.ListChildren(ctx, monthRec.Inode)
}

// commitRootAndPath walks up from rec to its owning SnapFolder, returning
// the commit it is rooted at and rec's path relative to that commit's tree.
func (rt *Router) commitRootAndPath(ctx context.Context, repo *Repo, rec meta.Record) (plumbing.Hash, string, error) {
	if rec.Kind == kind.SnapFolder {
		return plumbing.NewHash(rec.ObjectID), "", nil
	}
	var components []string
	cur := rec
	for cur.Kind != kind.SnapFolder {
		components = append(components, cur.Name)
		parent, err := repo.Store.Get(ctx, cur.ParentInode)
		if err != nil {
			return plumbing.ZeroHash, "", fmt.Errorf("commit root: %w", err)
		}
		if parent.Inode == cur.Inode {
			return plumbing.ZeroHash, "", fmt.Errorf("commit root: inode %d has no owning snap folder", rec.Inode)
		}
		cur = parent
	}
	for i, j := 0, len(components)-1; i < j; i, j = i+1, j-1 {
		components[i], components[j] = components[j], components[i]
	}
	return plumbing.NewHash(cur.ObjectID), path.Join(components...), nil
}

// lookupSnapOrInside resolves name under a SnapFolder or InsideSnap
// directory: first consult the metadata store (already-visited entries,
// mkdir'd scratch files, virtual-directory trigger names), falling back to
// the git tree for entries seen for the first time.
func (rt *Router) lookupSnapOrInside(ctx context.Context, repo *Repo, parentRec meta.Record, name string) (meta.Record, error) {
	if rec, err := repo.Store.Lookup(ctx, parentRec.Inode, name); err == nil {
		return rec, nil
	} else if err != ferrors.NotFound {
		return meta.Record{}, err
	}

	commit, relPath, err := rt.commitRootAndPath(ctx, repo, parentRec)
	if err != nil {
		return meta.Record{}, err
	}

	if base, ok := virtualdir.ParseTrigger(name); ok {
		origin, err := rt.findTreeEntry(repo, commit, relPath, base)
		if err != nil {
			return meta.Record{}, err
		}
		now := time.Now().UTC()
		return rt.newRecord(ctx, repo, parentRec.Inode, name, kind.VirtualFile, origin.ObjectID.String(), uint32(origin.Mode), uint64(origin.Size), now)
	}

	entry, err := rt.findTreeEntry(repo, commit, relPath, name)
	if err != nil {
		return meta.Record{}, err
	}

	childKind := kind.InsideSnap
	now := time.Now().UTC()
	return rt.newRecord(ctx, repo, parentRec.Inode, name, childKind, entry.ObjectID.String(), uint32(entry.Mode), uint64(entry.Size), now)
}

func (rt *Router) findTreeEntry(repo *Repo, commit plumbing.Hash, relPath, name string) (objectdb.TreeEntry, error) {
	entries, err := repo.ObjectDB.ListTree(commit, relPath)
	if err != nil {
		return objectdb.TreeEntry{}, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e, nil
		}
	}
	return objectdb.TreeEntry{}, ferrors.NotFound
}

// readdirSnap lists the union of a commit's tree root entries and any
// build-scratch overlay present for that commit (spec.md §4.3 SnapFolder
// readdir: "git tree + build scratch").
func (rt *Router) readdirSnap(ctx context.Context, repo *Repo, rec meta.Record) ([]meta.ChildEntry, error) {
	return rt.readdirTreeAndScratch(ctx, repo, rec, plumbing.NewHash(rec.ObjectID), "")
}

// readdirInsideSnap lists a subtree within a commit the same way.
func (rt *Router) readdirInsideSnap(ctx context.Context, repo *Repo, rec meta.Record) ([]meta.ChildEntry, error) {
	commit, relPath, err := rt.commitRootAndPath(ctx, repo, rec)
	if err != nil {
		return nil, err
	}
	return rt.readdirTreeAndScratch(ctx, repo, rec, commit, relPath)
}

// readdirVirtual lists a VirtualFile's synthesized history entries (spec.md
// §4.6): one entry per commit that touched the origin blob, oldest first.
func (rt *Router) readdirVirtual(ctx context.Context, repo *Repo, rec meta.Record) ([]meta.ChildEntry, error) {
	commit, _, err := rt.commitRootAndPath(ctx, repo, rec)
	if err != nil {
		return nil, err
	}
	node, err := repo.Virtual.Open(ctx, rec.Inode, commit, plumbing.NewHash(rec.ObjectID))
	if err != nil {
		return nil, err
	}
	return node.Entries(), nil
}

func (rt *Router) readdirTreeAndScratch(ctx context.Context, repo *Repo, rec meta.Record, commit plumbing.Hash, relPath string) ([]meta.ChildEntry, error) {
	entries, err := repo.ObjectDB.ListTree(commit, relPath)
	if err != nil {
		return nil, err
	}

	known, err := repo.Store.ListChildren(ctx, rec.Inode)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]meta.ChildEntry, len(known))
	for _, c := range known {
		byName[c.Name] = c
	}

	var out []meta.ChildEntry
	for _, e := range entries {
		if c, ok := byName[e.Name]; ok {
			out = append(out, c)
			delete(byName, e.Name)
			continue
		}
		out = append(out, meta.ChildEntry{Name: e.Name, Inode: 0}) // realised lazily on Lookup
	}
	// Remaining entries in byName are scratch-only (mkdir'd/created files
	// not present in the original tree) or virtual-directory trigger names.
	for _, c := range byName {
		out = append(out, c)
	}
	return out, nil
}
