package router

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kirr/gitfs/internal/ferrors"
	"github.com/kirr/gitfs/internal/inode"
	"github.com/kirr/gitfs/internal/kind"
	"github.com/kirr/gitfs/internal/meta"
)

const (
	liveSeq  = uint64(1) // spec.md §6: a repo's "live" root's low 48 bits equal 1.
	buildSeq = uint64(2)
	chaseSeq = uint64(7)
)

func liveRootInode(repoID uint16) uint64 {
	ino, _ := inode.Encode(repoID, liveSeq, false)
	return uint64(ino)
}

func buildRootInode(repoID uint16) uint64 {
	ino, _ := inode.Encode(repoID, buildSeq, false)
	return uint64(ino)
}

func chaseRootInode(repoID uint16) uint64 {
	ino, _ := inode.Encode(repoID, chaseSeq, false)
	return uint64(ino)
}

// ensureFixedRoots makes sure repo's LiveRoot and BuildRoot rows exist,
// creating them (and their on-disk directories) on first use.
func (rt *Router) ensureFixedRoots(ctx context.Context, repo *Repo) error {
	now := time.Now().UTC()
	repoRoot := repoRootInode(repo.ID)

	if _, err := repo.Store.Get(ctx, liveRootInode(repo.ID)); err == ferrors.NotFound {
		if err := mkdirAllQuiet(repo.livePath()); err != nil {
			return err
		}
		rec := meta.Record{Inode: liveRootInode(repo.ID), ParentInode: repoRoot, Name: "live", Kind: kind.LiveRoot, ATime: now, MTime: now, CTime: now}
		if err := repo.Store.Put(ctx, rec); err != nil {
			return fmt.Errorf("create live root: %w", err)
		}
	}

	if _, err := repo.Store.Get(ctx, buildRootInode(repo.ID)); err == ferrors.NotFound {
		if err := mkdirAllQuiet(repo.buildPath()); err != nil {
			return err
		}
		rec := meta.Record{Inode: buildRootInode(repo.ID), ParentInode: repoRoot, Name: "build", Kind: kind.BuildRoot, ATime: now, MTime: now, CTime: now}
		if err := repo.Store.Put(ctx, rec); err != nil {
			return fmt.Errorf("create build root: %w", err)
		}
	}

	if _, err := repo.Store.Get(ctx, chaseRootInode(repo.ID)); err == ferrors.NotFound {
		if err := mkdirAllQuiet(repo.chasePath()); err != nil {
			return err
		}
		rec := meta.Record{Inode: chaseRootInode(repo.ID), ParentInode: repoRoot, Name: "chase", Kind: kind.ChaseRoot, ATime: now, MTime: now, CTime: now}
		if err := repo.Store.Put(ctx, rec); err != nil {
			return fmt.Errorf("create chase root: %w", err)
		}
	}

	for _, root := range refPresentationRoots() {
		ino, err := inode.Encode(repo.ID, root.seq, false)
		if err != nil {
			return err
		}
		if _, err := repo.Store.Get(ctx, uint64(ino)); err == ferrors.NotFound {
			rec := meta.Record{Inode: uint64(ino), ParentInode: repoRoot, Name: root.name, Kind: root.k, ATime: now, MTime: now, CTime: now}
			if err := repo.Store.Put(ctx, rec); err != nil {
				return fmt.Errorf("create %s root: %w", root.name, err)
			}
		} else if err != nil {
			return err
		}
	}
	return nil
}

func mkdirAllQuiet(path string) error {
	return os.MkdirAll(path, 0o755)
}

// lookupRepoRoot resolves "live", "build", or a derived month folder under
// a repo's root.
func (rt *Router) lookupRepoRoot(ctx context.Context, repo *Repo, name string) (meta.Record, error) {
	if err := rt.ensureFixedRoots(ctx, repo); err != nil {
		return meta.Record{}, err
	}
	if rec, err := repo.Store.Lookup(ctx, repoRootInode(repo.ID), name); err == nil {
		return rec, nil
	}
	if err := rt.deriveMonthFolders(ctx, repo); err != nil {
		return meta.Record{}, err
	}
	return repo.Store.Lookup(ctx, repoRootInode(repo.ID), name)
}

// readdirRepoRoot lists "live", "build", and every month folder derived
// from HEAD's commit history (spec.md §4.3 RepoRoot "months + live + build").
func (rt *Router) readdirRepoRoot(ctx context.Context, repo *Repo) ([]meta.ChildEntry, error) {
	if err := rt.ensureFixedRoots(ctx, repo); err != nil {
		return nil, err
	}
	if err := rt.deriveMonthFolders(ctx, repo); err != nil {
		return nil, err
	}
	return repo.Store.ListChildren(ctx, repoRootInode(repo.ID))
}

// deriveMonthFolders walks HEAD's history and persists a MonthFolder record
// for every distinct YYYY-MM bucket not already known (spec.md §4.3/§4.6:
// "derived on first readdir and persisted in the metadata store").
func (rt *Router) deriveMonthFolders(ctx context.Context, repo *Repo) error {
	refs, err := repo.ObjectDB.EnumerateRefs()
	if err != nil {
		return fmt.Errorf("derive month folders: enumerate refs: %w", err)
	}

	head, ok := refs.HeadCommit()
	if !ok {
		return nil // empty repo: nothing to derive yet
	}

	history, err := repo.ObjectDB.WalkHistory(head)
	if err != nil {
		return fmt.Errorf("derive month folders: walk history: %w", err)
	}

	seen := make(map[string]bool)
	now := time.Now().UTC()
	for _, c := range history {
		if err := rt.ensureSnapAndMonth(ctx, repo, c, seen, now); err != nil {
			return err
		}
	}
	return nil
}
