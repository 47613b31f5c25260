package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kirr/gitfs/internal/buildsession"
	"github.com/kirr/gitfs/internal/ferrors"
	"github.com/kirr/gitfs/internal/handle"
	"github.com/kirr/gitfs/internal/inode"
	"github.com/kirr/gitfs/internal/janitor"
	"github.com/kirr/gitfs/internal/kind"
	"github.com/kirr/gitfs/internal/meta"
)

// Mkdir creates name under parent, dispatching on parent's kind-flag per
// spec.md §4.3's case table: on-disk for Live/Build areas, scratch
// materialisation for a snap (the build session is materialised into
// scratch before the directory is created, and pinned so that the scratch
// copy outlives the call). Every other parent kind rejects with
// PermissionDenied.
func (rt *Router) Mkdir(ctx context.Context, parent inode.Ino, name string) (meta.Record, error) {
	repo, err := rt.repoOf(parent)
	if err != nil {
		return meta.Record{}, err
	}
	parentRec, err := repo.Store.Get(ctx, uint64(parent))
	if err != nil {
		return meta.Record{}, err
	}

	switch parentRec.Kind {
	case kind.LiveRoot, kind.InsideLive:
		return rt.mkdirOnDisk(ctx, repo, parentRec, name, repo.livePath(), kind.InsideLive)
	case kind.BuildRoot, kind.InsideBuild:
		return rt.mkdirOnDisk(ctx, repo, parentRec, name, repo.buildPath(), kind.InsideBuild)
	case kind.SnapFolder, kind.InsideSnap:
		return rt.mkdirInsideSnap(ctx, repo, parentRec, name)
	default:
		return meta.Record{}, fmt.Errorf("%w: mkdir not permitted under %s", ferrors.PermissionDenied, parentRec.Kind)
	}
}

func (rt *Router) mkdirOnDisk(ctx context.Context, repo *Repo, parentRec meta.Record, name, base string, k kind.Flag) (meta.Record, error) {
	absPath := filepath.Join(base, relPathFrom(ctx, repo, parentRec), name)
	if err := os.Mkdir(absPath, 0o755); err != nil {
		if os.IsExist(err) {
			return meta.Record{}, ferrors.NameExists
		}
		return meta.Record{}, fmt.Errorf("mkdir %s: %w", absPath, err)
	}
	now := time.Now().UTC()
	return rt.newRecord(ctx, repo, parentRec.Inode, name, k, "", 0, 0, now)
}

func (rt *Router) mkdirInsideSnap(ctx context.Context, repo *Repo, parentRec meta.Record, name string) (meta.Record, error) {
	commit, relPath, err := rt.commitRootAndPath(ctx, repo, parentRec)
	if err != nil {
		return meta.Record{}, err
	}
	key := buildsession.Key{RepoID: repo.ID, Commit: commit}
	session, err := repo.Builds.GetOrInit(ctx, repo.ID, commit)
	if err != nil {
		return meta.Record{}, err
	}
	defer repo.Builds.Release(key)

	scratchDir := session.Scratch
	if relPath != "" {
		scratchDir = filepath.Join(scratchDir, relPath)
	}
	target := filepath.Join(scratchDir, name)
	if err := os.Mkdir(target, 0o755); err != nil {
		if os.IsExist(err) {
			return meta.Record{}, ferrors.NameExists
		}
		return meta.Record{}, fmt.Errorf("mkdir %s: %w", target, err)
	}
	repo.Builds.Pin(key)

	now := time.Now().UTC()
	return rt.newRecord(ctx, repo, parentRec.Inode, name, kind.InsideSnap, "", 0, 0, now)
}

// Create makes a new, empty regular file under parent and opens it for
// writing in one step, per spec.md §4.3's "create" column: on-disk for
// Live/Build areas only. Snap folders and every read-only case reject with
// PermissionDenied — a new file belongs in the Live or Build working area,
// never directly inside a commit's tree.
func (rt *Router) Create(ctx context.Context, parent inode.Ino, name string) (meta.Record, *handle.Handle, error) {
	repo, err := rt.repoOf(parent)
	if err != nil {
		return meta.Record{}, nil, err
	}
	parentRec, err := repo.Store.Get(ctx, uint64(parent))
	if err != nil {
		return meta.Record{}, nil, err
	}

	var base string
	var k kind.Flag
	switch parentRec.Kind {
	case kind.LiveRoot, kind.InsideLive:
		base, k = repo.livePath(), kind.InsideLive
	case kind.BuildRoot, kind.InsideBuild:
		base, k = repo.buildPath(), kind.InsideBuild
	default:
		return meta.Record{}, nil, fmt.Errorf("%w: create not permitted under %s", ferrors.PermissionDenied, parentRec.Kind)
	}

	absPath := filepath.Join(base, relPathFrom(ctx, repo, parentRec), name)
	f, err := os.OpenFile(absPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return meta.Record{}, nil, ferrors.NameExists
		}
		return meta.Record{}, nil, fmt.Errorf("create %s: %w", absPath, err)
	}

	now := time.Now().UTC()
	rec, err := rt.newRecord(ctx, repo, parentRec.Inode, name, k, "", 0, 0, now)
	if err != nil {
		f.Close()
		os.Remove(absPath)
		return meta.Record{}, nil, err
	}

	h := &handle.Handle{Inode: rec.Inode, Source: handle.SourceRealFile, Writable: true, File: f}
	repo.Handles.Open(h)
	return rec, h, nil
}

// Open resolves an on-disk or git-backed inode to a handle, per spec.md
// §4.3's open column and §4.7's handle table. Live/Build entries open the
// real file; InsideSnap/Virtual entries get an immutable blob snapshot
// (read-only, "no seek beyond end" is the caller's responsibility to honour
// against Blob's length). Every other kind rejects with PermissionDenied.
func (rt *Router) Open(ctx context.Context, ino inode.Ino, writable bool) (*handle.Handle, error) {
	repo, err := rt.repoOf(ino)
	if err != nil {
		return nil, err
	}
	rec, err := repo.Store.Get(ctx, uint64(ino))
	if err != nil {
		return nil, err
	}

	switch rec.Kind {
	case kind.InsideLive:
		return rt.openOnDisk(ctx, repo, rec, repo.livePath(), writable)
	case kind.InsideBuild:
		return rt.openOnDisk(ctx, repo, rec, repo.buildPath(), writable)
	case kind.InsideSnap, kind.VirtualFile:
		if writable {
			return rt.openInsideSnapForWrite(ctx, repo, rec)
		}
		return rt.openBlobSnapshot(repo, rec)
	default:
		return nil, fmt.Errorf("%w: open not permitted on %s", ferrors.PermissionDenied, rec.Kind)
	}
}

func (rt *Router) openOnDisk(ctx context.Context, repo *Repo, rec meta.Record, base string, writable bool) (*handle.Handle, error) {
	parent, err := repo.Store.Get(ctx, rec.ParentInode)
	if err != nil {
		return nil, err
	}
	absPath := filepath.Join(base, relPathFrom(ctx, repo, parent), rec.Name)
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(absPath, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", absPath, err)
	}
	h := &handle.Handle{Inode: uint64(rec.Inode), Source: handle.SourceRealFile, Writable: writable, File: f}
	repo.Handles.Open(h)
	return h, nil
}

func (rt *Router) openBlobSnapshot(repo *Repo, rec meta.Record) (*handle.Handle, error) {
	data, err := repo.ObjectDB.FindBlob(plumbing.NewHash(rec.ObjectID))
	if err != nil {
		return nil, err
	}
	h := &handle.Handle{Inode: rec.Inode, Source: handle.SourceBlobSnapshot, Blob: data}
	repo.Handles.Open(h)
	return h, nil
}

// openInsideSnapForWrite implements SPEC_FULL.md's materialise-on-first-write
// resolution of spec.md's Open Question about `write_git`: a write to an
// InsideSnap inode pins and materialises its owning build session (exactly
// as mkdirInsideSnap does), then opens the now-on-disk copy for read-write.
// The inode's Kind is left as InsideSnap (I3 is not violated: it still
// presents under its snap folder, it is simply now scratch-backed like any
// other materialised entry).
func (rt *Router) openInsideSnapForWrite(ctx context.Context, repo *Repo, rec meta.Record) (*handle.Handle, error) {
	parent, err := repo.Store.Get(ctx, rec.ParentInode)
	if err != nil {
		return nil, err
	}
	commit, relPath, err := rt.commitRootAndPath(ctx, repo, parent)
	if err != nil {
		return nil, err
	}
	key := buildsession.Key{RepoID: repo.ID, Commit: commit}
	session, err := repo.Builds.GetOrInit(ctx, repo.ID, commit)
	if err != nil {
		return nil, err
	}
	// Pin the session for the handle's lifetime, then release the open-count
	// increment GetOrInit just gave us: the pin (not the count) is what keeps
	// the session alive now, so Close's Unpin can tear it down the moment
	// nothing else references it (buildsession.Cache.Pin/Unpin semantics).
	repo.Builds.Pin(key)
	repo.Builds.Release(key)

	scratchDir := session.Scratch
	if relPath != "" {
		scratchDir = filepath.Join(scratchDir, relPath)
	}
	absPath := filepath.Join(scratchDir, rec.Name)
	f, err := os.OpenFile(absPath, os.O_RDWR, 0o644)
	if err != nil {
		repo.Builds.Unpin(key)
		return nil, fmt.Errorf("open %s: %w", absPath, err)
	}
	h := &handle.Handle{Inode: rec.Inode, Source: handle.SourceRealFile, Writable: true, File: &unpinningFile{File: f, cache: repo.Builds, key: key}}
	repo.Handles.Open(h)
	return h, nil
}

// unpinningFile releases a materialise-on-write build-session pin when the
// handle backed by it is closed, balancing openInsideSnapForWrite's Pin.
type unpinningFile struct {
	*os.File
	cache *buildsession.Cache
	key   buildsession.Key
}

func (f *unpinningFile) Close() error {
	err := f.File.Close()
	f.cache.Unpin(f.key)
	return err
}

// Close releases a handle opened by Open, decrementing its inode's open
// count (spec.md §4.7).
func (rt *Router) Close(ino inode.Ino, fh uint64) error {
	repo, err := rt.repoOf(ino)
	if err != nil {
		return err
	}
	h, ok := repo.Handles.Get(fh)
	if !ok {
		return nil
	}
	if h.Source == handle.SourceRealFile && h.File != nil {
		if err := h.File.Close(); err != nil {
			return err
		}
	}
	repo.Handles.Close(fh)
	return nil
}

// Rename moves (oldParent, oldName) to (newParent, newName), dispatching on
// both endpoints' kinds per spec.md §4.3: same-kind Live/Build moves are a
// plain on-disk rename plus metadata swap; InsideSnap only renames within
// the same commit; InsideSnap -> InsideBuild is the one permitted kind-flag
// transition of invariant I3, applied atomically with the metadata swap.
func (rt *Router) Rename(ctx context.Context, oldParent inode.Ino, oldName string, newParent inode.Ino, newName string) error {
	repo, err := rt.repoOf(oldParent)
	if err != nil {
		return err
	}
	if repo2, err := rt.repoOf(newParent); err != nil || repo2.ID != repo.ID {
		return fmt.Errorf("%w: rename across repos not permitted", ferrors.PermissionDenied)
	}

	oldParentRec, err := repo.Store.Get(ctx, uint64(oldParent))
	if err != nil {
		return err
	}
	newParentRec, err := repo.Store.Get(ctx, uint64(newParent))
	if err != nil {
		return err
	}
	childRec, err := repo.Store.Lookup(ctx, oldParentRec.Inode, oldName)
	if err != nil {
		return err
	}

	switch {
	case isLiveKind(oldParentRec.Kind) && isLiveKind(newParentRec.Kind):
		return rt.renameOnDisk(ctx, repo, oldParentRec, oldName, newParentRec, newName, repo.livePath())
	case isBuildKind(oldParentRec.Kind) && isBuildKind(newParentRec.Kind):
		return rt.renameOnDisk(ctx, repo, oldParentRec, oldName, newParentRec, newName, repo.buildPath())
	case oldParentRec.Kind == kind.InsideSnap && newParentRec.Kind == kind.InsideSnap:
		return rt.renameWithinSnap(ctx, repo, oldParentRec, oldName, newParentRec, newName)
	case (oldParentRec.Kind == kind.SnapFolder || oldParentRec.Kind == kind.InsideSnap) && isBuildKind(newParentRec.Kind):
		return rt.renameSnapToBuild(ctx, repo, oldParentRec, oldName, newParentRec, newName, childRec)
	default:
		return fmt.Errorf("%w: rename from %s to %s not permitted", ferrors.PermissionDenied, oldParentRec.Kind, newParentRec.Kind)
	}
}

func isLiveKind(k kind.Flag) bool  { return k == kind.LiveRoot || k == kind.InsideLive }
func isBuildKind(k kind.Flag) bool { return k == kind.BuildRoot || k == kind.InsideBuild }

func (rt *Router) renameOnDisk(ctx context.Context, repo *Repo, oldParentRec meta.Record, oldName string, newParentRec meta.Record, newName string, base string) error {
	src := filepath.Join(base, relPathFrom(ctx, repo, oldParentRec), oldName)
	dst := filepath.Join(base, relPathFrom(ctx, repo, newParentRec), newName)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", src, dst, err)
	}
	return repo.Store.Rename(ctx, oldParentRec.Inode, oldName, newParentRec.Inode, newName)
}

// renameWithinSnap moves a materialised scratch entry within the same
// commit's session (spec.md §4.3 InsideSnap rename: "within-commit only").
func (rt *Router) renameWithinSnap(ctx context.Context, repo *Repo, oldParentRec meta.Record, oldName string, newParentRec meta.Record, newName string) error {
	oldCommit, oldRel, err := rt.commitRootAndPath(ctx, repo, oldParentRec)
	if err != nil {
		return err
	}
	newCommit, newRel, err := rt.commitRootAndPath(ctx, repo, newParentRec)
	if err != nil {
		return err
	}
	if oldCommit != newCommit {
		return fmt.Errorf("%w: InsideSnap rename must stay within one commit", ferrors.PermissionDenied)
	}

	key := buildsession.Key{RepoID: repo.ID, Commit: oldCommit}
	session, err := repo.Builds.GetOrInit(ctx, repo.ID, oldCommit)
	if err != nil {
		return err
	}
	defer repo.Builds.Release(key)

	src := filepath.Join(session.Scratch, oldRel, oldName)
	dst := filepath.Join(session.Scratch, newRel, newName)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", src, dst, err)
	}
	return repo.Store.Rename(ctx, oldParentRec.Inode, oldName, newParentRec.Inode, newName)
}

// renameSnapToBuild implements invariant I3's one permitted kind-flag
// transition: InsideSnap -> InsideBuild. The source is materialised (if not
// already) and its bytes copied into the repo's on-disk build area at
// newParentRec's path; the metadata
// record's Kind is updated to InsideBuild via Put (issued before Rename, per
// meta.Store.Rename's documented contract) in the same logical operation.
func (rt *Router) renameSnapToBuild(ctx context.Context, repo *Repo, oldParentRec meta.Record, oldName string, newParentRec meta.Record, newName string, childRec meta.Record) error {
	oldCommit, oldRel, err := rt.commitRootAndPath(ctx, repo, oldParentRec)
	if err != nil {
		return err
	}
	oldKey := buildsession.Key{RepoID: repo.ID, Commit: oldCommit}
	oldSession, err := repo.Builds.GetOrInit(ctx, repo.ID, oldCommit)
	if err != nil {
		return err
	}
	defer repo.Builds.Release(oldKey)

	src := filepath.Join(oldSession.Scratch, oldRel, oldName)
	dst := filepath.Join(repo.buildPath(), relPathFrom(ctx, repo, newParentRec), newName)

	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	perm := os.FileMode(0o644)
	if childRec.FileMode != 0 && childRec.FileMode&0o111 != 0 {
		perm = 0o755
	}
	if err := os.WriteFile(dst, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	os.Remove(src)

	childRec.Kind = kind.InsideBuild
	childRec.ParentInode = newParentRec.Inode
	childRec.Name = newName
	if err := repo.Store.Put(ctx, childRec); err != nil {
		return err
	}
	return repo.Store.Rename(ctx, oldParentRec.Inode, oldName, newParentRec.Inode, newName)
}

// Unlink soft-deletes a file dentry (spec.md §4.3: trash+meta on
// Live/Build/Snap areas; PermissionDenied elsewhere).
func (rt *Router) Unlink(ctx context.Context, parent inode.Ino, name string) error {
	return rt.trash(ctx, parent, name, false)
}

// Rmdir soft-deletes a directory dentry the same way Unlink does a file.
func (rt *Router) Rmdir(ctx context.Context, parent inode.Ino, name string) error {
	return rt.trash(ctx, parent, name, true)
}

func (rt *Router) trash(ctx context.Context, parent inode.Ino, name string, isDir bool) error {
	repo, err := rt.repoOf(parent)
	if err != nil {
		return err
	}
	parentRec, err := repo.Store.Get(ctx, uint64(parent))
	if err != nil {
		return err
	}

	switch parentRec.Kind {
	case kind.LiveRoot, kind.InsideLive:
		k := janitor.UnlinkLive
		if isDir {
			k = janitor.RmdirLive
		}
		return rt.trashOnDisk(ctx, repo, parentRec, name, repo.livePath(), k)
	case kind.InsideBuild:
		k := janitor.UnlinkGit
		if isDir {
			k = janitor.RmdirGit
		}
		return rt.trashOnDisk(ctx, repo, parentRec, name, repo.buildPath(), k)
	case kind.SnapFolder, kind.InsideSnap:
		return rt.trashInsideSnap(ctx, repo, parentRec, name, isDir)
	default:
		return fmt.Errorf("%w: unlink/rmdir not permitted under %s", ferrors.PermissionDenied, parentRec.Kind)
	}
}

func (rt *Router) trashOnDisk(ctx context.Context, repo *Repo, parentRec meta.Record, name, base string, k janitor.Kind) error {
	if _, err := repo.Store.Lookup(ctx, parentRec.Inode, name); err != nil {
		return err
	}
	src := filepath.Join(base, relPathFrom(ctx, repo, parentRec), name)
	trashPath, err := rt.moveToTrash(repo, parentRec.Inode, name, src)
	if err != nil {
		return err
	}
	if err := repo.Store.Unlink(ctx, parentRec.Inode, name); err != nil {
		return err
	}
	rt.enqueueJanitor(repo.ID, parentRec.Inode, name, trashPath, k)
	return nil
}

// trashInsideSnap handles the InsideSnap/SnapFolder case: only a commit
// whose build session has already been materialised (by an earlier mkdir,
// write, or rename) has anything on disk to move. Looking the session up
// rather than calling GetOrInit avoids forcing a full-tree checkout just to
// delete something nobody ever touched; a name that was never materialised
// tombstones cleanly with no on-disk move.
func (rt *Router) trashInsideSnap(ctx context.Context, repo *Repo, parentRec meta.Record, name string, isDir bool) error {
	if _, err := repo.Store.Lookup(ctx, parentRec.Inode, name); err != nil {
		return err
	}
	commit, relPath, err := rt.commitRootAndPath(ctx, repo, parentRec)
	if err != nil {
		return err
	}
	key := buildsession.Key{RepoID: repo.ID, Commit: commit}
	session, ok := repo.Builds.Lookup(key)
	if !ok {
		return repo.Store.Unlink(ctx, parentRec.Inode, name)
	}

	scratchDir := session.Scratch
	if relPath != "" {
		scratchDir = filepath.Join(scratchDir, relPath)
	}
	src := filepath.Join(scratchDir, name)

	if _, statErr := os.Stat(src); statErr == nil {
		trashPath, err := rt.moveToTrash(repo, parentRec.Inode, name, src)
		if err != nil {
			return err
		}
		if err := repo.Store.Unlink(ctx, parentRec.Inode, name); err != nil {
			return err
		}
		k := janitor.UnlinkGit
		if isDir {
			k = janitor.RmdirGit
		}
		rt.enqueueJanitor(repo.ID, parentRec.Inode, name, trashPath, k)
		return nil
	}
	return repo.Store.Unlink(ctx, parentRec.Inode, name)
}

func (rt *Router) moveToTrash(repo *Repo, parentIno uint64, name, src string) (string, error) {
	if err := os.MkdirAll(repo.trashPath(), 0o755); err != nil {
		return "", fmt.Errorf("create trash dir: %w", err)
	}
	trashPath := filepath.Join(repo.trashPath(), fmt.Sprintf("%d-%s", parentIno, name))
	if err := os.Rename(src, trashPath); err != nil {
		return "", fmt.Errorf("trash %s: %w", src, err)
	}
	return trashPath, nil
}

func (rt *Router) enqueueJanitor(repoID uint16, parentIno uint64, name, trashPath string, k janitor.Kind) {
	if rt.janitor == nil {
		return
	}
	rt.janitor.Enqueue(janitor.Job{Kind: k, RepoID: repoID, ParentInode: parentIno, Name: name, TrashPath: trashPath})
}
