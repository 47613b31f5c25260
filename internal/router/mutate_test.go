package router

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kirr/gitfs/internal/buildsession"
	"github.com/kirr/gitfs/internal/ferrors"
	"github.com/kirr/gitfs/internal/handle"
	"github.com/kirr/gitfs/internal/inode"
	"github.com/kirr/gitfs/internal/kind"
	"github.com/kirr/gitfs/internal/meta"
)

func withHandles(repo *Repo) *Repo {
	repo.Handles = handle.New(nil)
	return repo
}

// headSnapRecord finds the SnapFolder record for the fake object DB's HEAD
// commit among month's children.
func headSnapRecord(t *testing.T, ctx context.Context, rt *Router, repo *Repo, month meta.Record) meta.Record {
	t.Helper()
	children, err := rt.readdirMonth(ctx, repo, month)
	require.NoError(t, err)
	for _, c := range children {
		rec, err := repo.Store.Get(ctx, c.Inode)
		require.NoError(t, err)
		if rec.ObjectID == hashFor(0xBB).String() {
			return rec
		}
	}
	t.Fatal("HEAD commit's snap folder not found")
	return meta.Record{}
}

func TestMkdirInsideLiveCreatesDirOnDiskAndInMetadata(t *testing.T) {
	rt, repo := newTestRouter(t)
	ctx := context.Background()

	liveRec, err := rt.lookupRepoRoot(ctx, repo, "live")
	require.NoError(t, err)
	require.Equal(t, kind.LiveRoot, liveRec.Kind)

	child, err := rt.Mkdir(ctx, inode.Ino(liveRec.Inode), "scratch")
	require.NoError(t, err)
	require.Equal(t, kind.InsideLive, child.Kind)

	info, err := os.Stat(filepath.Join(repo.livePath(), "scratch"))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	got, err := repo.Store.Lookup(ctx, liveRec.Inode, "scratch")
	require.NoError(t, err)
	require.Equal(t, child.Inode, got.Inode)
}

func TestMkdirDuplicateNameFails(t *testing.T) {
	rt, repo := newTestRouter(t)
	ctx := context.Background()

	liveRec, err := rt.lookupRepoRoot(ctx, repo, "live")
	require.NoError(t, err)

	_, err = rt.Mkdir(ctx, inode.Ino(liveRec.Inode), "dup")
	require.NoError(t, err)

	_, err = rt.Mkdir(ctx, inode.Ino(liveRec.Inode), "dup")
	require.Error(t, err)
}

func TestMkdirOnReadOnlyKindIsPermissionDenied(t *testing.T) {
	rt, repo := newTestRouter(t)
	ctx := context.Background()

	monthRec, err := rt.lookupRepoRoot(ctx, repo, "2026-03")
	require.NoError(t, err)

	_, err = rt.Mkdir(ctx, inode.Ino(monthRec.Inode), "nope")
	require.True(t, errors.Is(err, ferrors.PermissionDenied))
}

func TestMkdirInsideSnapMaterialisesBuildSessionScratch(t *testing.T) {
	rt, repo := newTestRouter(t)
	ctx := context.Background()

	monthRec, err := rt.lookupRepoRoot(ctx, repo, "2026-03")
	require.NoError(t, err)
	snap := headSnapRecord(t, ctx, rt, repo, monthRec)

	child, err := rt.Mkdir(ctx, inode.Ino(snap.Inode), "scratch-dir")
	require.NoError(t, err)
	require.Equal(t, kind.InsideSnap, child.Kind)

	key := buildsession.Key{RepoID: repo.ID, Commit: hashFor(0xBB)}
	session, ok := repo.Builds.Lookup(key)
	require.True(t, ok)
	info, err := os.Stat(filepath.Join(session.Scratch, "scratch-dir"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestOpenInsideLiveReturnsRealFileHandle(t *testing.T) {
	rt, repo := newTestRouter(t)
	withHandles(repo)
	ctx := context.Background()

	liveRec, err := rt.lookupRepoRoot(ctx, repo, "live")
	require.NoError(t, err)

	filePath := filepath.Join(repo.livePath(), "note.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("hello"), 0o644))
	now := time.Now().UTC()
	rec, err := rt.newRecord(ctx, repo, liveRec.Inode, "note.txt", kind.InsideLive, "", 0, 5, now)
	require.NoError(t, err)

	h, err := rt.Open(ctx, inode.Ino(rec.Inode), false)
	require.NoError(t, err)
	require.Equal(t, handle.SourceRealFile, h.Source)

	buf := make([]byte, 5)
	n, err := h.File.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
	require.NoError(t, h.File.Close())
}

func TestOpenInsideSnapReturnsBlobSnapshot(t *testing.T) {
	rt, repo := newTestRouter(t)
	withHandles(repo)
	ctx := context.Background()

	monthRec, err := rt.lookupRepoRoot(ctx, repo, "2026-03")
	require.NoError(t, err)
	snap := headSnapRecord(t, ctx, rt, repo, monthRec)

	readmeRec, err := rt.lookupSnapOrInside(ctx, repo, snap, "README.md")
	require.NoError(t, err)

	h, err := rt.Open(ctx, inode.Ino(readmeRec.Inode), false)
	require.NoError(t, err)
	require.Equal(t, handle.SourceBlobSnapshot, h.Source)
	require.Equal(t, "v2", string(h.Blob))
}

func TestOpenOnReadOnlyKindIsPermissionDenied(t *testing.T) {
	rt, repo := newTestRouter(t)
	withHandles(repo)
	ctx := context.Background()

	monthRec, err := rt.lookupRepoRoot(ctx, repo, "2026-03")
	require.NoError(t, err)

	_, err = rt.Open(ctx, inode.Ino(monthRec.Inode), false)
	require.True(t, errors.Is(err, ferrors.PermissionDenied))
}

func TestUnlinkInsideLiveTrashesAndTombstones(t *testing.T) {
	rt, repo := newTestRouter(t)
	ctx := context.Background()

	liveRec, err := rt.lookupRepoRoot(ctx, repo, "live")
	require.NoError(t, err)

	filePath := filepath.Join(repo.livePath(), "drop.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0o644))
	now := time.Now().UTC()
	_, err = rt.newRecord(ctx, repo, liveRec.Inode, "drop.txt", kind.InsideLive, "", 0, 1, now)
	require.NoError(t, err)

	require.NoError(t, rt.Unlink(ctx, inode.Ino(liveRec.Inode), "drop.txt"))

	_, err = os.Stat(filePath)
	require.True(t, os.IsNotExist(err))

	_, err = repo.Store.Lookup(ctx, liveRec.Inode, "drop.txt")
	require.True(t, errors.Is(err, ferrors.TombstoneNegative))

	trashed, err := os.ReadDir(repo.trashPath())
	require.NoError(t, err)
	require.Len(t, trashed, 1)
}

func TestRmdirOnReadOnlyKindIsPermissionDenied(t *testing.T) {
	rt, repo := newTestRouter(t)
	ctx := context.Background()

	monthRec, err := rt.lookupRepoRoot(ctx, repo, "2026-03")
	require.NoError(t, err)

	err = rt.Rmdir(ctx, inode.Ino(monthRec.Inode), "whatever")
	require.True(t, errors.Is(err, ferrors.PermissionDenied))
}

func TestUnlinkInsideSnapNeverMaterialisedSkipsOnDiskMove(t *testing.T) {
	rt, repo := newTestRouter(t)
	ctx := context.Background()

	monthRec, err := rt.lookupRepoRoot(ctx, repo, "2026-03")
	require.NoError(t, err)
	snap := headSnapRecord(t, ctx, rt, repo, monthRec)

	_, err = rt.lookupSnapOrInside(ctx, repo, snap, "README.md")
	require.NoError(t, err)

	require.NoError(t, rt.Unlink(ctx, inode.Ino(snap.Inode), "README.md"))

	_, err = repo.Store.Lookup(ctx, snap.Inode, "README.md")
	require.True(t, errors.Is(err, ferrors.TombstoneNegative))

	if entries, statErr := os.ReadDir(repo.trashPath()); statErr == nil {
		require.Len(t, entries, 0, "nothing was materialised, so nothing should be trashed")
	}
}

func TestRenameWithinLiveMovesOnDiskAndMetadata(t *testing.T) {
	rt, repo := newTestRouter(t)
	ctx := context.Background()

	liveRec, err := rt.lookupRepoRoot(ctx, repo, "live")
	require.NoError(t, err)

	filePath := filepath.Join(repo.livePath(), "a.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0o644))
	now := time.Now().UTC()
	_, err = rt.newRecord(ctx, repo, liveRec.Inode, "a.txt", kind.InsideLive, "", 0, 1, now)
	require.NoError(t, err)

	require.NoError(t, rt.Rename(ctx, inode.Ino(liveRec.Inode), "a.txt", inode.Ino(liveRec.Inode), "b.txt"))

	_, err = os.Stat(filepath.Join(repo.livePath(), "b.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filePath)
	require.True(t, os.IsNotExist(err))

	_, err = repo.Store.Lookup(ctx, liveRec.Inode, "b.txt")
	require.NoError(t, err)
}

func TestRenameAcrossIncompatibleKindsIsPermissionDenied(t *testing.T) {
	rt, repo := newTestRouter(t)
	ctx := context.Background()

	liveRec, err := rt.lookupRepoRoot(ctx, repo, "live")
	require.NoError(t, err)
	monthRec, err := rt.lookupRepoRoot(ctx, repo, "2026-03")
	require.NoError(t, err)

	filePath := filepath.Join(repo.livePath(), "only.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0o644))
	now := time.Now().UTC()
	_, err = rt.newRecord(ctx, repo, liveRec.Inode, "only.txt", kind.InsideLive, "", 0, 1, now)
	require.NoError(t, err)

	err = rt.Rename(ctx, inode.Ino(liveRec.Inode), "only.txt", inode.Ino(monthRec.Inode), "only.txt")
	require.True(t, errors.Is(err, ferrors.PermissionDenied))
}

func TestRenameSnapToBuildTransitionsKindFlag(t *testing.T) {
	rt, repo := newTestRouter(t)
	ctx := context.Background()

	monthRec, err := rt.lookupRepoRoot(ctx, repo, "2026-03")
	require.NoError(t, err)
	snap := headSnapRecord(t, ctx, rt, repo, monthRec)

	readmeRec, err := rt.lookupSnapOrInside(ctx, repo, snap, "README.md")
	require.NoError(t, err)

	// GetOrInit materialises the commit tree into scratch; the Release below
	// drops the last reference and tears that session down again, so
	// renameSnapToBuild materialises the source afresh through its own
	// GetOrInit.
	key := buildsession.Key{RepoID: repo.ID, Commit: hashFor(0xBB)}
	session, err := repo.Builds.GetOrInit(ctx, repo.ID, hashFor(0xBB))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(session.Scratch, "README.md"), []byte("v2"), 0o644))
	require.NoError(t, repo.Builds.Release(key))

	buildRec, err := rt.lookupRepoRoot(ctx, repo, "build")
	require.NoError(t, err)

	err = rt.Rename(ctx, inode.Ino(snap.Inode), "README.md", inode.Ino(buildRec.Inode), "README.md")
	require.NoError(t, err)

	moved, err := repo.Store.Lookup(ctx, buildRec.Inode, "README.md")
	require.NoError(t, err)
	require.Equal(t, kind.InsideBuild, moved.Kind)
	require.Equal(t, readmeRec.Inode, moved.Inode)

	data, err := os.ReadFile(filepath.Join(repo.buildPath(), "README.md"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(data))
}
