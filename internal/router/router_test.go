package router

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kirr/gitfs/internal/buildsession"
	"github.com/kirr/gitfs/internal/inode"
	"github.com/kirr/gitfs/internal/kind"
	"github.com/kirr/gitfs/internal/meta"
	"github.com/kirr/gitfs/internal/objectdb"
	"github.com/kirr/gitfs/internal/virtualdir"
)

func hashFor(b byte) plumbing.Hash {
	var h plumbing.Hash
	h[0] = b
	return h
}

// newTestRouter builds a one-repo router backed entirely by in-memory/fake
// components: a two-commit fake object DB (old "README.md" version, new
// version on top plus a new "src/main.go"), "main" as the current branch.
func newTestRouter(t *testing.T) (*Router, *Repo) {
	t.Helper()
	log := zerolog.Nop()

	root, err := OpenRootRegistry(filepath.Join(t.TempDir(), "root.db"))
	require.NoError(t, err)
	t.Cleanup(func() { root.Close() })

	rt := New(t.TempDir(), root, log)

	store, err := meta.Open(filepath.Join(t.TempDir(), "fs_meta.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := objectdb.NewFake()
	old := hashFor(0xAA)
	head := hashFor(0xBB)
	when1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	when2 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	fake.AddCommit(old, when1, map[string][]byte{"README.md": []byte("v1")})
	fake.AddCommit(head, when2, map[string][]byte{
		"README.md":   []byte("v2"),
		"src/main.go": []byte("package main"),
	}, old)
	fake.SetBranch("main", head)
	fake.SetHead(head)

	builds := buildsession.New(log)
	builds.Register(1, filepath.Join(rt.reposDir, "demo", ".build"), fake)

	virtual := virtualdir.New(fake, store, store, 1)

	repo := &Repo{
		ID: 1, Name: "demo", Root: filepath.Join(rt.reposDir, "demo"),
		Store: store, ObjectDB: fake, Builds: builds, Virtual: virtual,
	}

	id, err := root.NextRepoID()
	require.NoError(t, err)
	require.Equal(t, uint16(1), id)
	require.NoError(t, root.Register("demo", 1))

	now := time.Now().UTC()
	repoRootRec := meta.Record{Inode: repoRootInode(1), Name: "demo", Kind: kind.RepoRoot, ATime: now, MTime: now, CTime: now}
	require.NoError(t, store.Put(context.Background(), repoRootRec))

	rt.RegisterRepo(repo)
	return rt, repo
}

func TestReaddirRootListsRegisteredRepo(t *testing.T) {
	rt, _ := newTestRouter(t)
	entries, err := rt.readdirRoot(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "demo", entries[0].Name)
}

func TestReaddirRepoRootListsFixedAndMonthFolders(t *testing.T) {
	rt, repo := newTestRouter(t)
	ctx := context.Background()
	entries, err := rt.readdirRepoRoot(ctx, repo)
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name] = true
	}
	require.True(t, names["live"])
	require.True(t, names["build"])
	require.True(t, names["branches"])
	require.True(t, names["tags"])
	require.True(t, names["pr"])
	require.True(t, names["pr-merge"])
	require.True(t, names["2026-03"], "both commits fall in March 2026")
}

func TestLookupSnapFolderListsTreeEntries(t *testing.T) {
	rt, repo := newTestRouter(t)
	ctx := context.Background()

	monthRec, err := rt.lookupRepoRoot(ctx, repo, "2026-03")
	require.NoError(t, err)
	require.Equal(t, kind.MonthFolder, monthRec.Kind)

	children, err := rt.readdirMonth(ctx, repo, monthRec)
	require.NoError(t, err)
	require.Len(t, children, 2, "one snap folder per commit")

	snapRec, err := repo.Store.Get(ctx, children[0].Inode)
	require.NoError(t, err)
	require.Equal(t, kind.SnapFolder, snapRec.Kind)

	entries, err := rt.readdirSnap(ctx, repo, snapRec)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	require.Contains(t, names, "README.md")
}

func TestLookupInsideSnapResolvesNestedPath(t *testing.T) {
	rt, repo := newTestRouter(t)
	ctx := context.Background()

	monthRec, err := rt.lookupRepoRoot(ctx, repo, "2026-03")
	require.NoError(t, err)
	children, err := rt.readdirMonth(ctx, repo, monthRec)
	require.NoError(t, err)

	var headSnap meta.Record
	for _, c := range children {
		rec, err := repo.Store.Get(ctx, c.Inode)
		require.NoError(t, err)
		if rec.ObjectID == hashFor(0xBB).String() {
			headSnap = rec
		}
	}
	require.NotZero(t, headSnap.Inode, "HEAD commit's snap folder must be among the derived children")

	srcRec, err := rt.lookupSnapOrInside(ctx, repo, headSnap, "src")
	require.NoError(t, err)
	require.Equal(t, kind.InsideSnap, srcRec.Kind)

	mainRec, err := rt.lookupSnapOrInside(ctx, repo, srcRec, "main.go")
	require.NoError(t, err)
	require.Equal(t, kind.InsideSnap, mainRec.Kind)
}

func TestLookupVirtualTriggerAndReaddirHistory(t *testing.T) {
	rt, repo := newTestRouter(t)
	ctx := context.Background()

	monthRec, err := rt.lookupRepoRoot(ctx, repo, "2026-03")
	require.NoError(t, err)
	children, err := rt.readdirMonth(ctx, repo, monthRec)
	require.NoError(t, err)

	var headSnap meta.Record
	for _, c := range children {
		rec, err := repo.Store.Get(ctx, c.Inode)
		require.NoError(t, err)
		if rec.ObjectID == hashFor(0xBB).String() {
			headSnap = rec
		}
	}
	require.NotZero(t, headSnap.Inode)

	triggerRec, err := rt.lookupSnapOrInside(ctx, repo, headSnap, "README.md@")
	require.NoError(t, err)
	require.Equal(t, kind.VirtualFile, triggerRec.Kind)

	entries, err := rt.readdirVirtual(ctx, repo, triggerRec)
	require.NoError(t, err)
	require.Len(t, entries, 2, "two historical versions of README.md")
}

func TestBranchPresentationRedirectsToSnapFolder(t *testing.T) {
	rt, repo := newTestRouter(t)
	ctx := context.Background()

	branchesRec, err := rt.lookupRepoRoot(ctx, repo, "branches")
	require.NoError(t, err)
	require.Equal(t, kind.BranchesRoot, branchesRec.Kind)

	mainFolder, err := rt.lookupRefPresentation(ctx, repo, branchesRec, "main")
	require.NoError(t, err)
	require.Equal(t, kind.BranchFolder, mainFolder.Kind)

	headRec, err := rt.lookupInsideRefFolder(ctx, repo, mainFolder, "HEAD")
	require.NoError(t, err)
	require.Equal(t, kind.SnapFolder, headRec.Kind)
	require.Equal(t, hashFor(0xBB).String(), headRec.ObjectID)
}

func TestRepoRootInodeIsStableAcrossRepos(t *testing.T) {
	a := repoRootInode(1)
	b := repoRootInode(2)
	require.NotEqual(t, a, b)
	repoID, seq, virtual := inode.Decode(inode.Ino(a))
	require.Equal(t, uint16(1), repoID)
	require.Equal(t, uint64(0), seq)
	require.False(t, virtual)
}
