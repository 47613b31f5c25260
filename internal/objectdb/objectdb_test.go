package objectdb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) (string, *GoGitCapability) {
	t.Helper()
	dir := t.TempDir()
	cap, err := Init(dir)
	require.NoError(t, err)
	return dir, cap
}

func commitFile(t *testing.T, dir string, wt *git.Worktree, path, content, msg string) object.Hash {
	t.Helper()
	full := filepath.Join(dir, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	_, err := wt.Add(path)
	require.NoError(t, err)
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "t@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash
}

func commitFileAt(t *testing.T, dir string, wt *git.Worktree, path, content, msg string, when time.Time) object.Hash {
	t.Helper()
	full := filepath.Join(dir, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	_, err := wt.Add(path)
	require.NoError(t, err)
	sig := &object.Signature{Name: "tester", Email: "t@example.com", When: when}
	hash, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)
	return hash
}

func TestInitAndListTree(t *testing.T) {
	dir, cap := newTestRepo(t)
	wt, err := cap.Repository().Worktree()
	require.NoError(t, err)

	commitFile(t, dir, wt, "README.md", "hello", "initial")
	commitFile(t, dir, wt, "sub/a.go", "package sub", "add sub")

	head, err := cap.Repository().Head()
	require.NoError(t, err)

	entries, err := cap.ListTree(head.Hash(), "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "README.md", entries[0].Name)
	require.Equal(t, KindBlob, entries[0].Kind)
	require.Equal(t, "sub", entries[1].Name)
	require.Equal(t, KindTree, entries[1].Kind)

	subEntries, err := cap.ListTree(head.Hash(), "sub")
	require.NoError(t, err)
	require.Len(t, subEntries, 1)
	require.Equal(t, "a.go", subEntries[0].Name)
}

func TestFindCommitByPrefix(t *testing.T) {
	dir, cap := newTestRepo(t)
	wt, err := cap.Repository().Worktree()
	require.NoError(t, err)
	hash := commitFile(t, dir, wt, "a.txt", "x", "c1")

	full, err := cap.FindCommitByPrefix(hash.String())
	require.NoError(t, err)
	require.Equal(t, hash, full)

	short, err := cap.FindCommitByPrefix(hash.String()[:8])
	require.NoError(t, err)
	require.Equal(t, hash, short)

	_, err = cap.FindCommitByPrefix("ffffffff")
	require.Error(t, err)
}

func TestFindBlob(t *testing.T) {
	dir, cap := newTestRepo(t)
	wt, err := cap.Repository().Worktree()
	require.NoError(t, err)
	commitFile(t, dir, wt, "a.txt", "hello world", "c1")

	head, err := cap.Repository().Head()
	require.NoError(t, err)
	entries, err := cap.ListTree(head.Hash(), "")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := cap.FindBlob(entries[0].ObjectID)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestWalkHistoryOrdering(t *testing.T) {
	dir, cap := newTestRepo(t)
	wt, err := cap.Repository().Worktree()
	require.NoError(t, err)

	commitFile(t, dir, wt, "a.txt", "1", "c1")
	commitFile(t, dir, wt, "a.txt", "2", "c2")
	head := commitFile(t, dir, wt, "a.txt", "3", "c3")

	hashes, err := cap.WalkHistory(head)
	require.NoError(t, err)
	require.Len(t, hashes, 3)
	require.Equal(t, head, hashes[0], "newest commit first")
}

func TestWalkHistoryIsTopologicalDespiteSkewedTimestamps(t *testing.T) {
	dir, cap := newTestRepo(t)
	wt, err := cap.Repository().Worktree()
	require.NoError(t, err)

	base := time.Now()
	parent := commitFileAt(t, dir, wt, "a.txt", "1", "parent", base)
	// child's committer time is earlier than its parent's, simulating a
	// rebase that skews wall-clock order away from topological order; a
	// pure time-descending sort would put parent before child here.
	child := commitFileAt(t, dir, wt, "a.txt", "2", "child", base.Add(-time.Hour))

	hashes, err := cap.WalkHistory(child)
	require.NoError(t, err)
	require.Equal(t, []object.Hash{child, parent}, hashes, "child must sort before its parent despite an earlier committer time")
}

func TestBlobHistoryOldestFirst(t *testing.T) {
	dir, cap := newTestRepo(t)
	wt, err := cap.Repository().Worktree()
	require.NoError(t, err)

	commitFile(t, dir, wt, "a.txt", "v1", "c1")
	commitFile(t, dir, wt, "a.txt", "v2", "c2")
	head := commitFile(t, dir, wt, "a.txt", "v3", "c3")

	entries, err := cap.ListTree(head, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	versions, err := cap.BlobHistory(head, entries[0].ObjectID)
	require.NoError(t, err)
	require.Len(t, versions, 3)

	data, err := cap.FindBlob(versions[0].ObjectID)
	require.NoError(t, err)
	require.Equal(t, "v1", string(data), "oldest version must be first")

	data, err = cap.FindBlob(versions[len(versions)-1].ObjectID)
	require.NoError(t, err)
	require.Equal(t, "v3", string(data))
}

func TestEnumerateRefsClassifiesMainAndBranch(t *testing.T) {
	dir, cap := newTestRepo(t)
	wt, err := cap.Repository().Worktree()
	require.NoError(t, err)
	mainHash := commitFile(t, dir, wt, "a.txt", "1", "c1")

	head, err := cap.Repository().Head()
	require.NoError(t, err)
	defaultBranch := head.Name().Short()

	rs, err := cap.EnumerateRefs()
	require.NoError(t, err)

	mainCommit, ok := rs.Resolve(refKindMain, defaultBranch)
	require.True(t, ok)
	require.Equal(t, mainHash, mainCommit)

	fp1 := rs.Fingerprint()
	rs2, err := cap.EnumerateRefs()
	require.NoError(t, err)
	require.Equal(t, fp1, rs2.Fingerprint(), "fingerprint is stable across repeated enumeration")
}
