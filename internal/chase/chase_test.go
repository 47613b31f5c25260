package chase

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kirr/gitfs/internal/buildsession"
	"github.com/kirr/gitfs/internal/ferrors"
	"github.com/kirr/gitfs/internal/meta"
	"github.com/kirr/gitfs/internal/objectdb"
	"github.com/kirr/gitfs/internal/router"
	"github.com/kirr/gitfs/internal/virtualdir"
)

func hashFor(b byte) plumbing.Hash {
	var h plumbing.Hash
	h[0] = b
	return h
}

func TestLoadScriptParsesFullConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chase.lua")
	script := `
cfg:add_commit("commit", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
cfg:add_commit("branch", "main")
cfg:add_command({"make", "test"})
cfg:add_patch("fix.diff", "--- a\n+++ b\n")
cfg:set_run_mode("binary")
cfg:set_stop_mode("first_failure")
cfg:set_max_parallel(4)
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o644))

	cfg, err := LoadScript(path)
	require.NoError(t, err)
	require.Len(t, cfg.Commits, 2)
	require.Equal(t, CommitKindCommit, cfg.Commits[0].Kind)
	require.Equal(t, CommitKindBranch, cfg.Commits[1].Kind)
	require.Equal(t, [][]string{{"make", "test"}}, cfg.Commands)
	require.Len(t, cfg.Patches, 1)
	require.Equal(t, RunBinary, cfg.RunMode)
	require.Equal(t, StopFirstFailure, cfg.StopMode)
	require.Equal(t, 4, cfg.MaxParallel)
}

func TestLoadScriptRejectsEmptyCommitsOrCommands(t *testing.T) {
	dir := t.TempDir()

	noCommits := filepath.Join(dir, "no_commits.lua")
	require.NoError(t, os.WriteFile(noCommits, []byte(`cfg:add_command({"echo", "hi"})`), 0o644))
	_, err := LoadScript(noCommits)
	require.Error(t, err)

	noCommands := filepath.Join(dir, "no_commands.lua")
	require.NoError(t, os.WriteFile(noCommands, []byte(`cfg:add_commit("branch", "main")`), 0o644))
	_, err = LoadScript(noCommands)
	require.Error(t, err)
}

func newFakeDB(t *testing.T) (*objectdb.Fake, plumbing.Hash, plumbing.Hash, plumbing.Hash) {
	t.Helper()
	fake := objectdb.NewFake()
	c1 := hashFor(0x01)
	c2 := hashFor(0x02)
	c3 := hashFor(0x03)
	fake.AddCommit(c1, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), map[string][]byte{"a": []byte("1")})
	fake.AddCommit(c2, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), map[string][]byte{"a": []byte("2")}, c1)
	fake.AddCommit(c3, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC), map[string][]byte{"a": []byte("3")}, c2)
	fake.SetBranch("main", c3)
	fake.SetHead(c3)
	return fake, c1, c2, c3
}

func TestResolveSpecCommit(t *testing.T) {
	fake, c1, _, _ := newFakeDB(t)
	refs, err := fake.EnumerateRefs()
	require.NoError(t, err)

	got, err := resolveSpec(fake, refs, CommitSpec{Kind: CommitKindCommit, ID: c1.String()})
	require.NoError(t, err)
	require.Equal(t, []plumbing.Hash{c1}, got)
}

func TestResolveSpecBranch(t *testing.T) {
	fake, _, _, c3 := newFakeDB(t)
	refs, err := fake.EnumerateRefs()
	require.NoError(t, err)

	got, err := resolveSpec(fake, refs, CommitSpec{Kind: CommitKindBranch, ID: "main"})
	require.NoError(t, err)
	require.Equal(t, []plumbing.Hash{c3}, got)
}

func TestResolveSpecBranchNotFound(t *testing.T) {
	fake, _, _, _ := newFakeDB(t)
	refs, err := fake.EnumerateRefs()
	require.NoError(t, err)

	_, err = resolveSpec(fake, refs, CommitSpec{Kind: CommitKindBranch, ID: "nope"})
	require.Error(t, err)
	require.True(t, errorIsObjectDBNotFound(err))
}

func errorIsObjectDBNotFound(err error) bool {
	var e *ferrors.ObjectDBError
	if castErr, ok := err.(*ferrors.ObjectDBError); ok {
		e = castErr
	} else {
		return false
	}
	return e.Case == ferrors.ObjectDBNotFound
}

func TestResolveSpecRange(t *testing.T) {
	fake, c1, c2, c3 := newFakeDB(t)

	got, err := resolveRange(fake, c1.String()+".."+c3.String())
	require.NoError(t, err)
	require.Equal(t, []plumbing.Hash{c3, c2}, got)
}

func TestSplitRange(t *testing.T) {
	from, to, ok := splitRange("abc..def")
	require.True(t, ok)
	require.Equal(t, "abc", from)
	require.Equal(t, "def", to)

	_, _, ok = splitRange("nodotshere")
	require.False(t, ok)
}

func TestJobLoggerInterleavesByTimestamp(t *testing.T) {
	l := newJobLogger()
	l.append("stdout", "first")
	l.append("stderr", "second")
	l.append("stdout", "third")

	transcript := l.Transcript()
	require.Equal(t, []string{"first", "second", "third"}, transcript)
}

// newTestExecutor wires a one-repo router exactly as internal/router's own
// tests do, registers a build-session cache against the fake object DB, and
// returns an Executor ready to run chase jobs against it.
func newTestExecutor(t *testing.T) (*Executor, *objectdb.Fake, plumbing.Hash, plumbing.Hash, plumbing.Hash) {
	t.Helper()
	log := zerolog.Nop()

	root, err := router.OpenRootRegistry(filepath.Join(t.TempDir(), "root.db"))
	require.NoError(t, err)
	t.Cleanup(func() { root.Close() })

	rt := router.New(t.TempDir(), root, log)

	store, err := meta.Open(filepath.Join(t.TempDir(), "fs_meta.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake, c1, c2, c3 := newFakeDB(t)

	repoDir := filepath.Join(t.TempDir(), "demo")
	require.NoError(t, os.MkdirAll(filepath.Join(repoDir, ".build"), 0o755))

	builds := buildsession.New(log)
	builds.Register(1, filepath.Join(repoDir, ".build"), fake)

	virtual := virtualdir.New(fake, store, store, 1)

	repo := &router.Repo{
		ID: 1, Name: "demo", Root: repoDir,
		Store: store, ObjectDB: fake, Builds: builds, Virtual: virtual,
	}
	rt.RegisterRepo(repo)

	return NewExecutor(rt, 1, log), fake, c1, c2, c3
}

type fakeReporter struct {
	updates []string
	errs    []string
}

func (r *fakeReporter) Update(jobID string, commit plumbing.Hash, presentation string, transcript []string, exitCodes []int) {
	r.updates = append(r.updates, jobID)
}

func (r *fakeReporter) Error(jobID string, commit plumbing.Hash, err error) {
	r.errs = append(r.errs, jobID)
}

func TestExecutorRunContinuousRunsEveryCommit(t *testing.T) {
	exec, _, c1, c2, c3 := newTestExecutor(t)

	cfg := &Config{
		Commits:     []CommitSpec{{Kind: CommitKindCommit, ID: c1.String()}, {Kind: CommitKindCommit, ID: c2.String()}, {Kind: CommitKindCommit, ID: c3.String()}},
		Commands:    [][]string{{"true"}},
		RunMode:     RunContinuous,
		StopMode:    StopContinuous,
		MaxParallel: 2,
	}

	report := &fakeReporter{}
	require.NoError(t, exec.Run(context.Background(), cfg, report))
	require.Len(t, report.updates, 3)
	require.Empty(t, report.errs)
}

func TestExecutorRunContinuousReportsFailure(t *testing.T) {
	exec, _, c1, _, _ := newTestExecutor(t)

	cfg := &Config{
		Commits:     []CommitSpec{{Kind: CommitKindCommit, ID: c1.String()}},
		Commands:    [][]string{{"false"}},
		RunMode:     RunContinuous,
		StopMode:    StopContinuous,
		MaxParallel: 1,
	}

	report := &fakeReporter{}
	require.NoError(t, exec.Run(context.Background(), cfg, report))
	require.Len(t, report.updates, 1, "a nonzero exit still reports an Update with its exit code, not an Error")
}

func TestExecutorBisectAllPassingProbesOnlyEndpoints(t *testing.T) {
	exec, _, c1, c2, c3 := newTestExecutor(t)

	// Every commit runs the same command, so the command cannot be made to
	// fail for some commits only; this test checks that bisect runs without
	// error across an all-passing set. The failing path is not covered here.
	cfg := &Config{
		Commits:     []CommitSpec{{Kind: CommitKindCommit, ID: c1.String()}, {Kind: CommitKindCommit, ID: c2.String()}, {Kind: CommitKindCommit, ID: c3.String()}},
		Commands:    [][]string{{"true"}},
		RunMode:     RunBinary,
		StopMode:    StopContinuous,
		MaxParallel: 1,
	}

	report := &fakeReporter{}
	require.NoError(t, exec.Run(context.Background(), cfg, report))
	// All-passing binary mode only probes the two endpoints.
	require.Len(t, report.updates, 2)
}
