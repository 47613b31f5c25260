package control

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kirr/gitfs/internal/buildsession"
	"github.com/kirr/gitfs/internal/meta"
	"github.com/kirr/gitfs/internal/objectdb"
	"github.com/kirr/gitfs/internal/router"
	"github.com/kirr/gitfs/internal/virtualdir"
)

// newTestServer wires a one-repo router the same way internal/chase's own
// tests do, starts a Server listening on a temp-dir socket, and returns its
// socket path plus the demo repo's on-disk directory.
func newTestServer(t *testing.T) (socketPath string, repoDir string) {
	t.Helper()
	log := zerolog.Nop()

	root, err := router.OpenRootRegistry(filepath.Join(t.TempDir(), "root.db"))
	require.NoError(t, err)
	t.Cleanup(func() { root.Close() })
	require.NoError(t, root.Register("demo", 1))

	rt := router.New(t.TempDir(), root, log)

	store, err := meta.Open(filepath.Join(t.TempDir(), "fs_meta.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := objectdb.NewFake()
	c1 := hashFor(0x01)
	fake.AddCommit(c1, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), map[string][]byte{"a": []byte("1")})
	fake.SetBranch("main", c1)
	fake.SetHead(c1)

	repoDir = filepath.Join(t.TempDir(), "demo")
	require.NoError(t, os.MkdirAll(filepath.Join(repoDir, ".build"), 0o755))

	builds := buildsession.New(log)
	builds.Register(1, filepath.Join(repoDir, ".build"), fake)
	virtual := virtualdir.New(fake, store, store, 1)

	repo := &router.Repo{
		ID: 1, Name: "demo", Root: repoDir,
		Store: store, ObjectDB: fake, Builds: builds, Virtual: virtual,
	}
	rt.RegisterRepo(repo)

	s := NewServer(rt, "/mnt/gitfs", log)
	socketPath = filepath.Join(t.TempDir(), "control.sock")
	require.NoError(t, s.Listen(socketPath))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		s.Close()
		<-done
	})

	return socketPath, repoDir
}

// hashFor duplicates internal/chase's test helper locally (this package has
// no other use for plumbing.Hash literals outside tests).
func hashFor(b byte) [20]byte {
	var h [20]byte
	h[0] = b
	return h
}

func TestRepoList(t *testing.T) {
	sock, _ := newTestServer(t)
	names, err := RepoList(sock)
	require.NoError(t, err)
	require.Equal(t, []string{"demo"}, names)
}

func TestStatus(t *testing.T) {
	sock, _ := newTestServer(t)
	resp, err := Status(sock)
	require.NoError(t, err)
	require.True(t, resp.Running)
	require.Equal(t, "/mnt/gitfs", resp.MountPoint)
}

func TestRepoDelete(t *testing.T) {
	sock, repoDir := newTestServer(t)

	require.NoError(t, RepoDelete(sock, "demo"))

	names, err := RepoList(sock)
	require.NoError(t, err)
	require.Empty(t, names)

	_, statErr := os.Stat(repoDir)
	require.True(t, os.IsNotExist(statErr))
}

func TestRepoDeleteUnknownNameIsIdempotent(t *testing.T) {
	sock, _ := newTestServer(t)
	require.NoError(t, RepoDelete(sock, "does-not-exist"))
}

func TestChaseLifecycleStreamsUpdateThenCompletes(t *testing.T) {
	sock, _ := newTestServer(t)

	scriptPath := filepath.Join(t.TempDir(), "chase.lua")
	c1 := hashFor(0x01)
	script := fmt.Sprintf(`
cfg:add_commit("commit", %q)
cfg:add_command({"true"})
cfg:set_run_mode("continuous")
cfg:set_stop_mode("continuous")
cfg:set_max_parallel(1)
`, hashHex(c1))
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o644))

	conn, err := RunChase(sock, scriptPath)
	require.NoError(t, err)
	defer conn.Close()

	var events []ChaseEvent
	for {
		ev, err := conn.Next()
		require.NoError(t, err)
		events = append(events, ev)
		if ev.Done {
			break
		}
	}

	require.Len(t, events, 2)
	require.Equal(t, StatusUpdate, events[0].Status)
	require.Equal(t, StatusOk, events[1].Status)
}

func TestStopChaseCancelsRunningChase(t *testing.T) {
	sock, _ := newTestServer(t)

	scriptPath := filepath.Join(t.TempDir(), "chase.lua")
	c1 := hashFor(0x01)
	script := fmt.Sprintf(`
cfg:add_commit("commit", %q)
cfg:add_command({"sleep", "5"})
cfg:set_run_mode("continuous")
cfg:set_stop_mode("continuous")
cfg:set_max_parallel(1)
`, hashHex(c1))
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o644))

	conn, err := RunChase(sock, scriptPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, StopChase(sock, conn.ID))

	done := make(chan struct{})
	go func() {
		for {
			ev, err := conn.Next()
			if err != nil || ev.Done {
				close(done)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("chase did not stop within 10s of StopChase")
	}
}

func hashHex(h [20]byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 40)
	for i, b := range h {
		out[i*2] = hexdigits[b>>4]
		out[i*2+1] = hexdigits[b&0xf]
	}
	return string(out)
}
