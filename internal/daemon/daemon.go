// Package daemon assembles the independently-testable packages (router,
// meta, objectdb, buildsession, virtualdir, janitor, control, fuseadapter)
// into one running gitfs process. Grounded on the teacher's
// internal/fs.NewLinearFS, which is the single place in that codebase doing
// this kind of "build every backend, wire them into one struct" assembly.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/kirr/gitfs/internal/buildsession"
	"github.com/kirr/gitfs/internal/config"
	"github.com/kirr/gitfs/internal/control"
	"github.com/kirr/gitfs/internal/janitor"
	"github.com/kirr/gitfs/internal/meta"
	"github.com/kirr/gitfs/internal/objectdb"
	"github.com/kirr/gitfs/internal/router"
	"github.com/kirr/gitfs/internal/virtualdir"
	"github.com/kirr/gitfs/pkg/fuseadapter"
)

// Daemon owns every long-lived backend for one mountpoint: the router
// (shared by the FUSE adapter and the control server) plus the janitor
// worker and control-socket listener spec.md §4.9/§4.10 require alongside
// it.
type Daemon struct {
	cfg *config.Config
	log zerolog.Logger

	Router  *router.Router
	Janitor *janitor.Worker
	Control *control.Server
	FS      *fuseadapter.Filesystem

	rootRegistry *router.RootRegistry
}

// New assembles a Daemon from cfg: opens the global root registry, loads
// every already-registered repo's backends, and wires the janitor/control
// server/FUSE adapter on top of the resulting router.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, debug bool) (*Daemon, error) {
	rootRegistryPath := filepath.Join(cfg.ReposDir, ".gitfs-root.db")
	rootRegistry, err := router.OpenRootRegistry(rootRegistryPath)
	if err != nil {
		return nil, fmt.Errorf("open root registry: %w", err)
	}

	rt := router.New(cfg.ReposDir, rootRegistry, log)

	names, err := rootRegistry.List()
	if err != nil {
		rootRegistry.Close()
		return nil, fmt.Errorf("list registered repos: %w", err)
	}
	for _, name := range names {
		id, ok, err := rootRegistry.Lookup(name)
		if err != nil || !ok {
			continue
		}
		repo, err := openRepo(cfg, log, id, name)
		if err != nil {
			rootRegistry.Close()
			return nil, fmt.Errorf("open repo %q: %w", name, err)
		}
		rt.RegisterRepo(repo)
	}

	w := janitor.New(rt, 256, log)
	rt.SetJanitor(w)

	ctrl := control.NewServer(rt, cfg.Mount.DefaultPath, log)

	fs := fuseadapter.New(rt, log, debug, newRepoFactory(cfg, log))

	return &Daemon{cfg: cfg, log: log, Router: rt, Janitor: w, Control: ctrl, FS: fs, rootRegistry: rootRegistry}, nil
}

// Close tears down the root registry handle. Per-repo metadata stores are
// intentionally not tracked/closed here: spec.md never describes an
// orderly per-repo shutdown independent of the whole process exiting, and
// modernc.org/sqlite's WAL files survive an ungraceful process exit fine.
func (d *Daemon) Close() error {
	return d.rootRegistry.Close()
}

// openRepo opens an already-existing repo's backends (metadata store,
// object DB, build-session cache, virtual-dir engine) without creating
// anything on disk, for the boot-time "load every registered repo" path.
func openRepo(cfg *config.Config, log zerolog.Logger, id uint16, name string) (*router.Repo, error) {
	root := filepath.Join(cfg.ReposDir, name)

	store, err := meta.Open(filepath.Join(root, "fs_meta.db"), log)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	db, err := objectdb.Open(root)
	if err != nil {
		return nil, fmt.Errorf("open object db: %w", err)
	}
	builds := buildsession.New(log)
	builds.Register(id, filepath.Join(root, ".build"), db)
	virtual := virtualdir.New(db, store, store, id)

	return &router.Repo{
		ID: id, Name: name, Root: root,
		Store: store, ObjectDB: db, Builds: builds, Virtual: virtual,
	}, nil
}

// newRepoFactory returns the callback router.MkdirRoot invokes for a
// `mkdir` at the global root (spec.md §4.3): it lays out a fresh repo
// directory under <repos_dir>/name, either cloning a remote (the
// `github.<owner>.<repo>.git` fetch trigger) or initialising an empty one,
// then opens a metadata store over it. MkdirRoot already rejected a
// colliding name before invoking this, so the directory is created under
// its final name directly. Builds/Virtual are left nil: MkdirRoot finishes
// them itself once the repo's ID is allocated, since both are keyed by an
// ID this factory doesn't have yet.
func newRepoFactory(cfg *config.Config, log zerolog.Logger) func(name string, isFetch bool, url string) (*router.Repo, error) {
	return func(name string, isFetch bool, url string) (*router.Repo, error) {
		root := filepath.Join(cfg.ReposDir, name)
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create repo directory: %w", err)
		}

		var db *objectdb.GoGitCapability
		var err error
		if isFetch {
			db, err = objectdb.Clone(root, url)
		} else {
			db, err = objectdb.Init(root)
		}
		if err != nil {
			os.RemoveAll(root)
			return nil, err
		}

		for _, dir := range []string{"live", ".build", ".trash", "chase"} {
			if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
				os.RemoveAll(root)
				return nil, fmt.Errorf("create %s: %w", dir, err)
			}
		}

		store, err := meta.Open(filepath.Join(root, "fs_meta.db"), log)
		if err != nil {
			os.RemoveAll(root)
			return nil, fmt.Errorf("open metadata store: %w", err)
		}

		return &router.Repo{
			Root: root, Store: store, ObjectDB: db, Builds: buildsession.New(log),
		}, nil
	}
}
