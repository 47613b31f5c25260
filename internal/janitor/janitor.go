// Package janitor implements the deferred-delete worker of spec.md §4.10: a
// single goroutine draining a channel of Rmdir/Unlink jobs that the router's
// synchronous unlink/rmdir path defers after renaming the target into the
// per-repo trash sub-tree and marking the dentry tombstone (spec.md §4.3).
// Grounded on the teacher's internal/sync.Worker Start/Stop/run shape,
// specialised from a ticker-driven poll loop to a channel-driven job queue.
package janitor

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kirr/gitfs/internal/meta"
)

// Kind is one of spec.md §4.10's four deferred-delete job kinds. The
// Git/Live split mirrors where the target lived before being trashed: a Git
// job's content is rematerialised from the object DB on demand (a build
// session can legitimately have been torn down and rebuilt by the time the
// job runs, in which case there is nothing left to remove and the job is
// treated as already satisfied), while a Live job's content is
// user-authored and the trashed copy is the only copy.
type Kind int

const (
	RmdirGit Kind = iota
	RmdirLive
	UnlinkGit
	UnlinkLive
)

func (k Kind) isDir() bool {
	return k == RmdirGit || k == RmdirLive
}

func (k Kind) isGit() bool {
	return k == RmdirGit || k == UnlinkGit
}

// Job is one deferred-delete request: remove whatever is at TrashPath (the
// location the synchronous unlink/rmdir path already renamed the target
// to), then clear the (ParentInode, Name) tombstone in the owning repo's
// metadata store.
type Job struct {
	Kind        Kind
	RepoID      uint16
	ParentInode uint64
	Name        string
	TrashPath   string
}

// StoreResolver looks up the metadata store owning a job's repo. Satisfied
// by *router.Router; kept as a narrow interface so this package doesn't
// import internal/router (which would be a cyclic dependency once the
// router starts enqueueing jobs here).
type StoreResolver interface {
	StoreForRepo(repoID uint16) (*meta.Store, bool)
}

const maxAttempts = 3

// Worker is the single consumer of deferred-delete jobs.
type Worker struct {
	resolver StoreResolver
	log      zerolog.Logger

	jobs chan Job

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a janitor worker with the given job-queue depth. A depth of 0
// makes Enqueue block until the worker is ready to accept the job, matching
// spec.md §5's "multi-producer single-consumer channel" shape used
// elsewhere (the metadata-store writer, §4.2).
func New(resolver StoreResolver, queueDepth int, log zerolog.Logger) *Worker {
	return &Worker{
		resolver: resolver,
		log:      log,
		jobs:     make(chan Job, queueDepth),
	}
}

// Enqueue submits a deferred-delete job. It blocks if the queue is full.
func (w *Worker) Enqueue(job Job) {
	w.jobs <- job
}

// Start begins the background worker goroutine. A second call while already
// running is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop signals the worker to exit and waits for it to drain its current job.
// Queued-but-unprocessed jobs are left in the channel; a second Start would
// resume draining them.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		close(w.doneCh)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case job := <-w.jobs:
			w.process(ctx, job)
		}
	}
}

// process removes job's trashed target, retrying up to maxAttempts times
// before logging and dropping it (spec.md §4.10: "retried at most three
// times before being dropped"). The tombstone is cleared only once the
// on-disk entry is confirmed gone.
func (w *Worker) process(ctx context.Context, job Job) {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = w.removeTrashed(job); err == nil {
			break
		}
		w.log.Warn().Err(err).Int("attempt", attempt).Str("path", job.TrashPath).Msg("janitor: remove failed")
		if attempt < maxAttempts {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
	}
	if err != nil {
		w.log.Error().Err(err).Str("path", job.TrashPath).Msg("janitor: dropping job after max attempts")
		return
	}

	store, ok := w.resolver.StoreForRepo(job.RepoID)
	if !ok {
		w.log.Warn().Uint16("repo", job.RepoID).Msg("janitor: repo no longer mounted, tombstone left in place")
		return
	}
	if err := store.ClearTombstone(ctx, job.ParentInode, job.Name); err != nil {
		w.log.Error().Err(err).Msg("janitor: clear tombstone")
	}
}

// removeTrashed removes job's trashed path. A Git job whose path is already
// gone (the build session it belonged to was torn down and its scratch
// directory recycled before the janitor got to it) is treated as success:
// there is nothing left to reclaim, matching spec.md §4.10's "re-resolves
// paths against the metadata store (handling the case where the owning
// build session has been rematerialised)".
func (w *Worker) removeTrashed(job Job) error {
	var err error
	if job.Kind.isDir() {
		err = os.RemoveAll(job.TrashPath)
	} else {
		err = os.Remove(job.TrashPath)
	}
	if err != nil && os.IsNotExist(err) {
		if job.Kind.isGit() {
			return nil
		}
	}
	return err
}
