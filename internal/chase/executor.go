package chase

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kirr/gitfs/internal/buildsession"
	"github.com/kirr/gitfs/internal/router"
)

// Reporter receives frames as chase jobs progress (spec.md §4.8 phase 5
// "Report"), eventually streamed by internal/control over the chase's
// control-socket connection.
type Reporter interface {
	Update(jobID string, commit plumbing.Hash, presentation string, transcript []string, exitCodes []int)
	Error(jobID string, commit plumbing.Hash, err error)
}

// Job is one commit's planned unit of work.
type Job struct {
	ID     string
	Commit plumbing.Hash
}

// Executor runs one chase invocation against a single repo.
type Executor struct {
	rt     *router.Router
	repoID uint16
	log    zerolog.Logger

	stopped atomic.Bool
}

// NewExecutor builds an executor bound to repoID, dispatching file
// materialisation and presentation-path lookups through rt.
func NewExecutor(rt *router.Router, repoID uint16, log zerolog.Logger) *Executor {
	return &Executor{rt: rt, repoID: repoID, log: log}
}

// Stop requests cancellation of every in-flight and not-yet-started job
// (spec.md §5's cancellation protocol). Safe to call more than once and
// from any goroutine.
func (e *Executor) Stop() { e.stopped.Store(true) }

func (e *Executor) isStopped() bool { return e.stopped.Load() }

// Run executes cfg's plan to completion (or until Stop is called),
// reporting each job's outcome through report. It implements spec.md
// §4.8's phases 2-5: Resolve, Plan, Execute, Report.
func (e *Executor) Run(ctx context.Context, cfg *Config, report Reporter) error {
	repo, ok := e.rt.RepoByID(e.repoID)
	if !ok {
		return fmt.Errorf("chase: repo %d not mounted", e.repoID)
	}

	jobs, err := e.plan(cfg, repo)
	if err != nil {
		return fmt.Errorf("chase: plan: %w", err)
	}

	if cfg.RunMode == RunBinary {
		return e.runBisect(ctx, cfg, repo, jobs, report)
	}
	e.runContinuous(ctx, cfg, repo, jobs, report)
	return nil
}

// plan resolves every configured commit spec into an ordered, deduplicated
// job list (spec.md §4.8 phase 3 "Plan").
func (e *Executor) plan(cfg *Config, repo *router.Repo) ([]Job, error) {
	refs, err := repo.ObjectDB.EnumerateRefs()
	if err != nil {
		return nil, fmt.Errorf("enumerate refs: %w", err)
	}

	var jobs []Job
	seen := make(map[plumbing.Hash]bool)
	for _, spec := range cfg.Commits {
		commits, err := resolveSpec(repo.ObjectDB, refs, spec)
		if err != nil {
			return nil, err
		}
		for _, c := range commits {
			if seen[c] {
				continue
			}
			seen[c] = true
			jobs = append(jobs, Job{ID: c.String()[:12], Commit: c})
		}
	}
	return jobs, nil
}

// runContinuous executes every job, bounded by cfg.MaxParallel, reporting
// each as it finishes (spec.md §5: "all commits run, bounded by
// max_parallel"). A StopFirstFailure job that fails requests cancellation
// of the rest without waiting for already-running jobs to notice.
func (e *Executor) runContinuous(ctx context.Context, cfg *Config, repo *router.Repo, jobs []Job, report Reporter) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, cfg.MaxParallel))

	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if e.isStopped() {
				return nil
			}
			ok := e.runJob(gctx, cfg, repo, job, report)
			if !ok && cfg.StopMode == StopFirstFailure {
				e.Stop()
			}
			return nil
		})
	}
	g.Wait()
}

// runJob acquires a pinned build session for job.Commit, applies cfg's
// patches, and runs cfg's commands in sequence, reporting the outcome.
// It reports true on success (all commands exited zero), false on any
// failure, whatever the StopMode.
func (e *Executor) runJob(ctx context.Context, cfg *Config, repo *router.Repo, job Job, report Reporter) bool {
	key := buildsession.Key{RepoID: repo.ID, Commit: job.Commit}

	session, err := repo.Builds.GetOrInit(ctx, repo.ID, job.Commit)
	if err != nil {
		report.Error(job.ID, job.Commit, fmt.Errorf("acquire build session: %w", err))
		return false
	}
	repo.Builds.Pin(key)
	defer func() {
		repo.Builds.Release(key)
		repo.Builds.Unpin(key)
	}()

	for _, patch := range cfg.Patches {
		if err := applyPatch(session.Scratch, patch); err != nil {
			report.Error(job.ID, job.Commit, err)
			return false
		}
	}

	logger := newJobLogger()
	results, wasStopped := runPipeline(ctx, session.Scratch, cfg.Commands, logger, cfg.StopMode == StopFirstFailure, e.isStopped)
	if wasStopped {
		report.Error(job.ID, job.Commit, fmt.Errorf("chase: cancelled"))
		return false
	}

	presentation, err := e.rt.PresentationPathForCommit(ctx, repo.ID, job.Commit)
	if err != nil {
		presentation = ""
	}

	exitCodes := make([]int, len(results))
	succeeded := true
	for i, r := range results {
		exitCodes[i] = r.exitCode
		if r.err != nil {
			report.Error(job.ID, job.Commit, r.err)
			return false
		}
		if r.exitCode != 0 {
			succeeded = false
		}
	}

	report.Update(job.ID, job.Commit, presentation, logger.Transcript(), exitCodes)
	return succeeded
}

// runBisect drives binary-search mode over jobs (spec.md §4.8 phase 4
// expansion, grounded on original_source/src/fs/builds/chase_resolver.rs):
// it narrows toward the first failing commit instead of running every
// commit to completion.
func (e *Executor) runBisect(ctx context.Context, cfg *Config, repo *router.Repo, jobs []Job, report Reporter) error {
	return bisect(ctx, e, cfg, repo, jobs, report)
}
