package chase

import (
	"context"
	"sort"

	"github.com/kirr/gitfs/internal/router"
)

// bisect implements binary-mode chase (SPEC_FULL.md §4.8 expansion, grounded
// on original_source/src/fs/builds/chase_resolver.rs's binary-search driver):
// rather than running every resolved commit, it probes the oldest and newest
// commit first, then narrows toward the single commit where the job's exit
// status flips from success to failure. jobs carry no inherent chronological
// order (a script may list commits in any order, and "range" specs come out
// newest-first) so bisect sorts by commit time ascending before narrowing.
func bisect(ctx context.Context, e *Executor, cfg *Config, repo *router.Repo, jobs []Job, report Reporter) error {
	if len(jobs) == 0 {
		return nil
	}

	ordered := make([]Job, len(jobs))
	copy(ordered, jobs)
	times := make(map[string]int64, len(ordered))
	for _, j := range ordered {
		when, err := repo.ObjectDB.CommitTime(j.Commit)
		if err != nil {
			continue
		}
		times[j.ID] = when.UnixNano()
	}
	sort.SliceStable(ordered, func(i, j int) bool { return times[ordered[i].ID] < times[ordered[j].ID] })

	good := -1 // index into ordered of the last known-passing job, -1 if none probed
	bad := -1  // index of the first known-failing job, -1 until one has been probed

	if e.isStopped() {
		return nil
	}
	oldestOK := e.probe(ctx, cfg, repo, ordered[0], report)
	if !oldestOK {
		return nil // the oldest commit already fails; nothing to narrow
	}
	good = 0

	if len(ordered) == 1 {
		return nil
	}

	if e.isStopped() {
		return nil
	}
	newestOK := e.probe(ctx, cfg, repo, ordered[len(ordered)-1], report)
	if newestOK {
		return nil // every commit passes
	}
	bad = len(ordered) - 1

	for bad-good > 1 {
		if e.isStopped() {
			return nil
		}
		mid := (good + bad) / 2
		if e.probe(ctx, cfg, repo, ordered[mid], report) {
			good = mid
		} else {
			bad = mid
		}
	}
	return nil
}

// probe runs one job in binary mode and returns whether it succeeded;
// runJob itself reports the job's Update/Error frame.
func (e *Executor) probe(ctx context.Context, cfg *Config, repo *router.Repo, job Job, report Reporter) bool {
	return e.runJob(ctx, cfg, repo, job, report)
}
