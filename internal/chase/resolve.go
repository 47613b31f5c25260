package chase

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kirr/gitfs/internal/ferrors"
	"github.com/kirr/gitfs/internal/objectdb"
)

// resolveSpec maps one CommitSpec to its concrete commit ids (spec.md §4.8
// phase 2 "Resolve"). "commit" and "branch"/"pr" specs each resolve to
// exactly one commit; "range" resolves to every commit reachable from the
// end of the range back to (excluding) its start, grounded on git's usual
// `A..B` two-dot range semantics.
func resolveSpec(db objectdb.Capability, refs *objectdb.RefState, spec CommitSpec) ([]plumbing.Hash, error) {
	switch spec.Kind {
	case CommitKindCommit:
		h, err := db.FindCommitByPrefix(spec.ID)
		if err != nil {
			return nil, err
		}
		return []plumbing.Hash{h}, nil

	case CommitKindBranch:
		h, ok := refs.ResolveBranch(spec.ID)
		if !ok {
			return nil, ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, fmt.Errorf("branch %q not found", spec.ID))
		}
		return []plumbing.Hash{h}, nil

	case CommitKindPR:
		h, ok := refs.ResolvePR(spec.ID)
		if !ok {
			return nil, ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, fmt.Errorf("pr %q not found", spec.ID))
		}
		return []plumbing.Hash{h}, nil

	case CommitKindRange:
		return resolveRange(db, spec.ID)

	default:
		return nil, ferrors.NewScriptError(ferrors.ScriptBadInputType, fmt.Errorf("unrecognised commit kind %d", spec.Kind))
	}
}

// resolveRange resolves a "from..to" spec to every commit in (from, to],
// newest first, matching WalkHistory's own ordering.
func resolveRange(db objectdb.Capability, spec string) ([]plumbing.Hash, error) {
	fromStr, toStr, ok := splitRange(spec)
	if !ok {
		return nil, ferrors.NewScriptError(ferrors.ScriptBadInputType, fmt.Errorf("range %q: expected \"from..to\"", spec))
	}

	from, err := db.FindCommitByPrefix(fromStr)
	if err != nil {
		return nil, err
	}
	to, err := db.FindCommitByPrefix(toStr)
	if err != nil {
		return nil, err
	}

	history, err := db.WalkHistory(to)
	if err != nil {
		return nil, err
	}

	var out []plumbing.Hash
	for _, h := range history {
		if h == from {
			break
		}
		out = append(out, h)
	}
	if len(out) == 0 {
		return nil, ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, fmt.Errorf("range %q resolved to no commits", spec))
	}
	return out, nil
}

func splitRange(s string) (string, string, bool) {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '.' && s[i+1] == '.' {
			return s[:i], s[i+2:], true
		}
	}
	return "", "", false
}
