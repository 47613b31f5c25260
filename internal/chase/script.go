// Package chase implements the chase executor of spec.md §4.8: a
// script-driven, bounded-parallel multi-commit build/test runner. The
// scripting engine is gopher-lua (spec.md leaves the engine unspecified;
// original_source/src/fs/builds/runtime.rs embeds Lua via mlua, so this is
// gopher-lua, the idiomatic pure-Go analogue — see DESIGN.md).
package chase

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/kirr/gitfs/internal/ferrors"
)

// CommitKind is one of §4.8's `add_commit(kind, id)` kinds.
type CommitKind int

const (
	CommitKindCommit CommitKind = iota
	CommitKindRange
	CommitKindPR
	CommitKindBranch
)

func parseCommitKind(s string) (CommitKind, bool) {
	switch s {
	case "commit":
		return CommitKindCommit, true
	case "range":
		return CommitKindRange, true
	case "pr":
		return CommitKindPR, true
	case "branch":
		return CommitKindBranch, true
	default:
		return 0, false
	}
}

// CommitSpec is one element of the script's commit list.
type CommitSpec struct {
	Kind CommitKind
	ID   string
}

// PatchSpec is one `add_patch(path, patch_text)` call.
type PatchSpec struct {
	Path string
	Text string
}

// RunMode is `set_run_mode`'s argument.
type RunMode int

const (
	RunContinuous RunMode = iota
	RunBinary
)

// StopMode is `set_stop_mode`'s argument.
type StopMode int

const (
	StopContinuous StopMode = iota
	StopFirstFailure
)

// Config is the `ChaseConfig` spec.md §4.8 requires the script to produce.
type Config struct {
	Commits     []CommitSpec
	Commands    [][]string
	Patches     []PatchSpec
	RunMode     RunMode
	StopMode    StopMode
	MaxParallel int // spec.md §5: "bounded by max_parallel (from the script, default 1)"
}

// LoadScript evaluates a chase.lua script (spec.md §6 "chase/ ... each holds
// chase.lua") against a fresh `cfg` global and returns the resulting Config.
// Parse-phase validation (§4.8 phase 1) happens here: at least one commit and
// one command must be present, and every kind recognised.
func LoadScript(path string) (*Config, error) {
	cfg := &Config{MaxParallel: 1}

	L := lua.NewState()
	defer L.Close()

	cfgTable := L.NewTable()
	L.SetGlobal("cfg", cfgTable)

	L.SetField(cfgTable, "add_commit", L.NewFunction(func(l *lua.LState) int {
		kindStr := l.CheckString(2)
		id := l.CheckString(3)
		k, ok := parseCommitKind(kindStr)
		if !ok {
			l.RaiseError("add_commit: unrecognised kind %q", kindStr)
			return 0
		}
		cfg.Commits = append(cfg.Commits, CommitSpec{Kind: k, ID: id})
		return 0
	}))

	L.SetField(cfgTable, "add_command", L.NewFunction(func(l *lua.LState) int {
		argvTable := l.CheckTable(2)
		var argv []string
		argvTable.ForEach(func(_, v lua.LValue) {
			argv = append(argv, v.String())
		})
		if len(argv) == 0 {
			l.RaiseError("add_command: empty argv")
			return 0
		}
		cfg.Commands = append(cfg.Commands, argv)
		return 0
	}))

	L.SetField(cfgTable, "set_run_mode", L.NewFunction(func(l *lua.LState) int {
		switch mode := l.CheckString(2); mode {
		case "continuous":
			cfg.RunMode = RunContinuous
		case "binary":
			cfg.RunMode = RunBinary
		default:
			l.RaiseError("set_run_mode: unrecognised mode %q", mode)
		}
		return 0
	}))

	L.SetField(cfgTable, "set_stop_mode", L.NewFunction(func(l *lua.LState) int {
		switch mode := l.CheckString(2); mode {
		case "continuous":
			cfg.StopMode = StopContinuous
		case "first_failure":
			cfg.StopMode = StopFirstFailure
		default:
			l.RaiseError("set_stop_mode: unrecognised mode %q", mode)
		}
		return 0
	}))

	L.SetField(cfgTable, "add_patch", L.NewFunction(func(l *lua.LState) int {
		path := l.CheckString(2)
		text := l.CheckString(3)
		cfg.Patches = append(cfg.Patches, PatchSpec{Path: path, Text: text})
		return 0
	}))

	L.SetField(cfgTable, "set_max_parallel", L.NewFunction(func(l *lua.LState) int {
		n := l.CheckInt(2)
		if n < 1 {
			n = 1
		}
		cfg.MaxParallel = n
		return 0
	}))

	if err := L.DoFile(path); err != nil {
		return nil, ferrors.NewScriptError(ferrors.ScriptRuntime, fmt.Errorf("evaluate %s: %w", path, err))
	}

	if len(cfg.Commits) == 0 {
		return nil, ferrors.NewScriptError(ferrors.ScriptNoCommits, fmt.Errorf("%s: no commits added", path))
	}
	if len(cfg.Commands) == 0 {
		return nil, ferrors.NewScriptError(ferrors.ScriptNoCommands, fmt.Errorf("%s: no commands added", path))
	}

	return cfg, nil
}
