// Package ferrors defines the structured error kinds of spec.md §7.
//
// Internal callers propagate these via errors.Is/errors.As; only the FUSE
// adapter (pkg/fuseadapter) translates them into syscall.Errno values.
package ferrors

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Compare with errors.Is; wrap with fmt.Errorf("...: %w", Kind).
var (
	NotFound          = errors.New("not found")
	NameExists        = errors.New("name exists")
	PermissionDenied  = errors.New("permission denied")
	InvalidInode      = errors.New("invalid inode")
	InvalidName       = errors.New("invalid name")
	BuildMaterialFail = errors.New("build materialisation failed")
	Cancelled         = errors.New("cancelled")
	Stale             = errors.New("stale build session")
)

// ObjectDBErrorCase enumerates the sub-kinds of ObjectDBError.
type ObjectDBErrorCase int

const (
	ObjectDBAmbiguous ObjectDBErrorCase = iota
	ObjectDBNotFound
	ObjectDBIO
	ObjectDBCorrupt
)

func (c ObjectDBErrorCase) String() string {
	switch c {
	case ObjectDBAmbiguous:
		return "ambiguous"
	case ObjectDBNotFound:
		return "not_found"
	case ObjectDBIO:
		return "io"
	case ObjectDBCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// ObjectDBError wraps a failure surfaced by the object-DB capability (§4.5).
type ObjectDBError struct {
	Case ObjectDBErrorCase
	Err  error
}

func (e *ObjectDBError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("object db error (%s): %v", e.Case, e.Err)
	}
	return fmt.Sprintf("object db error (%s)", e.Case)
}

func (e *ObjectDBError) Unwrap() error { return e.Err }

func NewObjectDBError(c ObjectDBErrorCase, err error) *ObjectDBError {
	return &ObjectDBError{Case: c, Err: err}
}

// ScriptErrorCase enumerates the §4.8 chase-script failure kinds.
type ScriptErrorCase int

const (
	ScriptNotFound ScriptErrorCase = iota
	ScriptBadInputType
	ScriptNoCommits
	ScriptNoCommands
	ScriptRuntime
)

func (c ScriptErrorCase) String() string {
	switch c {
	case ScriptNotFound:
		return "not_found"
	case ScriptBadInputType:
		return "bad_input_type"
	case ScriptNoCommits:
		return "no_commits"
	case ScriptNoCommands:
		return "no_commands"
	case ScriptRuntime:
		return "runtime"
	default:
		return "unknown"
	}
}

// ScriptError wraps a chase-script parse/validation failure (§4.8 Parse phase).
type ScriptError struct {
	Case ScriptErrorCase
	Err  error
}

func (e *ScriptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("script error (%s): %v", e.Case, e.Err)
	}
	return fmt.Sprintf("script error (%s)", e.Case)
}

func (e *ScriptError) Unwrap() error { return e.Err }

func NewScriptError(c ScriptErrorCase, err error) *ScriptError {
	return &ScriptError{Case: c, Err: err}
}

// TombstoneNegative is returned by the metadata store's lookup when a name
// was deleted and must not be recreated until compaction (spec.md §4.2).
var TombstoneNegative = errors.New("tombstone: name deleted pending compaction")
