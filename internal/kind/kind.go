// Package kind defines the closed directory-kind enumeration of spec.md §3,
// the partition the directory-kind router (spec.md §4.3) dispatches on.
package kind

// Flag is one of the closed set of directory/file kinds. An inode's Flag
// never changes after creation except for the single permitted transition
// described in spec.md invariant I3 (InsideSnap <-> InsideBuild on rename).
type Flag int

const (
	Root Flag = iota
	RepoRoot
	LiveRoot
	BuildRoot
	MonthFolder
	SnapFolder
	InsideSnap
	InsideBuild
	InsideLive
	VirtualFile
	ChaseRoot
	InsideChase
	BranchesRoot
	TagsRoot
	PrRoot
	PrMergeRoot
	PrFolder
	BranchFolder
)

func (f Flag) String() string {
	switch f {
	case Root:
		return "Root"
	case RepoRoot:
		return "RepoRoot"
	case LiveRoot:
		return "LiveRoot"
	case BuildRoot:
		return "BuildRoot"
	case MonthFolder:
		return "MonthFolder"
	case SnapFolder:
		return "SnapFolder"
	case InsideSnap:
		return "InsideSnap"
	case InsideBuild:
		return "InsideBuild"
	case InsideLive:
		return "InsideLive"
	case VirtualFile:
		return "VirtualFile"
	case ChaseRoot:
		return "ChaseRoot"
	case InsideChase:
		return "InsideChase"
	case BranchesRoot:
		return "BranchesRoot"
	case TagsRoot:
		return "TagsRoot"
	case PrRoot:
		return "PrRoot"
	case PrMergeRoot:
		return "PrMergeRoot"
	case PrFolder:
		return "PrFolder"
	case BranchFolder:
		return "BranchFolder"
	default:
		return "Unknown"
	}
}

// IsDir reports whether entries of this kind are always directories. A few
// kinds (VirtualFile, entries InsideSnap/InsideBuild/InsideLive) may be
// either a file or a directory depending on the underlying object; those are
// not listed here and must be distinguished by the metadata record's mode.
func (f Flag) IsDir() bool {
	switch f {
	case Root, RepoRoot, LiveRoot, BuildRoot, MonthFolder, SnapFolder,
		ChaseRoot, BranchesRoot, TagsRoot, PrRoot, PrMergeRoot, PrFolder, BranchFolder:
		return true
	default:
		return false
	}
}
