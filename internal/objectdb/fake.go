package objectdb

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"

	"github.com/kirr/gitfs/internal/ferrors"
)

// FakeCommit is one commit in a Fake object database: a flat path->blob map
// (no real tree objects) plus parent links and a committer time, enough to
// exercise ListTree/WalkHistory/BlobHistory without a real repository.
type FakeCommit struct {
	Hash    plumbing.Hash
	Parents []plumbing.Hash
	When    time.Time
	Files   map[string][]byte // path -> content
}

// Fake is an in-memory Capability used by router and build-session tests
// (teacher's internal/repo/mock.go models the same "fake the external
// dependency, keep the interface" shape for its Linear API client).
type Fake struct {
	Commits map[plumbing.Hash]*FakeCommit
	Refs    *RefState

	// FailBlobHistory, when set, is returned by the next BlobHistory call
	// instead of a real result, then cleared — used to exercise a caller's
	// handling of a transient object-DB error.
	FailBlobHistory error
}

// NewFake returns an empty fake object database.
func NewFake() *Fake {
	return &Fake{
		Commits: make(map[plumbing.Hash]*FakeCommit),
		Refs:    newRefState(),
	}
}

// AddCommit registers a commit and returns it for chaining.
func (f *Fake) AddCommit(hash plumbing.Hash, when time.Time, files map[string][]byte, parents ...plumbing.Hash) *FakeCommit {
	c := &FakeCommit{Hash: hash, Parents: parents, When: when, Files: files}
	f.Commits[hash] = c
	return c
}

// SetBranch registers hash under refs/heads/<name> in the fake ref-state.
func (f *Fake) SetBranch(name string, hash plumbing.Hash) {
	when := time.Now()
	if c, ok := f.Commits[hash]; ok {
		when = c.When
	}
	f.Refs.add(refKindBranch, name, hash, when)
	f.Refs.finalize()
}

// SetHead points the fake repository's symbolic HEAD at hash, the same way
// GoGitCapability.EnumerateRefs derives HeadCommit from a real HEAD ref.
func (f *Fake) SetHead(hash plumbing.Hash) {
	when := time.Now()
	if c, ok := f.Commits[hash]; ok {
		when = c.When
	}
	f.Refs.add(refKindHead, "HEAD", hash, when)
	f.Refs.finalize()
}

func (f *Fake) FindCommitByPrefix(hex string) (plumbing.Hash, error) {
	hex = strings.ToLower(hex)
	var matches []plumbing.Hash
	for h := range f.Commits {
		if strings.HasPrefix(h.String(), hex) {
			matches = append(matches, h)
		}
	}
	switch len(matches) {
	case 0:
		return plumbing.ZeroHash, ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, fmt.Errorf("no commit matches %q", hex))
	case 1:
		return matches[0], nil
	default:
		return plumbing.ZeroHash, ferrors.NewObjectDBError(ferrors.ObjectDBAmbiguous, fmt.Errorf("prefix %q ambiguous", hex))
	}
}

func (f *Fake) ListTree(commit plumbing.Hash, subtree string) ([]TreeEntry, error) {
	c, ok := f.Commits[commit]
	if !ok {
		return nil, ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, fmt.Errorf("commit %s not found", commit))
	}
	prefix := subtree
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	seenDirs := make(map[string]bool)
	var entries []TreeEntry
	for path, content := range c.Files {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		if rest == "" {
			continue
		}
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			dir := rest[:idx]
			if !seenDirs[dir] {
				seenDirs[dir] = true
				entries = append(entries, TreeEntry{Name: dir, Kind: KindTree, Mode: filemode.Dir})
			}
			continue
		}
		entries = append(entries, TreeEntry{
			Name: rest, Kind: KindBlob, Mode: filemode.Regular, Size: int64(len(content)),
			ObjectID: fakeBlobHash(path, content),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (f *Fake) FindBlob(oid plumbing.Hash) ([]byte, error) {
	for _, c := range f.Commits {
		for path, content := range c.Files {
			if fakeBlobHash(path, content) == oid {
				return content, nil
			}
		}
	}
	return nil, ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, fmt.Errorf("blob %s not found", oid))
}

func (f *Fake) WalkHistory(from plumbing.Hash) ([]plumbing.Hash, error) {
	start, ok := f.Commits[from]
	if !ok {
		return nil, ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, fmt.Errorf("commit %s not found", from))
	}
	visited := make(map[plumbing.Hash]bool)
	var order []*FakeCommit
	var walk func(*FakeCommit)
	walk = func(c *FakeCommit) {
		if visited[c.Hash] {
			return
		}
		visited[c.Hash] = true
		order = append(order, c)
		for _, p := range c.Parents {
			if pc, ok := f.Commits[p]; ok {
				walk(pc)
			}
		}
	}
	walk(start)

	sort.SliceStable(order, func(i, j int) bool {
		if !order[i].When.Equal(order[j].When) {
			return order[i].When.After(order[j].When)
		}
		return order[i].Hash.String() < order[j].Hash.String()
	})
	hashes := make([]plumbing.Hash, len(order))
	for i, c := range order {
		hashes[i] = c.Hash
	}
	return hashes, nil
}

func (f *Fake) BlobHistory(originCommit, originObjectID plumbing.Hash) ([]BlobVersion, error) {
	if f.FailBlobHistory != nil {
		err := f.FailBlobHistory
		f.FailBlobHistory = nil
		return nil, err
	}

	var path string
	if c, ok := f.Commits[originCommit]; ok {
		for p, content := range c.Files {
			if fakeBlobHash(p, content) == originObjectID {
				path = p
				break
			}
		}
	}
	if path == "" {
		return nil, ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, fmt.Errorf("object %s not in commit %s", originObjectID, originCommit))
	}

	history, err := f.WalkHistory(originCommit)
	if err != nil {
		return nil, err
	}

	var versions []BlobVersion
	var lastOID plumbing.Hash
	for _, h := range history {
		c := f.Commits[h]
		content, ok := c.Files[path]
		if !ok {
			continue
		}
		oid := fakeBlobHash(path, content)
		if oid == lastOID {
			continue
		}
		lastOID = oid
		versions = append(versions, BlobVersion{Name: baseName(path), ObjectID: oid, Mode: filemode.Regular, Size: int64(len(content))})
	}
	for i, j := 0, len(versions)-1; i < j; i, j = i+1, j-1 {
		versions[i], versions[j] = versions[j], versions[i]
	}
	return versions, nil
}

func (f *Fake) FetchAnonymous(url string) error {
	return ferrors.NewObjectDBError(ferrors.ObjectDBIO, fmt.Errorf("fake object db: fetch_anonymous(%s) not supported", url))
}

func (f *Fake) EnumerateRefs() (*RefState, error) {
	return f.Refs, nil
}

func (f *Fake) CommitTime(commit plumbing.Hash) (time.Time, error) {
	c, ok := f.Commits[commit]
	if !ok {
		return time.Time{}, ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, fmt.Errorf("commit %s not found", commit))
	}
	return c.When, nil
}

// fakeBlobHash derives a stable, deterministic pseudo-hash for a fake blob
// from its path and content so tests can assert on object identity across
// commits without a real git object store.
func fakeBlobHash(path string, content []byte) plumbing.Hash {
	return plumbing.ComputeHash(plumbing.BlobObject, append([]byte(path+"\x00"), content...))
}

var _ Capability = (*Fake)(nil)
