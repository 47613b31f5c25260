// Package objectdb implements the object-DB capability of spec.md §4.5: a
// read-only view over a git repository (object lookup, tree walk, commit
// history, ref enumeration, anonymous fetch), backed by go-git/v5 the way
// the go-git-go-git example repo's repository.go/commit.go/tree.go wrap the
// same primitives (lookup by hash, tree entries, commit parents).
package objectdb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/kirr/gitfs/internal/cache"
	"github.com/kirr/gitfs/internal/ferrors"
)

// blobCacheTTL and blobCacheMaxEntries bound how much decompressed blob
// content GoGitCapability keeps warm. Snap-folder reads and build-session
// materialisation (internal/buildsession) both re-request the same handful
// of blobs across a commit's whole tree walk, which is the hit pattern this
// cache is sized for rather than long-lived repo-wide coverage.
const (
	blobCacheTTL        = 5 * time.Minute
	blobCacheMaxEntries = 4096
)

// EntryKind mirrors spec.md §4.5's `kind∈{Blob,Tree,Symlink,Submodule}`.
type EntryKind int

const (
	KindBlob EntryKind = iota
	KindTree
	KindSymlink
	KindSubmodule
)

// TreeEntry is one element of a list_tree result.
type TreeEntry struct {
	Name     string
	ObjectID plumbing.Hash
	Kind     EntryKind
	Mode     filemode.FileMode
	Size     int64
}

// BlobVersion is one element of a blob_history result.
type BlobVersion struct {
	Name     string
	ObjectID plumbing.Hash
	Mode     filemode.FileMode
	Size     int64
}

// Capability is the read-only object-DB surface §4.5 requires of the core.
// GoGitCapability is the only production implementation; tests use an
// in-memory fake (internal/objectdb/fake.go) so router/build-session tests
// don't need a real on-disk repository.
type Capability interface {
	FindCommitByPrefix(hex string) (plumbing.Hash, error)
	ListTree(commit plumbing.Hash, subtree string) ([]TreeEntry, error)
	FindBlob(oid plumbing.Hash) ([]byte, error)
	WalkHistory(from plumbing.Hash) ([]plumbing.Hash, error)
	BlobHistory(originCommit plumbing.Hash, originObjectID plumbing.Hash) ([]BlobVersion, error)
	FetchAnonymous(url string) error
	EnumerateRefs() (*RefState, error)
	CommitTime(commit plumbing.Hash) (time.Time, error)
}

// GoGitCapability wraps a *git.Repository and satisfies Capability.
type GoGitCapability struct {
	repo  *git.Repository
	blobs *cache.Cache[[]byte]
}

// Open opens the git object database rooted at repoRoot (the directory
// containing `.git`, per spec.md §6's on-disk layout).
func Open(repoRoot string) (*GoGitCapability, error) {
	repo, err := git.PlainOpen(repoRoot)
	if err != nil {
		return nil, ferrors.NewObjectDBError(ferrors.ObjectDBIO, fmt.Errorf("open git object db at %s: %w", repoRoot, err))
	}
	return &GoGitCapability{repo: repo, blobs: cache.New[[]byte](blobCacheTTL, blobCacheMaxEntries)}, nil
}

// Init creates a fresh, empty git object database at repoRoot, for the
// `mkdir` at the global root ("local empty repo") case of spec.md §4.3.
func Init(repoRoot string) (*GoGitCapability, error) {
	repo, err := git.PlainInit(repoRoot, false)
	if err != nil {
		return nil, ferrors.NewObjectDBError(ferrors.ObjectDBIO, fmt.Errorf("init git object db at %s: %w", repoRoot, err))
	}
	return &GoGitCapability{repo: repo, blobs: cache.New[[]byte](blobCacheTTL, blobCacheMaxEntries)}, nil
}

// Clone materialises repoRoot from a remote url, used by the `mkdir
// github.<owner>.<repo>.git` trigger (spec.md §4.3/§6).
func Clone(repoRoot, url string) (*GoGitCapability, error) {
	repo, err := git.PlainClone(repoRoot, false, &git.CloneOptions{URL: url})
	if err != nil {
		return nil, ferrors.NewObjectDBError(ferrors.ObjectDBIO, fmt.Errorf("clone %s into %s: %w", url, repoRoot, err))
	}
	return &GoGitCapability{repo: repo, blobs: cache.New[[]byte](blobCacheTTL, blobCacheMaxEntries)}, nil
}

// FindCommitByPrefix resolves a hex prefix to a single commit hash, failing
// Ambiguous (>1 match) or NotFound (0 matches). A full 40-character hash is
// resolved directly without a scan.
func (g *GoGitCapability) FindCommitByPrefix(hex string) (plumbing.Hash, error) {
	hex = strings.ToLower(hex)
	if len(hex) == 40 {
		h := plumbing.NewHash(hex)
		if _, err := g.repo.CommitObject(h); err != nil {
			return plumbing.ZeroHash, ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, err)
		}
		return h, nil
	}

	iter, err := g.repo.CommitObjects()
	if err != nil {
		return plumbing.ZeroHash, ferrors.NewObjectDBError(ferrors.ObjectDBIO, err)
	}
	defer iter.Close()

	var matches []plumbing.Hash
	err = iter.ForEach(func(c *object.Commit) error {
		if strings.HasPrefix(c.Hash.String(), hex) {
			matches = append(matches, c.Hash)
		}
		return nil
	})
	if err != nil {
		return plumbing.ZeroHash, ferrors.NewObjectDBError(ferrors.ObjectDBIO, err)
	}

	switch len(matches) {
	case 0:
		return plumbing.ZeroHash, ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, fmt.Errorf("no commit matches prefix %q", hex))
	case 1:
		return matches[0], nil
	default:
		return plumbing.ZeroHash, ferrors.NewObjectDBError(ferrors.ObjectDBAmbiguous, fmt.Errorf("prefix %q matches %d commits", hex, len(matches)))
	}
}

// ListTree enumerates the direct children of commit's tree (or the subtree
// at the given path, if non-empty) in git canonical tree order.
func (g *GoGitCapability) ListTree(commit plumbing.Hash, subtree string) ([]TreeEntry, error) {
	c, err := g.repo.CommitObject(commit)
	if err != nil {
		return nil, ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, err)
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, ferrors.NewObjectDBError(ferrors.ObjectDBCorrupt, err)
	}
	if subtree != "" {
		tree, err = tree.Tree(subtree)
		if err != nil {
			return nil, ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, err)
		}
	}

	entries := make([]TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		te := TreeEntry{Name: e.Name, ObjectID: e.Hash, Mode: e.Mode}
		switch e.Mode {
		case filemode.Dir:
			te.Kind = KindTree
		case filemode.Symlink:
			te.Kind = KindSymlink
		case filemode.Submodule:
			te.Kind = KindSubmodule
		default:
			te.Kind = KindBlob
			if blob, err := g.repo.BlobObject(e.Hash); err == nil {
				te.Size = blob.Size
			}
		}
		entries = append(entries, te)
	}
	// git's canonical tree order is already byte-wise sorted by go-git;
	// re-sort defensively in case a caller mutated the slice.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// FindBlob returns the exact bytes of the blob at oid.
func (g *GoGitCapability) FindBlob(oid plumbing.Hash) ([]byte, error) {
	key := oid.String()
	if data, ok := g.blobs.Get(key); ok {
		return data, nil
	}

	blob, err := g.repo.BlobObject(oid)
	if err != nil {
		return nil, ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, err)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, ferrors.NewObjectDBError(ferrors.ObjectDBIO, err)
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, ferrors.NewObjectDBError(ferrors.ObjectDBIO, err)
	}
	data := buf.Bytes()
	g.blobs.Set(key, data)
	return data, nil
}

// Close releases the blob cache's background cleanup goroutine. Safe to
// call even though go-git's *git.Repository itself holds no closeable
// handle.
func (g *GoGitCapability) Close() {
	g.blobs.Stop()
}

// WalkHistory returns commits reachable from `from`, deterministically
// ordered: topological, ties broken by committer time descending then
// object-id ascending (spec.md §4.5 contract).
func (g *GoGitCapability) WalkHistory(from plumbing.Hash) ([]plumbing.Hash, error) {
	c, err := g.repo.CommitObject(from)
	if err != nil {
		return nil, ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, err)
	}

	iter := object.NewCommitIterBSF(c, nil, nil)
	defer iter.Close()

	type walkNode struct {
		commit   *object.Commit
		indegree int
	}
	nodes := make(map[plumbing.Hash]*walkNode)
	err = iter.ForEach(func(c *object.Commit) error {
		nodes[c.Hash] = &walkNode{commit: c}
		return nil
	})
	if err != nil {
		return nil, ferrors.NewObjectDBError(ferrors.ObjectDBIO, err)
	}

	// §4.5 requires a topological order (child before parent), ties broken
	// by committer time descending then hash. Kahn's algorithm treats each
	// child->parent edge as the parent depending on its child: a commit's
	// in-degree is the number of its children present in the walked set, and
	// it only becomes eligible for output once all of them have been output.
	for _, n := range nodes {
		for _, parentHash := range n.commit.ParentHashes {
			if p, ok := nodes[parentHash]; ok {
				p.indegree++
			}
		}
	}

	ready := make([]*walkNode, 0, len(nodes))
	for _, n := range nodes {
		if n.indegree == 0 {
			ready = append(ready, n)
		}
	}

	before := func(a, b *walkNode) bool {
		ta, tb := a.commit.Committer.When, b.commit.Committer.When
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.commit.Hash.String() < b.commit.Hash.String()
	}

	hashes := make([]plumbing.Hash, 0, len(nodes))
	for len(ready) > 0 {
		best := 0
		for i := 1; i < len(ready); i++ {
			if before(ready[i], ready[best]) {
				best = i
			}
		}
		n := ready[best]
		ready[best] = ready[len(ready)-1]
		ready = ready[:len(ready)-1]

		hashes = append(hashes, n.commit.Hash)
		for _, parentHash := range n.commit.ParentHashes {
			p, ok := nodes[parentHash]
			if !ok {
				continue
			}
			p.indegree--
			if p.indegree == 0 {
				ready = append(ready, p)
			}
		}
	}

	return hashes, nil
}

// BlobHistory returns the prior versions of the blob that is originObjectID
// within originCommit's tree, oldest first (spec.md §4.5/§4.6).
func (g *GoGitCapability) BlobHistory(originCommit plumbing.Hash, originObjectID plumbing.Hash) ([]BlobVersion, error) {
	path, err := g.findPath(originCommit, originObjectID)
	if err != nil {
		return nil, err
	}

	history, err := g.WalkHistory(originCommit)
	if err != nil {
		return nil, err
	}

	var versions []BlobVersion
	var lastOID plumbing.Hash
	for _, commitHash := range history {
		c, err := g.repo.CommitObject(commitHash)
		if err != nil {
			continue
		}
		tree, err := c.Tree()
		if err != nil {
			continue
		}
		entry, err := tree.FindEntry(path)
		if err != nil {
			continue // file didn't exist at this commit
		}
		if entry.Hash == lastOID {
			continue
		}
		lastOID = entry.Hash
		size := int64(0)
		if blob, err := g.repo.BlobObject(entry.Hash); err == nil {
			size = blob.Size
		}
		versions = append(versions, BlobVersion{
			Name:     baseName(path),
			ObjectID: entry.Hash,
			Mode:     entry.Mode,
			Size:     size,
		})
	}

	// Reverse into oldest-first order (WalkHistory returns newest-first).
	for i, j := 0, len(versions)-1; i < j; i, j = i+1, j-1 {
		versions[i], versions[j] = versions[j], versions[i]
	}
	return versions, nil
}

var errFoundPath = errors.New("objectdb: path found, stopping walk")

func (g *GoGitCapability) findPath(commit plumbing.Hash, oid plumbing.Hash) (string, error) {
	c, err := g.repo.CommitObject(commit)
	if err != nil {
		return "", ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, err)
	}
	tree, err := c.Tree()
	if err != nil {
		return "", ferrors.NewObjectDBError(ferrors.ObjectDBCorrupt, err)
	}
	var found string
	walkErr := tree.Files().ForEach(func(f *object.File) error {
		if f.Hash == oid {
			found = f.Name
			return errFoundPath
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errFoundPath) {
		return "", ferrors.NewObjectDBError(ferrors.ObjectDBIO, walkErr)
	}
	if found == "" {
		return "", ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, fmt.Errorf("object %s not found in commit %s", oid, commit))
	}
	return found, nil
}

func baseName(p string) string {
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return p
	}
	return p[idx+1:]
}

// FetchAnonymous fills the object DB from url without persisting a remote
// config entry. On an empty HEAD, it sets HEAD to the remote's default
// branch (spec.md §4.5).
func (g *GoGitCapability) FetchAnonymous(url string) error {
	remote, err := g.repo.CreateRemoteAnonymous(&config.RemoteConfig{
		Name: "anonymous",
		URLs: []string{url},
	})
	if err != nil {
		return ferrors.NewObjectDBError(ferrors.ObjectDBIO, err)
	}
	err = remote.Fetch(&git.FetchOptions{
		RefSpecs: []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Tags:     git.AllTags,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return ferrors.NewObjectDBError(ferrors.ObjectDBIO, fmt.Errorf("fetch %s: %w", url, err))
	}
	return g.setHeadToDefaultBranchIfEmpty()
}

func (g *GoGitCapability) setHeadToDefaultBranchIfEmpty() error {
	if _, err := g.repo.Head(); err == nil {
		return nil // HEAD already set
	}
	refs, err := g.repo.References()
	if err != nil {
		return ferrors.NewObjectDBError(ferrors.ObjectDBIO, err)
	}
	defer refs.Close()

	var defaultRef *plumbing.Reference
	err = refs.ForEach(func(r *plumbing.Reference) error {
		if defaultRef == nil && strings.HasPrefix(r.Name().String(), "refs/remotes/origin/") &&
			r.Name().Short() != "origin/HEAD" {
			defaultRef = r
		}
		return nil
	})
	if err != nil {
		return ferrors.NewObjectDBError(ferrors.ObjectDBIO, err)
	}
	if defaultRef == nil {
		return ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, fmt.Errorf("remote has no branches to set HEAD from"))
	}
	headRef := plumbing.NewHashReference(plumbing.HEAD, defaultRef.Hash())
	return g.repo.Storer.SetReference(headRef)
}

// CommitTime returns the committer timestamp of commit, used by
// internal/router to bucket commits into month/snap folders (spec.md §4.6's
// synthetic naming rules).
func (g *GoGitCapability) CommitTime(commit plumbing.Hash) (time.Time, error) {
	c, err := g.repo.CommitObject(commit)
	if err != nil {
		return time.Time{}, ferrors.NewObjectDBError(ferrors.ObjectDBNotFound, err)
	}
	return c.Committer.When, nil
}

// Repository exposes the underlying *git.Repository for callers (e.g. this
// package's tests) that need lower-level access beyond Capability.
func (g *GoGitCapability) Repository() *git.Repository { return g.repo }

// EnumerateRefs builds the in-memory RefState snapshot described by
// spec.md §6's "Ref-state on-disk format": every ref bucketed into a
// namespace (main, branch, HEAD, pull-request, pull-request-merge, or tag)
// together with the commit it currently points at.
func (g *GoGitCapability) EnumerateRefs() (*RefState, error) {
	defaultBranch := g.defaultBranchName()

	iter, err := g.repo.References()
	if err != nil {
		return nil, ferrors.NewObjectDBError(ferrors.ObjectDBIO, err)
	}
	defer iter.Close()

	rs := newRefState()
	err = iter.ForEach(func(r *plumbing.Reference) error {
		if r.Type() != plumbing.HashReference {
			return nil // skip symbolic refs (e.g. refs/remotes/origin/HEAD)
		}
		name := r.Name().String()
		k, snap := classifyRef(name, defaultBranch)
		if k == refKindUnknown {
			return nil
		}
		c, err := g.repo.CommitObject(r.Hash())
		if err != nil {
			return nil // non-commit ref (e.g. annotated tag object); skip
		}
		rs.add(k, snap, c.Hash, c.Committer.When)
		return nil
	})
	if err != nil {
		return nil, ferrors.NewObjectDBError(ferrors.ObjectDBIO, err)
	}
	rs.finalize()
	return rs, nil
}

func (g *GoGitCapability) defaultBranchName() string {
	head, err := g.repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return ""
	}
	if head.Type() == plumbing.SymbolicReference {
		return head.Target().Short()
	}
	return ""
}

// classifyRef maps a fully-qualified ref name to its RefState namespace and
// the snapshot label used as the directory name under refs/ presentation
// roots (e.g. "refs/heads/topic" -> (refKindBranch, "topic")).
func classifyRef(name, defaultBranch string) (refKind, string) {
	switch {
	case name == "HEAD":
		return refKindHead, "HEAD"
	case strings.HasPrefix(name, "refs/heads/"):
		short := strings.TrimPrefix(name, "refs/heads/")
		if defaultBranch != "" && short == defaultBranch {
			return refKindMain, short
		}
		return refKindBranch, short
	case strings.HasPrefix(name, "refs/tags/"):
		return refKindTag, strings.TrimPrefix(name, "refs/tags/")
	case strings.HasPrefix(name, "refs/pull/") && strings.HasSuffix(name, "/merge"):
		return refKindPRMerge, strings.TrimSuffix(strings.TrimPrefix(name, "refs/pull/"), "/merge")
	case strings.HasPrefix(name, "refs/pull/") && strings.HasSuffix(name, "/head"):
		return refKindPR, strings.TrimSuffix(strings.TrimPrefix(name, "refs/pull/"), "/head")
	default:
		return refKindUnknown, ""
	}
}
