package virtualdir

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kirr/gitfs/internal/ferrors"
	"github.com/kirr/gitfs/internal/inode"
	"github.com/kirr/gitfs/internal/kind"
	"github.com/kirr/gitfs/internal/meta"
	"github.com/kirr/gitfs/internal/objectdb"
)

// Node is one materialised virtual directory (spec.md §3 "Virtual node"):
// the owning inode, the origin file's object-id, and the ordered map from
// synthetic name to (inode, size) built on first opendir.
type Node struct {
	OwningInode    uint64
	OriginObjectID plumbing.Hash

	mu      sync.Mutex
	built   bool
	order   []string
	inodeOf map[string]uint64
}

// Entries returns the cached ordered (name, inode) listing. Must be called
// after Engine.Open has built the node.
func (n *Node) Entries() []meta.ChildEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]meta.ChildEntry, len(n.order))
	for i, name := range n.order {
		out[i] = meta.ChildEntry{Name: name, Inode: n.inodeOf[name]}
	}
	return out
}

// Engine builds and caches virtual directories (spec.md §4.6).
type Engine struct {
	objdb  objectdb.Capability
	store  *meta.Store
	seq    inode.Sequencer
	repoID uint16

	mu    sync.Mutex
	nodes map[uint64]*Node // keyed by owning inode
}

// New creates a virtual-directory engine for one repo.
func New(objdb objectdb.Capability, store *meta.Store, seq inode.Sequencer, repoID uint16) *Engine {
	return &Engine{objdb: objdb, store: store, seq: seq, repoID: repoID, nodes: make(map[uint64]*Node)}
}

// Open implements spec.md §4.6: on first opendir of owningInode (whose
// kind-flag is VirtualFile and whose name parsed as a NameSpec), resolves the
// commit history of the underlying blob and persists a stable inode per
// historical version; subsequent calls reuse the cached Node (P6: "opendir
// twice on an unchanged repository yields identical ordered listings").
func (e *Engine) Open(ctx context.Context, owningInode uint64, originCommit plumbing.Hash, originObjectID plumbing.Hash) (_ *Node, err error) {
	e.mu.Lock()
	n, ok := e.nodes[owningInode]
	if !ok {
		n = &Node{OwningInode: owningInode, OriginObjectID: originObjectID, inodeOf: make(map[string]uint64)}
		e.nodes[owningInode] = n
	}
	e.mu.Unlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.built {
		return n, nil
	}
	// A failed build must not leave the empty, unbuilt Node cached: the
	// next Open would hit the fast path above and return it forever
	// instead of retrying against the object DB (P6).
	defer func() {
		if err != nil {
			e.mu.Lock()
			if cur, ok := e.nodes[owningInode]; ok && cur == n {
				delete(e.nodes, owningInode)
			}
			e.mu.Unlock()
		}
	}()

	versions, err := e.objdb.BlobHistory(originCommit, originObjectID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for i, v := range versions {
		syntheticName := fmt.Sprintf("%04d_%s", i+1, v.Name)

		existing, err := e.store.Lookup(ctx, owningInode, syntheticName)
		switch {
		case err == nil:
			n.inodeOf[syntheticName] = existing.Inode
		case err == ferrors.NotFound || err == ferrors.TombstoneNegative:
			seq, serr := e.seq.Next(e.repoID)
			if serr != nil {
				return nil, fmt.Errorf("virtualdir: allocate inode: %w", serr)
			}
			ino, ierr := inode.Encode(e.repoID, seq, false)
			if ierr != nil {
				return nil, fmt.Errorf("virtualdir: encode inode: %w", ierr)
			}
			rec := meta.Record{
				Inode: uint64(ino), ParentInode: owningInode, Name: syntheticName,
				Kind: kind.VirtualFile, ObjectID: v.ObjectID.String(), FileMode: uint32(v.Mode),
				Size: uint64(v.Size), ATime: now, MTime: now, CTime: now,
			}
			if perr := e.store.Put(ctx, rec); perr != nil {
				return nil, fmt.Errorf("virtualdir: persist synthetic entry: %w", perr)
			}
			n.inodeOf[syntheticName] = uint64(ino)
		default:
			return nil, fmt.Errorf("virtualdir: lookup synthetic entry: %w", err)
		}
		n.order = append(n.order, syntheticName)
	}

	n.built = true
	return n, nil
}

// ParseTrigger checks whether name (a directory entry inside InsideSnap)
// triggers the virtual-directory engine, returning the parsed base name.
func ParseTrigger(name string) (string, bool) {
	spec, ok := ParseNameSpec(name)
	if !ok {
		return "", false
	}
	return spec.Base, true
}

// SortedEntryNames returns names sorted for presentations that need a
// deterministic order distinct from insertion order (e.g. a future `ls -r`).
func SortedEntryNames(n *Node) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := append([]string(nil), n.order...)
	sort.Strings(out)
	return out
}
