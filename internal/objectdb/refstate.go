package objectdb

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
)

// refKind is one of the six ref namespaces spec.md §3/§6 distinguishes:
// Main (the repository's default branch), Branch, Pr, PrMerge, Tag, Head.
type refKind int

const (
	refKindUnknown refKind = iota
	refKindMain
	refKindBranch
	refKindPR
	refKindPRMerge
	refKindTag
	refKindHead
)

// tag is the 2-byte wire tag of spec.md §6: "BR|HD|PR|PM|TG|MN".
func (k refKind) tag() [2]byte {
	switch k {
	case refKindBranch:
		return [2]byte{'B', 'R'}
	case refKindHead:
		return [2]byte{'H', 'D'}
	case refKindPR:
		return [2]byte{'P', 'R'}
	case refKindPRMerge:
		return [2]byte{'P', 'M'}
	case refKindTag:
		return [2]byte{'T', 'G'}
	case refKindMain:
		return [2]byte{'M', 'N'}
	default:
		return [2]byte{'?', '?'}
	}
}

func refKindFromTag(tag [2]byte) (refKind, error) {
	switch tag {
	case [2]byte{'B', 'R'}:
		return refKindBranch, nil
	case [2]byte{'H', 'D'}:
		return refKindHead, nil
	case [2]byte{'P', 'R'}:
		return refKindPR, nil
	case [2]byte{'P', 'M'}:
		return refKindPRMerge, nil
	case [2]byte{'T', 'G'}:
		return refKindTag, nil
	case [2]byte{'M', 'N'}:
		return refKindMain, nil
	default:
		return refKindUnknown, fmt.Errorf("refstate: unknown ref-kind tag %q", tag[:])
	}
}

// refID is a fully-qualified ref-kind: the namespace plus its snapshot name
// (e.g. Branch("topic"), Pr("42"), Tag("v1.0")).
type refID struct {
	kind refKind
	name string
}

// snapEntry is one (commit-time, commit) pair under a ref-kind's ordered
// history list, per spec.md §6.
type snapEntry struct {
	when   time.Time
	commit plumbing.Hash
}

// RefState is the derived index of spec.md §3: refs to sorted commit lists,
// commits to the set of ref-kinds touching them, and a content fingerprint
// used for cache invalidation (spec.md §4.5 enumerate_refs).
type RefState struct {
	snapsToRef      map[plumbing.Hash]map[refID]struct{}
	refsToSnaps     map[refID][]snapEntry
	uniqueNamespace map[string]struct{}
	fingerprint     [32]byte
}

func newRefState() *RefState {
	return &RefState{
		snapsToRef:      make(map[plumbing.Hash]map[refID]struct{}),
		refsToSnaps:     make(map[refID][]snapEntry),
		uniqueNamespace: make(map[string]struct{}),
	}
}

func (rs *RefState) add(kind refKind, name string, commit plumbing.Hash, when time.Time) {
	id := refID{kind: kind, name: name}

	if rs.snapsToRef[commit] == nil {
		rs.snapsToRef[commit] = make(map[refID]struct{})
	}
	rs.snapsToRef[commit][id] = struct{}{}

	rs.refsToSnaps[id] = append(rs.refsToSnaps[id], snapEntry{when: when, commit: commit})
	rs.uniqueNamespace[namespaceOf(kind)] = struct{}{}
}

func namespaceOf(k refKind) string {
	switch k {
	case refKindMain:
		return "main"
	case refKindBranch:
		return "branch"
	case refKindPR:
		return "pr"
	case refKindPRMerge:
		return "pr-merge"
	case refKindTag:
		return "tag"
	case refKindHead:
		return "head"
	default:
		return "unknown"
	}
}

// finalize sorts every ref's commit list newest-first (spec.md §4.5's
// deterministic ordering contract) and computes the content fingerprint.
func (rs *RefState) finalize() {
	for id, entries := range rs.refsToSnaps {
		sort.SliceStable(entries, func(i, j int) bool {
			if !entries[i].when.Equal(entries[j].when) {
				return entries[i].when.After(entries[j].when)
			}
			return entries[i].commit.String() < entries[j].commit.String()
		})
		rs.refsToSnaps[id] = entries
	}
	rs.fingerprint = computeFingerprint(rs)
}

// Refs returns the ref-kind names currently known for a namespace, sorted.
func (rs *RefState) Refs(kind refKind) []string {
	var names []string
	for id := range rs.refsToSnaps {
		if id.kind == kind {
			names = append(names, id.name)
		}
	}
	sort.Strings(names)
	return names
}

// Resolve returns the current (most recent) commit a named ref points at.
func (rs *RefState) Resolve(kind refKind, name string) (plumbing.Hash, bool) {
	entries := rs.refsToSnaps[refID{kind: kind, name: name}]
	if len(entries) == 0 {
		return plumbing.ZeroHash, false
	}
	return entries[0].commit, true
}

// HeadCommit returns the commit the repository's symbolic HEAD currently
// resolves to, used to seed month/snap-folder derivation (spec.md §4.3).
func (rs *RefState) HeadCommit() (plumbing.Hash, bool) {
	if h, ok := rs.Resolve(refKindHead, "HEAD"); ok {
		return h, true
	}
	for id, entries := range rs.refsToSnaps {
		if id.kind == refKindMain && len(entries) > 0 {
			return entries[0].commit, true
		}
	}
	return plumbing.ZeroHash, false
}

// Fingerprint returns the 32-byte content fingerprint for cache invalidation.
func (rs *RefState) Fingerprint() [32]byte { return rs.fingerprint }

// BranchNames, TagNames, PRNames, and PRMergeNames expose the per-namespace
// name listings to callers outside this package (refKind itself is kept
// unexported so the wire tags stay the single source of truth).
func (rs *RefState) BranchNames() []string  { return rs.Refs(refKindBranch) }
func (rs *RefState) TagNames() []string     { return rs.Refs(refKindTag) }
func (rs *RefState) PRNames() []string      { return rs.Refs(refKindPR) }
func (rs *RefState) PRMergeNames() []string { return rs.Refs(refKindPRMerge) }

// ResolveBranch, ResolveTag, ResolvePR, and ResolvePRMerge resolve a named
// ref in their respective namespace to its current commit.
func (rs *RefState) ResolveBranch(name string) (plumbing.Hash, bool)  { return rs.Resolve(refKindBranch, name) }
func (rs *RefState) ResolveTag(name string) (plumbing.Hash, bool)     { return rs.Resolve(refKindTag, name) }
func (rs *RefState) ResolvePR(name string) (plumbing.Hash, bool)      { return rs.Resolve(refKindPR, name) }
func (rs *RefState) ResolvePRMerge(name string) (plumbing.Hash, bool) { return rs.Resolve(refKindPRMerge, name) }

func computeFingerprint(rs *RefState) [32]byte {
	var buf bytes.Buffer
	writeRefState(&buf, rs, true /*skipFingerprint*/)
	return sha256.Sum256(buf.Bytes())
}

const (
	refStateMagic   = "RFST"
	refStateVersion = uint32(1)
)

// Marshal encodes the ref-state in the exact binary layout of spec.md §6:
//
//	magic[4] = "RFST"
//	version[4] = u32 le = 1
//	fingerprint[32]
//	snaps_to_ref : map<object_id[20], set<ref_kind>>
//	refs_to_snaps : map<ref_kind, ordered list<(time_secs_le_i64, object_id[20])>>
//	unique_namespaces : set<string>
func (rs *RefState) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	writeRefState(&buf, rs, false)
	return buf.Bytes(), nil
}

func writeRefState(w *bytes.Buffer, rs *RefState, skipFingerprint bool) {
	w.WriteString(refStateMagic)
	writeU32(w, refStateVersion)
	if skipFingerprint {
		w.Write(make([]byte, 32))
	} else {
		w.Write(rs.fingerprint[:])
	}

	// snaps_to_ref, ordered by commit hash for determinism.
	commits := make([]plumbing.Hash, 0, len(rs.snapsToRef))
	for h := range rs.snapsToRef {
		commits = append(commits, h)
	}
	sort.Slice(commits, func(i, j int) bool { return commits[i].String() < commits[j].String() })

	writeU32(w, uint32(len(commits)))
	for _, h := range commits {
		w.Write(h[:])
		kinds := rs.snapsToRef[h]
		ids := make([]refID, 0, len(kinds))
		for id := range kinds {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return refIDLess(ids[i], ids[j]) })
		writeU32(w, uint32(len(ids)))
		for _, id := range ids {
			writeRefID(w, id)
		}
	}

	// refs_to_snaps, ordered by ref-id for determinism.
	refIDs := make([]refID, 0, len(rs.refsToSnaps))
	for id := range rs.refsToSnaps {
		refIDs = append(refIDs, id)
	}
	sort.Slice(refIDs, func(i, j int) bool { return refIDLess(refIDs[i], refIDs[j]) })

	writeU32(w, uint32(len(refIDs)))
	for _, id := range refIDs {
		writeRefID(w, id)
		entries := rs.refsToSnaps[id]
		writeU32(w, uint32(len(entries)))
		for _, e := range entries {
			writeI64(w, e.when.Unix())
			w.Write(e.commit[:])
		}
	}

	// unique_namespaces, sorted.
	namespaces := make([]string, 0, len(rs.uniqueNamespace))
	for ns := range rs.uniqueNamespace {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	writeU32(w, uint32(len(namespaces)))
	for _, ns := range namespaces {
		writeString(w, ns)
	}
}

func refIDLess(a, b refID) bool {
	if a.kind != b.kind {
		return a.kind < b.kind
	}
	return a.name < b.name
}

func writeRefID(w *bytes.Buffer, id refID) {
	tag := id.kind.tag()
	w.Write(tag[:])
	writeString(w, id.name)
}

func writeU32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeI64(w *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.Write(b[:])
}

func writeString(w *bytes.Buffer, s string) {
	writeU32(w, uint32(len(s)))
	w.WriteString(s)
}

// UnmarshalRefState decodes the binary layout produced by Marshal.
func UnmarshalRefState(data []byte) (*RefState, error) {
	r := bufio.NewReader(bytes.NewReader(data))

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("refstate: read magic: %w", err)
	}
	if string(magic) != refStateMagic {
		return nil, fmt.Errorf("refstate: bad magic %q", magic)
	}

	version, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("refstate: read version: %w", err)
	}
	if version != refStateVersion {
		return nil, fmt.Errorf("refstate: unsupported version %d", version)
	}

	rs := newRefState()
	if _, err := io.ReadFull(r, rs.fingerprint[:]); err != nil {
		return nil, fmt.Errorf("refstate: read fingerprint: %w", err)
	}

	nCommits, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("refstate: read snaps_to_ref len: %w", err)
	}
	for i := uint32(0); i < nCommits; i++ {
		var h plumbing.Hash
		if _, err := io.ReadFull(r, h[:]); err != nil {
			return nil, fmt.Errorf("refstate: read commit: %w", err)
		}
		nKinds, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("refstate: read ref-kind set len: %w", err)
		}
		set := make(map[refID]struct{}, nKinds)
		for j := uint32(0); j < nKinds; j++ {
			id, err := readRefID(r)
			if err != nil {
				return nil, err
			}
			set[id] = struct{}{}
		}
		rs.snapsToRef[h] = set
	}

	nRefs, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("refstate: read refs_to_snaps len: %w", err)
	}
	for i := uint32(0); i < nRefs; i++ {
		id, err := readRefID(r)
		if err != nil {
			return nil, err
		}
		nEntries, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("refstate: read entry list len: %w", err)
		}
		entries := make([]snapEntry, 0, nEntries)
		for j := uint32(0); j < nEntries; j++ {
			secs, err := readI64(r)
			if err != nil {
				return nil, fmt.Errorf("refstate: read entry time: %w", err)
			}
			var h plumbing.Hash
			if _, err := io.ReadFull(r, h[:]); err != nil {
				return nil, fmt.Errorf("refstate: read entry commit: %w", err)
			}
			entries = append(entries, snapEntry{when: time.Unix(secs, 0).UTC(), commit: h})
		}
		rs.refsToSnaps[id] = entries
		rs.uniqueNamespace[namespaceOf(id.kind)] = struct{}{}
	}

	nNamespaces, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("refstate: read unique_namespaces len: %w", err)
	}
	for i := uint32(0); i < nNamespaces; i++ {
		ns, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("refstate: read namespace: %w", err)
		}
		rs.uniqueNamespace[ns] = struct{}{}
	}

	return rs, nil
}

func readRefID(r io.Reader) (refID, error) {
	var tag [2]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return refID{}, fmt.Errorf("refstate: read ref-kind tag: %w", err)
	}
	kind, err := refKindFromTag(tag)
	if err != nil {
		return refID{}, err
	}
	name, err := readString(r)
	if err != nil {
		return refID{}, fmt.Errorf("refstate: read ref-kind name: %w", err)
	}
	return refID{kind: kind, name: name}, nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readI64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
