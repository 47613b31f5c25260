package meta

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kirr/gitfs/internal/ferrors"
	"github.com/kirr/gitfs/internal/kind"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fs_meta.db")
	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNextSeqMonotonic(t *testing.T) {
	s := openTestStore(t)
	a, err := s.NextSeq(1)
	require.NoError(t, err)
	b, err := s.NextSeq(1)
	require.NoError(t, err)
	c, err := s.NextSeq(2)
	require.NoError(t, err)
	require.Equal(t, uint64(1), a)
	require.Equal(t, uint64(2), b)
	require.Equal(t, uint64(1), c, "sequences are per-repo")
}

func TestPutGetLookupRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := Record{
		Inode: 10, ParentInode: 1, Name: "README.md", Kind: kind.InsideSnap,
		ObjectID: "deadbeef", FileMode: 0100644, Size: 42,
		ATime: now, MTime: now, CTime: now,
	}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, "README.md", got.Name)
	require.Equal(t, "deadbeef", got.ObjectID)

	byLookup, err := s.Lookup(ctx, 1, "README.md")
	require.NoError(t, err)
	require.Equal(t, uint64(10), byLookup.Inode)

	_, err = s.Lookup(ctx, 1, "nope")
	require.ErrorIs(t, err, ferrors.NotFound)
}

func TestPutNameExists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Put(ctx, Record{Inode: 10, ParentInode: 1, Name: "a", ATime: now, MTime: now, CTime: now}))
	err := s.Put(ctx, Record{Inode: 11, ParentInode: 1, Name: "a", ATime: now, MTime: now, CTime: now})
	require.ErrorIs(t, err, ferrors.NameExists)
}

func TestPutIsIdempotentOnInode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := Record{Inode: 10, ParentInode: 1, Name: "a", Size: 1, ATime: now, MTime: now, CTime: now}
	require.NoError(t, s.Put(ctx, rec))
	rec.Size = 2
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Size)
}

func TestListChildren(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, name := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, Record{Inode: uint64(i + 10), ParentInode: 1, Name: name, ATime: now, MTime: now, CTime: now}))
	}

	children, err := s.ListChildren(ctx, 1)
	require.NoError(t, err)
	require.Len(t, children, 3)
}

func TestRenamePreservesContent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Put(ctx, Record{Inode: 10, ParentInode: 1, Name: "a", ObjectID: "x", ATime: now, MTime: now, CTime: now}))
	require.NoError(t, s.Rename(ctx, 1, "a", 2, "b"))

	got, err := s.Lookup(ctx, 2, "b")
	require.NoError(t, err)
	require.Equal(t, "x", got.ObjectID)

	_, err = s.Lookup(ctx, 1, "a")
	require.ErrorIs(t, err, ferrors.NotFound)
}

func TestUnlinkThenTombstone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Put(ctx, Record{Inode: 10, ParentInode: 1, Name: "a", ATime: now, MTime: now, CTime: now}))
	require.NoError(t, s.Unlink(ctx, 1, "a"))

	_, err := s.Lookup(ctx, 1, "a")
	require.ErrorIs(t, err, ferrors.TombstoneNegative)

	// The store itself does not forbid a Put over a tombstoned name (Put
	// clears the tombstone); callers see the tombstone through Lookup.
	// ClearTombstone removes it, after which the name is simply absent.
	require.NoError(t, s.ClearTombstone(ctx, 1, "a"))
	_, err = s.Lookup(ctx, 1, "a")
	require.ErrorIs(t, err, ferrors.NotFound)
}

func TestParentsOfSupportsHardLinks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Put(ctx, Record{Inode: 10, ParentInode: 1, Name: "a", ATime: now, MTime: now, CTime: now}))
	require.NoError(t, s.LinkExisting(ctx, 10, 2, "b"))

	parents, err := s.ParentsOf(ctx, 10)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{1, 2}, parents)
}

func TestConcurrentWritesSerialise(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	const n = 50
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			errCh <- s.Put(ctx, Record{Inode: uint64(100 + i), ParentInode: 1, Name: "f" + string(rune('a'+i%26)) + string(rune('0'+i/26)),
				ATime: now, MTime: now, CTime: now})
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errCh)
	}
}
