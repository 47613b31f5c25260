package inode

import "testing"

import "github.com/stretchr/testify/require"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		repoID  uint16
		seq     uint64
		virtual bool
	}{
		{0, 0, false},
		{1, 42, false},
		{1, 42, true},
		{0xFFFF, maxSeq, true},
	}
	for _, c := range cases {
		ino, err := Encode(c.repoID, c.seq, c.virtual)
		require.NoError(t, err)
		gotRepo, gotSeq, gotVirtual := Decode(ino)
		require.Equal(t, c.repoID, gotRepo)
		require.Equal(t, c.seq, gotSeq)
		require.Equal(t, c.virtual, gotVirtual)
	}
}

func TestEncodeRejectsSeqOverflow(t *testing.T) {
	_, err := Encode(0, maxSeq+1, false)
	require.Error(t, err)
	var invalid ErrInvalidInode
	require.ErrorAs(t, err, &invalid)
}

func TestToVirtualToNormal(t *testing.T) {
	ino, err := Encode(3, 10, false)
	require.NoError(t, err)
	v := ToVirtual(ino)
	require.True(t, IsVirtual(v))
	require.Equal(t, ino, ToNormal(v))
	require.Equal(t, ino, ToNormal(ino))
}

func TestIsRoot(t *testing.T) {
	require.True(t, IsRoot(Root))
	ino, _ := Encode(0, 1, false)
	require.False(t, IsRoot(ino))
}

func TestIsLiveRoot(t *testing.T) {
	ino, _ := Encode(5, LiveSeqBase, false)
	require.True(t, IsLiveRoot(ino))
	require.Equal(t, uint16(5), RepoOf(ino))

	virtualLive := ToVirtual(ino)
	require.False(t, IsLiveRoot(virtualLive), "virtual bit must disqualify live-root classification")
}
