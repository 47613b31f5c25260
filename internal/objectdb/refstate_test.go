package objectdb

import (
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/require"
)

func TestRefStateMarshalUnmarshalRoundTrip(t *testing.T) {
	rs := newRefState()
	c1 := plumbing.NewHash("1111111111111111111111111111111111111111")
	c2 := plumbing.NewHash("2222222222222222222222222222222222222222")

	now := time.Unix(1700000000, 0).UTC()
	rs.add(refKindMain, "main", c1, now)
	rs.add(refKindBranch, "topic", c2, now.Add(-time.Hour))
	rs.add(refKindTag, "v1.0", c1, now.Add(-2*time.Hour))
	rs.finalize()

	data, err := rs.Marshal()
	require.NoError(t, err)
	require.Equal(t, "RFST", string(data[:4]))

	got, err := UnmarshalRefState(data)
	require.NoError(t, err)
	require.Equal(t, rs.Fingerprint(), got.Fingerprint())

	mainCommit, ok := got.Resolve(refKindMain, "main")
	require.True(t, ok)
	require.Equal(t, c1, mainCommit)

	topicCommit, ok := got.Resolve(refKindBranch, "topic")
	require.True(t, ok)
	require.Equal(t, c2, topicCommit)

	require.ElementsMatch(t, []string{"main", "branch", "tag"}, namespaceSlice(got))
}

func TestRefStateFingerprintChangesWithContent(t *testing.T) {
	rs1 := newRefState()
	rs1.add(refKindBranch, "main", plumbing.NewHash("1111111111111111111111111111111111111111"), time.Unix(1, 0))
	rs1.finalize()

	rs2 := newRefState()
	rs2.add(refKindBranch, "main", plumbing.NewHash("2222222222222222222222222222222222222222"), time.Unix(1, 0))
	rs2.finalize()

	require.NotEqual(t, rs1.Fingerprint(), rs2.Fingerprint())
}

func TestRefKindTagRoundTrip(t *testing.T) {
	kinds := []refKind{refKindMain, refKindBranch, refKindPR, refKindPRMerge, refKindTag, refKindHead}
	for _, k := range kinds {
		got, err := refKindFromTag(k.tag())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
}

func namespaceSlice(rs *RefState) []string {
	var out []string
	for ns := range rs.uniqueNamespace {
		out = append(out, ns)
	}
	return out
}
