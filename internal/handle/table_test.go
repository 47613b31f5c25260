package handle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAssignsMonotonicIDs(t *testing.T) {
	tb := New(nil)
	h1 := &Handle{Inode: 10, Source: SourceBlobSnapshot}
	h2 := &Handle{Inode: 10, Source: SourceBlobSnapshot}

	id1 := tb.Open(h1)
	id2 := tb.Open(h2)
	require.NotEqual(t, id1, id2)
	require.Equal(t, 2, tb.OpenCount(10))
}

func TestGetAndClose(t *testing.T) {
	tb := New(nil)
	h := &Handle{Inode: 5, Source: SourceBlobSnapshot, Blob: []byte("x")}
	id := tb.Open(h)

	got, ok := tb.Get(id)
	require.True(t, ok)
	require.Equal(t, h, got)

	require.True(t, tb.Close(id))
	_, ok = tb.Get(id)
	require.False(t, ok)

	require.False(t, tb.Close(id), "closing an already-closed handle reports false")
}

func TestCleanupEventOnLastClose(t *testing.T) {
	events := make(chan CleanupEvent, 4)
	tb := New(events)

	h1 := &Handle{Inode: 7}
	h2 := &Handle{Inode: 7}
	id1 := tb.Open(h1)
	id2 := tb.Open(h2)

	require.True(t, tb.Close(id1))
	select {
	case <-events:
		t.Fatal("no cleanup event expected while one handle remains open")
	default:
	}

	require.True(t, tb.Close(id2))
	select {
	case ev := <-events:
		require.Equal(t, uint64(7), ev.Inode)
	default:
		t.Fatal("expected a cleanup event after the last handle closed")
	}
}

func TestConcurrentOpenClose(t *testing.T) {
	tb := New(nil)
	const n = 64
	ids := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = tb.Open(&Handle{Inode: 1})
		}(i)
	}
	wg.Wait()
	require.Equal(t, n, tb.OpenCount(1))

	seen := make(map[uint64]bool)
	for _, id := range ids {
		require.False(t, seen[id], "handle ids must be unique")
		seen[id] = true
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tb.Close(ids[i])
		}(i)
	}
	wg.Wait()
	require.Equal(t, 0, tb.OpenCount(1))
}
