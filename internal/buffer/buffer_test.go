package buffer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/xfsjournal/internal/iodevice"
	"github.com/behrlich/xfsjournal/internal/pagestore"
)

func newTestTarget(t *testing.T) *Target {
	t.Helper()
	dev := iodevice.NewMemory(1<<20, 512)
	store := pagestore.New()
	return NewTarget(dev, store, 512, AlignAny)
}

func TestFindOrCreateConcurrentRaceReturnsSingleBuffer(t *testing.T) {
	tgt := newTestTarget(t)

	const n = 64
	results := make([]*Buffer, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			b, err := tgt.Get(context.Background(), 4096, 512, GetFlags{})
			require.NoError(t, err)
			results[i] = b
			b.Unlock()
		}(i)
	}
	wg.Wait()

	first := results[0]
	for _, b := range results {
		require.Same(t, first, b)
	}
	require.EqualValues(t, n, first.RefCount())
}

func TestGetReadsThroughToDevice(t *testing.T) {
	tgt := newTestTarget(t)

	seed, err := tgt.Get(context.Background(), 0, 512, GetFlags{})
	require.NoError(t, err)
	copy(seed.Data(), []byte("hello world"))
	require.NoError(t, tgt.iostart(context.Background(), seed, FlagWrite))
	require.NoError(t, tgt.iowait(seed))
	seed.Unlock()
	seed.Rele()

	tgt.Invalidate(seed)

	got, err := tgt.Get(context.Background(), 0, 512, GetFlags{Read: true})
	require.NoError(t, err)
	defer got.Unlock()
	require.Equal(t, "hello world", string(got.Data()[:11]))
}

func TestStaleBufferIsSkippedByLookup(t *testing.T) {
	tgt := newTestTarget(t)

	b, err := tgt.Get(context.Background(), 8192, 512, GetFlags{})
	require.NoError(t, err)
	b.Unlock()
	tgt.Invalidate(b)

	miss := tgt.Find(8192, 512)
	require.Nil(t, miss)

	fresh, err := tgt.Get(context.Background(), 8192, 512, GetFlags{})
	require.NoError(t, err)
	defer fresh.Unlock()
	require.NotSame(t, b, fresh)
}

func TestPinPreventsUnpinWaitersUntilZero(t *testing.T) {
	tgt := newTestTarget(t)
	b, err := tgt.Get(context.Background(), 0, 512, GetFlags{})
	require.NoError(t, err)
	b.Unlock()

	b.Pin()
	b.Pin()
	require.EqualValues(t, 2, b.PinCount())

	done := make(chan struct{})
	go func() {
		b.WaitUnpin()
		close(done)
	}()

	b.Unpin()
	select {
	case <-done:
		t.Fatal("WaitUnpin returned before pin count reached zero")
	default:
	}

	b.Unpin()
	<-done
	require.EqualValues(t, 0, b.PinCount())
}

func TestRefCountZeroWithoutDelwriAllowsFree(t *testing.T) {
	tgt := newTestTarget(t)
	b, err := tgt.Get(context.Background(), 0, 512, GetFlags{})
	require.NoError(t, err)
	b.Unlock()

	require.True(t, b.Rele())
}

func TestRefCountZeroWithDelwriKeepsBuffer(t *testing.T) {
	tgt := newTestTarget(t)
	b, err := tgt.Get(context.Background(), 0, 512, GetFlags{})
	require.NoError(t, err)
	b.Unlock()

	b.SetFlag(FlagDelwri)
	require.False(t, b.Rele())
}

func TestGetNoDaddrIsNotHashed(t *testing.T) {
	tgt := newTestTarget(t)
	b := tgt.GetNoDaddr(4096)
	require.NotNil(t, b)
	require.False(t, b.inHash)
	require.EqualValues(t, -1, b.Offset())
}
