package logitem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/xfsjournal/internal/buffer"
	"github.com/behrlich/xfsjournal/internal/interfaces"
	"github.com/behrlich/xfsjournal/internal/iodevice"
	"github.com/behrlich/xfsjournal/internal/pagestore"
	"github.com/behrlich/xfsjournal/internal/wire"
)

func newTestBuffer(t *testing.T) *buffer.Buffer {
	t.Helper()
	dev := iodevice.NewMemory(1<<20, 512)
	store := pagestore.New()
	tgt := buffer.NewTarget(dev, store, 512, buffer.AlignAny)
	b, err := tgt.Get(context.Background(), 0, 512, buffer.GetFlags{})
	require.NoError(t, err)
	return b
}

func TestBufferItemTracksDirtyChunks(t *testing.T) {
	b := newTestBuffer(t)
	defer b.Unlock()

	bi := NewBufferItem(b)
	require.False(t, bi.Dirty())

	bi.Log(0, 64)
	require.True(t, bi.Dirty())

	iovs := bi.Format()
	require.Len(t, iovs, 2) // header + one dirty run
	hdr, err := wire.DecodeBufferLogFormat(iovs[0].Data)
	require.NoError(t, err)
	require.EqualValues(t, 0, hdr.Blkno)
}

func TestBufferItemStaleSkipsData(t *testing.T) {
	b := newTestBuffer(t)
	defer b.Unlock()

	bi := NewBufferItem(b)
	bi.Log(0, 512)
	bi.MarkStale()

	iovs := bi.Format()
	require.Len(t, iovs, 1)
	require.True(t, b.Stale())
}

func TestBufferItemTrylockReflectsPin(t *testing.T) {
	b := newTestBuffer(t)
	b.Unlock()

	bi := NewBufferItem(b)
	b.Pin()
	require.Equal(t, TrylockPinned, bi.Trylock())
	b.Unpin()

	require.Equal(t, TrylockSuccess, bi.Trylock())
	b.Unlock()
}

// Push on a still-delayed-write buffer dequeues it, issues an async
// write-back, and chains onto whatever completion callback was
// already installed rather than discarding it.
func TestBufferItemPushWritesBackDelwriBufferAndChainsIODone(t *testing.T) {
	dev := iodevice.NewMemory(1<<20, 512)
	store := pagestore.New()
	tgt := buffer.NewTarget(dev, store, 512, buffer.AlignAny)
	b, err := tgt.Get(context.Background(), 0, 512, buffer.GetFlags{})
	require.NoError(t, err)

	payload := []byte("push-me")
	copy(b.Data(), payload)
	tgt.EnqueueDelwri(b, 1)

	bi := NewBufferItem(b)
	var prevCalled bool
	b.SetIODone(func(*buffer.Buffer) { prevCalled = true })

	bi.Push()
	require.NoError(t, tgt.IOWait(b))

	require.True(t, prevCalled)
	require.True(t, b.TryLock()) // Push's completion unlocked it
	b.Unlock()
	require.Zero(t, tgt.DelwriLen())

	got := make([]byte, len(payload))
	done := make(chan error, 1)
	dev.Submit(context.Background(), interfaces.IORead, 0, got, func(c interfaces.IOCompletion) { done <- c.Err })
	require.NoError(t, <-done)
	require.Equal(t, payload, got)
}

// Push on a buffer that isn't delayed-write has nothing to write out
// and just releases it.
func TestBufferItemPushReleasesNonDelwriBuffer(t *testing.T) {
	b := newTestBuffer(t)
	bi := NewBufferItem(b)

	bi.Push()

	require.True(t, b.TryLock())
	b.Unlock()
}

func TestInodeItemFormatsDirtyFields(t *testing.T) {
	ino := &Inode{Ino: 7, Size: 64, Data: make([]byte, 64)}
	ii := NewInodeItem(ino)
	require.False(t, ii.Dirty())

	ii.Log(wire.ILogCore)
	require.True(t, ii.Dirty())
	require.Len(t, ii.Format(), 2)
}

func TestInodeItemTrylockSerializes(t *testing.T) {
	ino := &Inode{Ino: 1}
	ii := NewInodeItem(ino)
	require.Equal(t, TrylockSuccess, ii.Trylock())
	require.Equal(t, TrylockLocked, ii.Trylock())
	ii.Unlock()
	require.Equal(t, TrylockSuccess, ii.Trylock())
}
