package xfsjournal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/xfsjournal/internal/buffer"
	"github.com/behrlich/xfsjournal/internal/clock"
	"github.com/behrlich/xfsjournal/internal/interfaces"
	"github.com/behrlich/xfsjournal/internal/iodevice"
	"github.com/behrlich/xfsjournal/internal/transaction"
)

const (
	testDataDeviceSize = 4 << 20
	testLogBlocks      = 2048
	testDataOffset     = 1 << 20
)

func openTestMount(t *testing.T, dev interfaces.BlockDevice, fc clock.Clock) *MountState {
	t.Helper()
	ms, _, err := Open(context.Background(), MountParams{
		Device:       dev,
		LogNumBlocks: testLogBlocks,
		Align:        buffer.AlignAny,
		Clock:        fc,
	})
	require.NoError(t, err)
	return ms
}

func readBytes(t *testing.T, dev interfaces.BlockDevice, offset int64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	done := make(chan error, 1)
	dev.Submit(context.Background(), interfaces.IORead, offset, buf, func(c interfaces.IOCompletion) { done <- c.Err })
	require.NoError(t, <-done)
	return buf
}

// Commit a transaction, simulate a crash by reopening the same device
// without a clean unmount, and confirm recovery replays the write.
func TestMountCommitCrashReplay(t *testing.T) {
	dev := iodevice.NewMemory(testDataDeviceSize, 512)
	ms := openTestMount(t, dev, nil)

	b, err := ms.Target().Get(context.Background(), testDataOffset, 512, buffer.GetFlags{})
	require.NoError(t, err)
	payload := []byte("durable-across-crash")
	copy(b.Data(), payload)

	tp, err := ms.Transactions().Alloc(1, 4096, transaction.Sync)
	require.NoError(t, err)
	tp.LogBuf(b, 0, int64(len(payload)))
	_, err = tp.Commit(context.Background(), transaction.Sync)
	require.NoError(t, err)

	// No Close: simulate a crash.

	before := readBytes(t, dev, testDataOffset, len(payload))
	require.NotEqual(t, payload, before)

	ms2, rep, err := Open(context.Background(), MountParams{
		Device:       dev,
		LogNumBlocks: testLogBlocks,
		Align:        buffer.AlignAny,
	})
	require.NoError(t, err)
	defer ms2.Close(context.Background())

	require.False(t, rep.CleanUnmount)
	require.Equal(t, 1, rep.ItemsReplayed)
	after := readBytes(t, dev, testDataOffset, len(payload))
	require.Equal(t, payload, after)
}

// A cancel (binval) transaction suppresses replay of the original
// write across a crash.
func TestMountCancelSuppressesReplay(t *testing.T) {
	dev := iodevice.NewMemory(testDataDeviceSize, 512)
	ms := openTestMount(t, dev, nil)

	b, err := ms.Target().Get(context.Background(), testDataOffset, 512, buffer.GetFlags{})
	require.NoError(t, err)
	copy(b.Data(), []byte("should-not-survive"))

	tp, err := ms.Transactions().Alloc(1, 4096, transaction.Sync)
	require.NoError(t, err)
	tp.LogBuf(b, 0, 64)
	_, err = tp.Commit(context.Background(), transaction.Sync)
	require.NoError(t, err)

	b2, err := ms.Target().Get(context.Background(), testDataOffset, 512, buffer.GetFlags{})
	require.NoError(t, err)
	tp2, err := ms.Transactions().Alloc(1, 4096, transaction.Sync)
	require.NoError(t, err)
	tp2.Binval(b2)
	_, err = tp2.Commit(context.Background(), transaction.Sync)
	require.NoError(t, err)

	before := readBytes(t, dev, testDataOffset, 64)

	ms2, rep, err := Open(context.Background(), MountParams{
		Device:       dev,
		LogNumBlocks: testLogBlocks,
		Align:        buffer.AlignAny,
	})
	require.NoError(t, err)
	defer ms2.Close(context.Background())

	require.Zero(t, rep.ItemsReplayed)
	require.Equal(t, 2, rep.ItemsCanceled)
	after := readBytes(t, dev, testDataOffset, 64)
	require.Equal(t, before, after)
}

// A clean Close writes an unmount record so the next Open's recovery
// pass stops immediately and reports CleanUnmount.
func TestMountCleanCloseSkipsReplay(t *testing.T) {
	dev := iodevice.NewMemory(testDataDeviceSize, 512)
	ms := openTestMount(t, dev, nil)

	b, err := ms.Target().Get(context.Background(), testDataOffset, 512, buffer.GetFlags{})
	require.NoError(t, err)
	copy(b.Data(), []byte("already-durable"))

	tp, err := ms.Transactions().Alloc(1, 4096, transaction.Sync)
	require.NoError(t, err)
	tp.LogBuf(b, 0, 64)
	_, err = tp.Commit(context.Background(), transaction.Sync)
	require.NoError(t, err)

	require.NoError(t, ms.Close(context.Background()))

	ms2, rep, err := Open(context.Background(), MountParams{
		Device:       dev,
		LogNumBlocks: testLogBlocks,
		Align:        buffer.AlignAny,
	})
	require.NoError(t, err)
	defer ms2.Close(context.Background())

	require.True(t, rep.CleanUnmount)
}

// Pushing the AIL below the log's reservation threshold writes the
// pushed item's buffer back to the device and removes it from the AIL
// once that write-back completes, advancing the tail that recovery
// will later read.
func TestMountAILPushWritesBackAndAdvancesTail(t *testing.T) {
	dev := iodevice.NewMemory(testDataDeviceSize, 512)
	ms := openTestMount(t, dev, nil)
	payload := []byte("pushed-by-ail")

	b, err := ms.Target().Get(context.Background(), testDataOffset, 512, buffer.GetFlags{})
	require.NoError(t, err)
	copy(b.Data(), payload)

	tp, err := ms.Transactions().Alloc(1, 4096, transaction.Sync)
	require.NoError(t, err)
	tp.LogBuf(b, 0, int64(len(payload)))
	lsn, err := tp.Commit(context.Background(), transaction.Sync)
	require.NoError(t, err)

	// Sync forces the commit record durable, so the onCommit callback
	// has already inserted the item into the AIL by the time Commit
	// returns.
	_, gotLSN, ok := ms.AIL().Min()
	require.True(t, ok)
	require.EqualValues(t, lsn, gotLSN)
	before := readBytes(t, dev, testDataOffset, len(payload))
	require.NotEqual(t, payload, before)

	pushed, _ := ms.AIL().Push(int64(lsn) + 1)
	require.Equal(t, 1, pushed)

	require.Eventually(t, func() bool {
		return ms.AIL().Len() == 0
	}, time.Second, time.Millisecond, "pushed item was never removed from the AIL")

	after := readBytes(t, dev, testDataOffset, len(payload))
	require.Equal(t, payload, after)
}

// The delwri flusher only writes back buffers older than age_buffer,
// driven entirely by a fake clock so the test is deterministic.
func TestMountDelwriAgingIsDeterministic(t *testing.T) {
	dev := iodevice.NewMemory(testDataDeviceSize, 512)
	fc := clock.NewFake(time.Unix(0, 0))
	ms, _, err := Open(context.Background(), MountParams{
		Device:       dev,
		LogNumBlocks: testLogBlocks,
		Align:        buffer.AlignAny,
		Clock:        fc,
		AgeBuffer:    MinAgeBuffer,
	})
	require.NoError(t, err)
	defer ms.Close(context.Background())

	b, err := ms.Target().Get(context.Background(), testDataOffset, 512, buffer.GetFlags{})
	require.NoError(t, err)
	copy(b.Data(), []byte("ages-out-eventually"))
	b.Unlock()
	ms.Target().EnqueueDelwri(b, fc.Now().UnixNano())
	require.Equal(t, 1, ms.Target().DelwriLen())

	fc.Advance(2 * MinAgeBuffer)
	ms.Sync(context.Background())
}

// Two transactions committed in sequence both survive a crash and
// replay in commit order; torn-write detection itself (the cycle-scan
// head search and its backward confirmation against a record header's
// declared extent) is covered at the unit level in
// internal/recovery/scan_test.go, where the ring geometry can be
// driven directly instead of through the full mount/transaction path.
func TestMountReplaysMultipleCommittedTransactionsInOrder(t *testing.T) {
	dev := iodevice.NewMemory(testDataDeviceSize, 512)
	ms := openTestMount(t, dev, nil)

	b, err := ms.Target().Get(context.Background(), testDataOffset, 512, buffer.GetFlags{})
	require.NoError(t, err)
	copy(b.Data(), []byte("first-record"))
	tp, err := ms.Transactions().Alloc(1, 4096, transaction.Sync)
	require.NoError(t, err)
	tp.LogBuf(b, 0, 32)
	_, err = tp.Commit(context.Background(), transaction.Sync)
	require.NoError(t, err)

	b2, err := ms.Target().Get(context.Background(), testDataOffset+512, 512, buffer.GetFlags{})
	require.NoError(t, err)
	copy(b2.Data(), []byte("second-record"))
	tp2, err := ms.Transactions().Alloc(1, 4096, transaction.Sync)
	require.NoError(t, err)
	tp2.LogBuf(b2, 0, 32)
	_, err = tp2.Commit(context.Background(), transaction.Sync)
	require.NoError(t, err)

	ms2, rep, err := Open(context.Background(), MountParams{
		Device:       dev,
		LogNumBlocks: testLogBlocks,
		Align:        buffer.AlignAny,
	})
	require.NoError(t, err)
	defer ms2.Close(context.Background())
	require.Equal(t, 2, rep.ItemsReplayed)

	require.Equal(t, []byte("first-record"), readBytes(t, dev, testDataOffset, 12))
	require.Equal(t, []byte("second-record"), readBytes(t, dev, testDataOffset+512, 13))
}
