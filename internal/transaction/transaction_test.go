package transaction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/xfsjournal/internal/ail"
	"github.com/behrlich/xfsjournal/internal/buffer"
	"github.com/behrlich/xfsjournal/internal/iodevice"
	"github.com/behrlich/xfsjournal/internal/logitem"
	"github.com/behrlich/xfsjournal/internal/logrecord"
	"github.com/behrlich/xfsjournal/internal/pagestore"
	"github.com/behrlich/xfsjournal/internal/wire"
)

const testItemType = 1

func newTestManager(t *testing.T) (*Manager, *buffer.Target) {
	t.Helper()
	dev := iodevice.NewMemory(4*1024*1024, 512)
	log := logrecord.NewLog(logrecord.Config{
		Device:     dev,
		StartBlock: 0,
		NumBlocks:  4 * 1024 * 1024 / 512,
	})
	list := ail.New()
	mgr := NewManager(log, list)

	store := pagestore.New()
	tgt := buffer.NewTarget(dev, store, 512, buffer.AlignAny)
	return mgr, tgt
}

func newTestBuffer(t *testing.T, tgt *buffer.Target) *buffer.Buffer {
	t.Helper()
	b, err := tgt.Get(context.Background(), 0, 512, buffer.GetFlags{})
	require.NoError(t, err)
	return b
}

func TestCommitOnCleanTransactionUnlocksAndReturns(t *testing.T) {
	mgr, _ := newTestManager(t)

	tp, err := mgr.Alloc(testItemType, 256, 0)
	require.NoError(t, err)

	lsn, err := tp.Commit(context.Background(), 0)
	require.NoError(t, err)
	require.Zero(t, lsn)
}

func TestCommitDirtyBufferInsertsIntoAIL(t *testing.T) {
	mgr, tgt := newTestManager(t)
	b := newTestBuffer(t, tgt)

	tp, err := mgr.Alloc(testItemType, 4096, Sync)
	require.NoError(t, err)

	bi := tp.LogBuf(b, 0, 64)
	require.True(t, bi.Dirty())

	lsn, err := tp.Commit(context.Background(), Sync)
	require.NoError(t, err)
	require.NotZero(t, lsn)

	_, gotLSN, ok := mgr.ail.Min()
	require.True(t, ok)
	require.EqualValues(t, lsn, gotLSN)
}

func TestBinvalCancelsBufferItem(t *testing.T) {
	mgr, tgt := newTestManager(t)
	b := newTestBuffer(t, tgt)

	tp, err := mgr.Alloc(testItemType, 4096, 0)
	require.NoError(t, err)
	bi := tp.LogBuf(b, 0, 64)

	tp.Binval(b)
	require.True(t, bi.Stale())
	require.False(t, b.Flags().Have(buffer.FlagDelwri))
	require.Zero(t, tgt.DelwriLen())
}

// LogBuf must actually enqueue the buffer onto the target's delwri
// queue, not just set the flag, or the flusher's periodic sweep can
// never discover it.
func TestLogBufEnqueuesDelwri(t *testing.T) {
	mgr, tgt := newTestManager(t)
	b := newTestBuffer(t, tgt)

	tp, err := mgr.Alloc(testItemType, 4096, 0)
	require.NoError(t, err)
	tp.LogBuf(b, 0, 64)

	require.True(t, b.Flags().Have(buffer.FlagDelwri))
	require.Equal(t, 1, tgt.DelwriLen())
}

func TestBholdKeepsBufferLockedAfterUnlock(t *testing.T) {
	mgr, tgt := newTestManager(t)
	b := newTestBuffer(t, tgt)

	tp, err := mgr.Alloc(testItemType, 4096, 0)
	require.NoError(t, err)
	tp.LogBuf(b, 0, 64)
	tp.Bhold(b)

	bi := b.LogItem.(*logitem.BufferItem)
	bi.Unlock() // HOLD set: should not actually release the buffer lock
	require.False(t, b.TryLock())
}

func TestLogInodeMarksFieldsDirty(t *testing.T) {
	mgr, _ := newTestManager(t)
	tp, err := mgr.Alloc(testItemType, 256, 0)
	require.NoError(t, err)

	ip := logitem.NewInodeItem(&logitem.Inode{Ino: 42, Size: 128, Data: make([]byte, 64)})
	tp.LogInode(ip, wire.ILogCore|wire.ILogDData)
	require.True(t, ip.Dirty())
	require.True(t, tp.dirty)
}

func TestCancelNonDirtyTransactionUnlocksItems(t *testing.T) {
	mgr, tgt := newTestManager(t)
	b := newTestBuffer(t, tgt) // Get returns b already locked

	tp, err := mgr.Alloc(testItemType, 256, 0)
	require.NoError(t, err)
	tp.AddItem(logitem.NewBufferItem(b))

	tp.Cancel() // not dirty: unlocks every attached item
	require.True(t, b.TryLock())
	b.Unlock()
}
