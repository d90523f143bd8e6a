package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/xfsjournal/internal/ail"
	"github.com/behrlich/xfsjournal/internal/buffer"
	"github.com/behrlich/xfsjournal/internal/interfaces"
	"github.com/behrlich/xfsjournal/internal/iodevice"
	"github.com/behrlich/xfsjournal/internal/logitem"
	"github.com/behrlich/xfsjournal/internal/logrecord"
	"github.com/behrlich/xfsjournal/internal/pagestore"
	"github.com/behrlich/xfsjournal/internal/transaction"
	"github.com/behrlich/xfsjournal/internal/wire"
)

const (
	testItemType   = 1
	testLogBlocks  = 2048 // 1MiB of 512-byte sectors
	testDataOffset = 1 << 20
	testDeviceSize = 2 << 20
)

type harness struct {
	dev *iodevice.Memory
	log *logrecord.Log
	mgr *transaction.Manager
	tgt *buffer.Target
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dev := iodevice.NewMemory(testDeviceSize, 512)
	log := logrecord.NewLog(logrecord.Config{Device: dev, StartBlock: 0, NumBlocks: testLogBlocks})
	mgr := transaction.NewManager(log, ail.New())
	tgt := buffer.NewTarget(dev, pagestore.New(), 512, buffer.AlignAny)
	return &harness{dev: dev, log: log, mgr: mgr, tgt: tgt}
}

func (h *harness) recoveryConfig() Config {
	return Config{Device: h.dev, StartBlock: 0, NumBlocks: testLogBlocks}
}

func readDevice(t *testing.T, dev *iodevice.Memory, offset int64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	done := make(chan error, 1)
	dev.Submit(context.Background(), interfaces.IORead, offset, buf, func(c interfaces.IOCompletion) { done <- c.Err })
	require.NoError(t, <-done)
	return buf
}

func TestRecoverReplaysCommittedBufferOntoDevice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b, err := h.tgt.Get(ctx, testDataOffset, 512, buffer.GetFlags{})
	require.NoError(t, err)
	payload := []byte("recovered-payload-bytes")
	copy(b.Data(), payload)

	tp, err := h.mgr.Alloc(testItemType, 4096, transaction.Sync)
	require.NoError(t, err)
	tp.LogBuf(b, 0, int64(len(payload)))

	_, err = tp.Commit(ctx, transaction.Sync)
	require.NoError(t, err)

	before := readDevice(t, h.dev, testDataOffset, len(payload))
	require.NotEqual(t, payload, before)

	rep, err := Recover(ctx, h.recoveryConfig())
	require.NoError(t, err)
	require.Equal(t, 1, rep.ItemsReplayed)
	require.Zero(t, rep.ItemsCanceled)

	after := readDevice(t, h.dev, testDataOffset, len(payload))
	require.Equal(t, payload, after)
}

func TestRecoverSuppressesCanceledBuffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b, err := h.tgt.Get(ctx, testDataOffset, 512, buffer.GetFlags{})
	require.NoError(t, err)
	copy(b.Data(), []byte("first-write-should-not-survive"))

	tp1, err := h.mgr.Alloc(testItemType, 4096, transaction.Sync)
	require.NoError(t, err)
	tp1.LogBuf(b, 0, 64)
	_, err = tp1.Commit(ctx, transaction.Sync)
	require.NoError(t, err)

	b2, err := h.tgt.Get(ctx, testDataOffset, 512, buffer.GetFlags{})
	require.NoError(t, err)

	tp2, err := h.mgr.Alloc(testItemType, 4096, transaction.Sync)
	require.NoError(t, err)
	tp2.Binval(b2)
	_, err = tp2.Commit(ctx, transaction.Sync)
	require.NoError(t, err)

	before := readDevice(t, h.dev, testDataOffset, 64)

	rep, err := Recover(ctx, h.recoveryConfig())
	require.NoError(t, err)
	require.Equal(t, 2, rep.ItemsCanceled) // the stale cancel record itself, plus the suppressed first write
	require.Zero(t, rep.ItemsReplayed)

	after := readDevice(t, h.dev, testDataOffset, 64)
	require.Equal(t, before, after)
}

func TestRecoverStopsAtCleanUnmountRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b, err := h.tgt.Get(ctx, testDataOffset, 512, buffer.GetFlags{})
	require.NoError(t, err)
	copy(b.Data(), []byte("payload-before-unmount"))

	tp, err := h.mgr.Alloc(testItemType, 4096, transaction.Sync)
	require.NoError(t, err)
	tp.LogBuf(b, 0, 64)
	_, err = tp.Commit(ctx, transaction.Sync)
	require.NoError(t, err)

	require.NoError(t, h.log.WriteUnmountRecord(ctx))

	rep, err := Recover(ctx, h.recoveryConfig())
	require.NoError(t, err)
	require.True(t, rep.CleanUnmount)
	require.Equal(t, 1, rep.ItemsReplayed)
}

func TestRecoverReplaysInodeItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tp, err := h.mgr.Alloc(testItemType, 4096, transaction.Sync)
	require.NoError(t, err)
	ip := logitem.NewInodeItem(&logitem.Inode{Ino: 99, Size: 16, Data: []byte("inode-core-bytes")})
	tp.LogInode(ip, wire.ILogCore|wire.ILogDData)

	var gotIno uint64
	var gotData []byte
	cfg := h.recoveryConfig()
	cfg.OnInodeReplay = func(ino uint64, fields wire.FieldMask, size uint32, data []byte) {
		gotIno = ino
		gotData = append([]byte(nil), data...)
	}

	_, err = tp.Commit(ctx, transaction.Sync)
	require.NoError(t, err)

	rep, err := Recover(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, 1, rep.ItemsReplayed)
	require.EqualValues(t, 99, gotIno)
	require.Equal(t, []byte("inode-core-bytes"), gotData)
}

func TestRecoverOnEmptyLogIsANoop(t *testing.T) {
	h := newHarness(t)
	rep, err := Recover(context.Background(), h.recoveryConfig())
	require.NoError(t, err)
	require.Zero(t, rep)
}
