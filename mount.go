package xfsjournal

import (
	"context"
	"time"

	"github.com/behrlich/xfsjournal/internal/ail"
	"github.com/behrlich/xfsjournal/internal/buffer"
	"github.com/behrlich/xfsjournal/internal/clock"
	"github.com/behrlich/xfsjournal/internal/constants"
	"github.com/behrlich/xfsjournal/internal/flusher"
	"github.com/behrlich/xfsjournal/internal/interfaces"
	"github.com/behrlich/xfsjournal/internal/logrecord"
	"github.com/behrlich/xfsjournal/internal/pagestore"
	"github.com/behrlich/xfsjournal/internal/recovery"
	"github.com/behrlich/xfsjournal/internal/transaction"
	"github.com/behrlich/xfsjournal/internal/wire"
)

// MountParams configures a Mount (§9 of spec.md, §6 tunables).
type MountParams struct {
	// Device is the data device the buffer cache addresses. Required.
	Device interfaces.BlockDevice

	// LogDevice is the device the log region lives on. If nil, Device
	// is used for both data and log (a journaling-internal log area).
	LogDevice interfaces.BlockDevice

	// LogStartBlock/LogNumBlocks describe the physical log region, in
	// LogDevice sectors.
	LogStartBlock int64
	LogNumBlocks  int64

	// Pages backs the buffer cache's Page Store Port. Defaults to an
	// in-memory pagestore.Store if nil.
	Pages interfaces.PageStore

	SectorSize int64
	Align      buffer.Align

	FlushInterval time.Duration
	AgeBuffer     time.Duration

	// Clock drives the flusher daemon's aging decisions; defaults to
	// the real wall clock. Tests inject a fake clock for deterministic
	// delwri-aging scenarios.
	Clock clock.Clock

	Logger   interfaces.Logger
	Observer interfaces.Observer

	// OnInodeReplay receives a recovered inode item's fields during
	// Open's recovery pass; a real inode/directory namespace is out of
	// scope (§2 Non-goals). May be nil.
	OnInodeReplay func(ino uint64, fields wire.FieldMask, size uint32, data []byte)
}

// MountState ties the buffer cache, the delayed-write flusher, the log
// record engine, the active item list, and the transaction subsystem
// together behind a single handle for one mounted device, mirroring
// the teacher's Device/CreateAndServe/StopAndDelete lifecycle.
type MountState struct {
	target *buffer.Target
	flush  *flusher.Daemon
	log    *logrecord.Log
	ail    *ail.List
	txn    *transaction.Manager

	metrics  *Metrics
	observer interfaces.Observer

	started bool
}

// RecoveryReport is the result of the recovery pass Open runs before a
// mount is usable, re-exported from internal/recovery so callers don't
// need that import.
type RecoveryReport = recovery.Report

// Open mounts params.Device (and, if supplied, a separate log device),
// runs recovery over the log region before anything else can write to
// it, and starts the delayed-write flusher daemon. The returned
// MountState is ready to allocate transactions.
func Open(ctx context.Context, params MountParams) (*MountState, RecoveryReport, error) {
	if params.Device == nil {
		return nil, RecoveryReport{}, NewError("mount_open", ErrNotFound, "no data device supplied")
	}
	logDev := params.LogDevice
	if logDev == nil {
		logDev = params.Device
	}
	if params.LogNumBlocks <= 0 {
		return nil, RecoveryReport{}, NewError("mount_open", ErrInvalidGeometry, "log region size must be positive")
	}

	pages := params.Pages
	if pages == nil {
		pages = pagestore.New()
	}
	sectorSize := params.SectorSize
	if sectorSize <= 0 {
		sectorSize = constants.SectorSize
	}

	var metrics *Metrics
	var observer interfaces.Observer
	if params.Observer != nil {
		observer = params.Observer
	} else {
		metrics = NewMetrics()
		observer = metrics
	}

	rep, err := recovery.Recover(ctx, recovery.Config{
		Device:        logDev,
		StartBlock:    params.LogStartBlock,
		NumBlocks:     params.LogNumBlocks,
		OnInodeReplay: params.OnInodeReplay,
		Logger:        params.Logger,
		Observer:      observer,
	})
	if err != nil {
		return nil, RecoveryReport{}, WrapError("mount_open", err)
	}

	target := buffer.NewTarget(params.Device, pages, sectorSize, params.Align)
	target.Observer = observer
	target.Logger = params.Logger

	list := ail.New()

	log := logrecord.NewLog(logrecord.Config{
		Device:     logDev,
		StartBlock: params.LogStartBlock,
		NumBlocks:  params.LogNumBlocks,
		PushAIL: func(threshold logrecord.LSN) (int, bool) {
			return list.Push(int64(threshold))
		},
		Logger:   params.Logger,
		Observer: observer,
	})

	txnMgr := transaction.NewManager(log, list)

	clk := params.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	txnMgr.SetClock(clk)
	flushDaemon := flusher.NewDaemon(flusher.Config{
		Target:        target,
		Clock:         clk,
		FlushInterval: params.FlushInterval,
		AgeBuffer:     params.AgeBuffer,
		Logger:        params.Logger,
		Observer:      observer,
	})
	flushDaemon.Start(ctx)

	ms := &MountState{
		target:   target,
		flush:    flushDaemon,
		log:      log,
		ail:      list,
		txn:      txnMgr,
		metrics:  metrics,
		observer: observer,
		started:  true,
	}
	return ms, rep, nil
}

// Target returns the buffer cache target this mount addresses.
func (ms *MountState) Target() *buffer.Target { return ms.target }

// Transactions returns the transaction manager this mount commits
// against.
func (ms *MountState) Transactions() *transaction.Manager { return ms.txn }

// AIL returns the active item list backing this mount's log.
func (ms *MountState) AIL() *ail.List { return ms.ail }

// Metrics returns the built-in metrics collector, or nil if the caller
// supplied its own Observer at Open.
func (ms *MountState) Metrics() *Metrics { return ms.metrics }

// MetricsSnapshot returns a point-in-time snapshot of the mount's
// metrics, or a zero value if a custom Observer replaced them.
func (ms *MountState) MetricsSnapshot() MetricsSnapshot {
	if ms.metrics == nil {
		return MetricsSnapshot{}
	}
	return ms.metrics.Snapshot()
}

// Sync writes back every buffer on this mount's delwri queue,
// regardless of age, skipping pinned or locked ones, and waits for
// those writes. It does not force the log, and it always returns nil.
func (ms *MountState) Sync(ctx context.Context) error {
	ms.flush.Flush(flusher.Wait)
	return nil
}

// Close flushes and forces the log, writes a clean unmount record so
// the next Open's recovery pass can stop immediately, and stops the
// flusher daemon. A second call returns nil and does nothing.
func (ms *MountState) Close(ctx context.Context) error {
	if !ms.started {
		return nil
	}
	ms.flush.Flush(flusher.Wait)
	if err := ms.log.WriteUnmountRecord(ctx); err != nil {
		return WrapError("mount_close", err)
	}
	ms.flush.Stop()
	ms.started = false
	return nil
}

// ErrInvalidGeometry reports a mount opened with a malformed log
// region. It is distinct from the spec's §7 taxonomy (which covers
// runtime failures, not configuration errors) but shares the same
// *Error shape so callers can still use IsCode/errors.As uniformly.
const ErrInvalidGeometry ErrorCode = "invalid geometry"
