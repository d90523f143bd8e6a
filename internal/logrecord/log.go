package logrecord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/behrlich/xfsjournal/internal/constants"
	"github.com/behrlich/xfsjournal/internal/interfaces"
	"github.com/behrlich/xfsjournal/internal/wire"
)

// ErrLogSpace is returned by Reserve when the log has no room left even
// after pushing the AIL to recover space (§4.G reserve).
var ErrLogSpace = errors.New("logrecord: insufficient log space")

// Region is one (addr, len) span handed to Write, alongside the flags
// the caller wants stamped on its op header (OpCommit marks the final
// region of a commit).
type Region struct {
	Data  []byte
	Flags wire.OpFlag
}

// Config wires the Log Record Engine to its physical device and to the
// Active Item List, whose push/tail operations it drives under
// reservation pressure (§4.G, §4.I).
type Config struct {
	Device     interfaces.BlockDevice
	StartBlock int64 // physical log start, in sectors
	NumBlocks  int64 // physical log size, in sectors

	// PushAIL asks the Active Item List to write back items below
	// threshold so their log space can be reclaimed. May be nil in
	// tests that never exhaust the reservation budget.
	PushAIL func(threshold LSN) (pushed int, forceLog bool)

	Logger   interfaces.Logger
	Observer interfaces.Observer
}

// Log is the in-core log ring: N iclogs, the ticket reservation
// counter, and the cycle/block cursor that positions the next write
// (§4.G state).
type Log struct {
	mu sync.Mutex

	cfg Config

	iclogs  [constants.NumIclogs]*iclog
	headIdx int

	cycle     uint32
	block     int64 // byte offset of the next free slot within the log body
	logBytes  int64
	prevBlock int64
	prevCycle uint32

	reservationUsed  int64
	reservationTotal int64

	nextTID uint32

	// writeSem bounds the number of iclogs that may be SYNCING at once
	// to N, mirroring l_flushsema in the original.
	writeSem chan struct{}

	// tailLSNFn reports the AIL's current tail LSN given a record's own
	// head LSN, stamped into every record header so recovery's backward
	// tail walk has something real to read (§4.J "detect the tail").
	// Wired by transaction.NewManager; nil in tests that never recover.
	tailLSNFn func(head LSN) LSN
}

// SetTailLSNFunc installs the callback Log consults when stamping a
// record header's TailLSN field.
func (l *Log) SetTailLSNFunc(fn func(head LSN) LSN) {
	l.mu.Lock()
	l.tailLSNFn = fn
	l.mu.Unlock()
}

// NewLog creates a Log ring over the physical region described by cfg,
// starting at cycle 1, block 0, with iclog 0 ACTIVE.
func NewLog(cfg Config) *Log {
	l := &Log{
		cfg:              cfg,
		cycle:            1,
		logBytes:         cfg.NumBlocks * constants.SectorSize,
		reservationTotal: cfg.NumBlocks * constants.SectorSize,
		writeSem:         make(chan struct{}, constants.NumIclogs),
	}
	for i := range l.iclogs {
		l.iclogs[i] = newIclog()
	}
	l.iclogs[0].state = StateActive
	l.iclogs[0].snapCycle = l.cycle
	for i := 0; i < constants.NumIclogs; i++ {
		l.writeSem <- struct{}{}
	}
	return l
}

func (l *Log) dataCap() int64 {
	return int64(len(l.iclogs[0].data))
}

// Reserve implements the ticket reservation protocol (§4.G reserve):
// round length up to include per-iclog op headers, push the AIL once
// if the budget is tight, and fail with ErrLogSpace if it still
// doesn't fit.
func (l *Log) Reserve(length int64, clientID uint8, permanent bool) (*Ticket, error) {
	size := reserveSize(length, l.dataCap(), permanent)

	l.mu.Lock()
	fits := l.reservationUsed+size <= l.reservationTotal
	l.mu.Unlock()

	if !fits && l.cfg.PushAIL != nil {
		l.cfg.PushAIL(l.tailTarget())
		l.mu.Lock()
		fits = l.reservationUsed+size <= l.reservationTotal
		l.mu.Unlock()
	}
	if !fits {
		return nil, fmt.Errorf("logrecord: reserve %d bytes: %w", size, ErrLogSpace)
	}

	l.mu.Lock()
	l.reservationUsed += size
	l.nextTID++
	tid := l.nextTID
	l.mu.Unlock()

	flags := TicketInited
	if permanent {
		flags |= TicketPermReserv
	}
	return &Ticket{TID: tid, ClientID: clientID, Flags: flags, OrigReserv: size, CurrReserv: size}, nil
}

// tailTarget reports the LSN below which AIL items are worth pushing
// to recover reservation; the current log position is a reasonable
// stand-in for "everything behind us".
func (l *Log) tailTarget() LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return PackLSN(l.cycle, uint32(l.block))
}

// Done finalizes a ticket (§4.G done). If the ticket ever wrote, the
// caller is expected to have already stamped OpCommit on its last
// region via Write; Done only settles the reservation accounting.
func (l *Log) Done(t *Ticket, releasePermanent bool) {
	permanent := t.Flags&TicketPermReserv != 0
	if !permanent || releasePermanent {
		l.mu.Lock()
		l.reservationUsed -= t.CurrReserv
		if l.reservationUsed < 0 {
			l.reservationUsed = 0
		}
		l.mu.Unlock()
		t.CurrReserv = 0
		return
	}
	// Permanent ticket kept by the caller: reset INITED so the next
	// write on this ticket emits a fresh start record.
	t.Flags |= TicketInited
	t.everWrote = false
}

// Write implements the write protocol (§4.G write protocol): it packs
// regions into iclogs, emitting a start header the first time the
// ticket writes. A region that does not fit in the current iclog moves
// to the next one, and a region larger than a whole iclog is split
// across iclogs with CONTINUE/WAS_CONTINUE headers. It returns the LSN
// the first region was assigned (the transaction's start LSN) and,
// when the last region carries OpCommit, the commit LSN.
func (l *Log) Write(ctx context.Context, t *Ticket, regions []Region, onCommit func(err error)) (start LSN, commit LSN, err error) {
	var total int64
	first := true

	for _, r := range regions {
		remaining := r.Data
		baseFlags := r.Flags &^ wire.OpCommit // COMMIT is stamped only on the final split below
		continued := false
		for {
			need := wire.OpHeaderSize + int64(len(remaining))
			if t.Flags&TicketInited != 0 {
				need += wire.OpHeaderSize
			}
			if need > l.dataCap() {
				need = l.dataCap()
			}
			ic, lsn, ferr := l.getIclogSpace(ctx, need)
			if ferr != nil {
				return start, commit, ferr
			}
			if first {
				start = lsn
				first = false
			}

			ic.mu.Lock()
			if t.Flags&TicketInited != 0 {
				startHdr := wire.OpHeader{TID: t.TID, ClientID: t.ClientID, Flags: wire.OpStart}
				ic.writeRegion(startHdr, nil)
				t.Flags &^= TicketInited
			}

			avail := ic.remaining() - wire.OpHeaderSize
			hdrFlags := baseFlags
			if continued {
				hdrFlags |= wire.OpWasContinue
			}
			var chunk []byte
			last := int64(len(remaining)) <= avail
			if last {
				chunk = remaining
				remaining = nil
				if r.Flags&wire.OpCommit != 0 {
					hdrFlags |= wire.OpCommit
				}
			} else {
				chunk = remaining[:avail]
				remaining = remaining[avail:]
				hdrFlags |= wire.OpContinue
			}
			ic.writeRegion(wire.OpHeader{TID: t.TID, ClientID: t.ClientID, Flags: hdrFlags}, chunk)
			total += int64(len(chunk))
			full := ic.remaining() < wire.OpHeaderSize

			if hdrFlags&wire.OpCommit != 0 {
				commit = lsn
				if onCommit != nil {
					ic.callbacks = append(ic.callbacks, onCommit)
				}
			}
			ic.mu.Unlock()

			l.releaseIclogRef(ic, full)

			if remaining == nil {
				break
			}
			continued = true
		}
	}

	if !t.everWrote {
		t.everWrote = true
	}
	if t.Flags&TicketPermReserv == 0 {
		t.CurrReserv -= total
	}
	return start, commit, nil
}

// getIclogSpace returns the current head iclog with its reference held,
// rotating the ring (forcing the full iclog out to WANT_SYNC/SYNCING)
// if it has no room left for size more bytes.
func (l *Log) getIclogSpace(ctx context.Context, size int64) (*iclog, LSN, error) {
	for {
		l.mu.Lock()
		ic := l.iclogs[l.headIdx]
		ic.mu.Lock()
		if ic.state == StateDirty || ic.state == StateNotUsed {
			ic.reset()
			ic.snapCycle = l.cycle
		}
		if ic.state == StateActive && ic.remaining() >= size {
			ic.refcount++
			lsn := PackLSN(l.cycle, uint32(l.block)+uint32(ic.offset))
			ic.mu.Unlock()
			l.mu.Unlock()
			return ic, lsn, nil
		}
		ic.mu.Unlock()
		l.mu.Unlock()

		if err := l.rotate(ctx); err != nil {
			return nil, 0, err
		}
	}
}

// rotate forces the current head iclog (ACTIVE -> WANT_SYNC -> SYNCING)
// and advances the ring to the next slot, blocking on the write
// semaphore if all N iclogs are already in flight.
func (l *Log) rotate(ctx context.Context) error {
	l.mu.Lock()
	ic := l.iclogs[l.headIdx]
	next := (l.headIdx + 1) % constants.NumIclogs
	l.headIdx = next
	l.block += int64(len(ic.data))
	if l.block >= l.logBytes {
		l.block -= l.logBytes
		l.cycle++
	}
	l.mu.Unlock()

	return l.syncIclog(ctx, ic)
}

// releaseIclogRef drops the writer's reference on ic; if forceSync is
// set (the iclog is now full), the last writer kicks off the
// ACTIVE -> WANT_SYNC -> SYNCING transition instead of waiting for the
// next getIclogSpace caller to notice.
func (l *Log) releaseIclogRef(ic *iclog, forceSync bool) {
	ic.mu.Lock()
	ic.refcount--
	full := forceSync && ic.refcount == 0 && ic.state == StateActive
	ic.mu.Unlock()
	if full {
		go l.syncIclog(context.Background(), ic) //nolint:errcheck // best-effort background flush
	}
}

// syncIclog drives ic through WANT_SYNC -> SYNCING, swaps the torn-write
// cycle array, submits the I/O, and on completion walks it through
// DONE_SYNC -> CALLBACK -> DIRTY, running its callbacks and releasing
// the write semaphore slot it borrowed (§4.G iclog state machine).
func (l *Log) syncIclog(ctx context.Context, ic *iclog) error {
	ic.mu.Lock()
	if ic.state != StateActive && ic.state != StateNotUsed {
		ic.mu.Unlock()
		return nil
	}
	ic.state = StateWantSync
	length := ic.offset
	data := make([]byte, length)
	copy(data, ic.data[:length])
	lsn := PackLSN(ic.snapCycle, uint32(l.prevBlock))
	tailLSN := lsn
	l.mu.Lock()
	fn := l.tailLSNFn
	l.mu.Unlock()
	if fn != nil {
		tailLSN = fn(lsn)
	}
	hdr := wire.RecordHeader{
		MagicNo:   constants.LogRecMagic,
		Cycle:     ic.snapCycle,
		Version:   constants.LogRecVersion,
		LSN:       int64(lsn),
		TailLSN:   int64(tailLSN),
		PrevBlock: int32(l.prevBlock),
		Len:       int32(length),
		NumLogOps: ic.numLogOps,
	}
	ic.hdr = hdr
	ic.mu.Unlock()

	<-l.writeSem
	ic.mu.Lock()
	ic.state = StateSyncing
	ic.refcount = 1
	off := l.prevBlock
	ic.mu.Unlock()
	l.prevBlock += constants.IclogHeaderSize + length
	l.prevCycle = hdr.Cycle

	payload := swapTornWriteCycles(hdr, data)
	hdrBlock := make([]byte, constants.IclogHeaderSize)
	copy(hdrBlock, hdr.Encode())
	full := append(hdrBlock, payload...)

	done := make(chan error, 1)
	start := time.Now()
	l.cfg.Device.Submit(ctx, interfaces.IOWrite, l.cfg.StartBlock*constants.SectorSize+off, full, func(c interfaces.IOCompletion) {
		done <- c.Err
	})
	err := <-done
	if l.cfg.Observer != nil {
		l.cfg.Observer.ObserveIclogSync(len(full), uint64(time.Since(start).Nanoseconds()))
	}

	ic.mu.Lock()
	ic.refcount--
	ready := ic.refcount == 0
	ic.mu.Unlock()

	if ready {
		l.completeIclog(ic, err)
	}
	l.writeSem <- struct{}{}
	return err
}

// completeIclog runs SYNCING -> DONE_SYNC -> CALLBACK -> DIRTY: invoke
// every pending callback (typically committed(lsn)/unpin on the log
// items of the commit(s) this iclog carried), then mark DIRTY so
// cleanLog can recycle the slot.
func (l *Log) completeIclog(ic *iclog, err error) {
	ic.mu.Lock()
	ic.state = StateDoneSync
	ic.state = StateCallback
	cbs := ic.callbacks
	ic.callbacks = nil
	ic.mu.Unlock()

	for _, cb := range cbs {
		cb(err)
	}

	ic.mu.Lock()
	ic.state = StateDirty
	close(ic.forceDone)
	ic.mu.Unlock()
}

// swapTornWriteCycles implements the torn-write detection scheme
// (§4.G record framing): the first 32-bit word of every sector in the
// data area is replaced with the record's cycle number, and the
// displaced words are returned as a prepended cycle array so a replay
// can tell a full write from a torn one.
func swapTornWriteCycles(hdr wire.RecordHeader, data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	nsectors := (len(data) + constants.SectorSize - 1) / constants.SectorSize
	cycleArray := make([]byte, 4*nsectors)
	for i := 0; i < nsectors; i++ {
		off := i * constants.SectorSize
		end := off + 4
		if end > len(out) {
			break
		}
		copy(cycleArray[i*4:i*4+4], out[off:end])
		out[off] = byte(hdr.Cycle)
		out[off+1] = byte(hdr.Cycle >> 8)
		out[off+2] = byte(hdr.Cycle >> 16)
		out[off+3] = byte(hdr.Cycle >> 24)
	}
	return append(cycleArray, out...)
}

// Force blocks until the iclog holding lsn has reached CALLBACK/DIRTY,
// rotating the ring if lsn is still sitting in the current ACTIVE
// iclog (§4.H commit step 8 "if WAIT, sleep on the commit LSN").
func (l *Log) Force(ctx context.Context, lsn LSN) error {
	l.mu.Lock()
	var target *iclog
	for _, ic := range l.iclogs {
		ic.mu.Lock()
		covers := ic.state != StateNotUsed && LSN(ic.hdr.LSN) == lsn
		holdsActive := ic.state == StateActive && ic.snapCycle == lsn.Cycle()
		ic.mu.Unlock()
		if covers {
			target = ic
		} else if holdsActive && target == nil {
			target = ic
		}
	}
	l.mu.Unlock()
	if target == nil {
		return nil
	}

	target.mu.Lock()
	state := target.state
	target.mu.Unlock()
	if state == StateActive {
		if err := l.rotate(ctx); err != nil {
			return err
		}
	}

	select {
	case <-target.forceDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteUnmountRecord writes a single-op UNMOUNT_TRANS record after the
// last commit and forces it to the log device, so recovery can
// recognize a clean tail (§4.G unmount record).
func (l *Log) WriteUnmountRecord(ctx context.Context) error {
	t, err := l.Reserve(wire.OpHeaderSize, 0, false)
	if err != nil {
		return err
	}
	t.Flags &^= TicketInited // no start op: the unmount op stands alone
	start, _, err := l.Write(ctx, t, []Region{{Data: nil, Flags: wire.OpUnmount}}, nil)
	l.Done(t, true)
	if err != nil {
		return err
	}
	return l.Force(ctx, start)
}
