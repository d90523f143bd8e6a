// Package transaction implements the Transaction subsystem (§4.H): the
// grouping of one or more log items into a single atomic change,
// per-item descriptor bookkeeping, and the commit pipeline that hands
// formatted items to the Log Record Engine and repositions them in the
// Active Item List once their write is durable.
package transaction

import (
	"fmt"
	"sync"

	"github.com/behrlich/xfsjournal/internal/ail"
	"github.com/behrlich/xfsjournal/internal/buffer"
	"github.com/behrlich/xfsjournal/internal/clock"
	"github.com/behrlich/xfsjournal/internal/logitem"
	"github.com/behrlich/xfsjournal/internal/logrecord"
	"github.com/behrlich/xfsjournal/internal/wire"
)

// Flag controls a transaction's reservation and commit behavior (§4.H).
type Flag uint32

const (
	// Permanent keeps the ticket's reservation alive across multiple
	// commits instead of releasing it after the first.
	Permanent Flag = 1 << iota
	// Sync forces the log after commit, blocking until durable.
	Sync
	// NoSleep defers the transaction onto the async commit list instead
	// of committing inline.
	NoSleep
	// RelPermanent releases a Permanent ticket's reservation anyway.
	RelPermanent
)

// itemDesc is a transaction's descriptor for one log item (§4.H
// add_item/free_item): dirty state the transaction tracks
// independently of the item's own flags, so two transactions touching
// the same item concurrently don't trample each other's bookkeeping.
//
// Descriptors are appended to a plain slice rather than the original's
// fixed-size XFS_LIC_NUM_SLOTS chunk array: a Go slice already grows in
// amortized chunks, so hand-rolling the original's manual chunk list
// here would just be the stdlib replacement anti-pattern in reverse
// (reimplementing what append already does, worse).
type itemDesc struct {
	item  logitem.Item
	dirty bool
}

// Manager owns the Log Record Engine and Active Item List a set of
// transactions commit against, plus the async commit list for
// NoSleep-flagged transactions (§4.H "async commit list").
type Manager struct {
	log   *logrecord.Log
	ail   *ail.List
	clock clock.Clock

	mu    sync.Mutex
	async []*Transaction
}

// NewManager creates a transaction Manager over log and list, wiring
// the AIL's tail LSN into every record header the log writes so
// recovery's tail walk has a real value to read.
func NewManager(log *logrecord.Log, list *ail.List) *Manager {
	log.SetTailLSNFunc(func(head logrecord.LSN) logrecord.LSN {
		return logrecord.LSN(list.TailLSN(int64(head)))
	})
	return &Manager{log: log, ail: list, clock: clock.Real{}}
}

// SetClock overrides the clock LogBuf reads delwri enqueue times from,
// matching whatever clock the mount's flusher daemon was given so
// age-based tests stay deterministic end to end.
func (m *Manager) SetClock(clk clock.Clock) {
	if clk != nil {
		m.clock = clk
	}
}

// Transaction is one atomic group of logged changes (§4.H).
type Transaction struct {
	mgr    *Manager
	typ    uint32
	ticket *logrecord.Ticket
	flags  Flag

	items  []*itemDesc
	byItem map[logitem.Item]*itemDesc
	dirty  bool
}

// Alloc reserves log space and allocates a new transaction (§4.H
// alloc).
func (m *Manager) Alloc(typ uint32, reserve int64, flags Flag) (*Transaction, error) {
	t, err := m.log.Reserve(reserve, uint8(typ), flags&Permanent != 0)
	if err != nil {
		return nil, fmt.Errorf("transaction: alloc type %d: %w", typ, err)
	}
	return &Transaction{
		mgr:    m,
		typ:    typ,
		ticket: t,
		flags:  flags,
		byItem: make(map[logitem.Item]*itemDesc),
	}, nil
}

// AddItem attaches item to the transaction, allocating a descriptor if
// one doesn't already exist (§4.H add_item).
func (tp *Transaction) AddItem(item logitem.Item) *itemDesc {
	if d, ok := tp.byItem[item]; ok {
		return d
	}
	d := &itemDesc{item: item}
	tp.byItem[item] = d
	tp.items = append(tp.items, d)
	return d
}

// FreeItem detaches item's descriptor from the transaction without
// touching the item itself (§4.H free_item).
func (tp *Transaction) FreeItem(item logitem.Item) {
	d, ok := tp.byItem[item]
	if !ok {
		return
	}
	delete(tp.byItem, item)
	for i, cur := range tp.items {
		if cur == d {
			tp.items = append(tp.items[:i], tp.items[i+1:]...)
			break
		}
	}
}

func (tp *Transaction) markDirty(d *itemDesc) {
	d.dirty = true
	tp.dirty = true
}

// LogBuf attaches buf's buffer log item if absent, marks its dirty
// chunk bitmap over [first, last), marks the descriptor and
// transaction dirty, marks the buffer DELWRI+DONE, and installs an
// iodone callback that removes the item from the AIL once the buffer's
// own write-back completes (§4.H log_buf).
func (tp *Transaction) LogBuf(buf *buffer.Buffer, first, last int64) *logitem.BufferItem {
	bi, ok := buf.LogItem.(*logitem.BufferItem)
	if !ok {
		bi = logitem.NewBufferItem(buf)
		buf.LogItem = bi
	}
	d := tp.AddItem(bi)
	bi.Log(first, last)
	tp.markDirty(d)

	buf.SetFlag(buffer.FlagDone)
	buf.SetIODone(func(b *buffer.Buffer) {
		tp.mgr.ail.Delete(bi)
	})
	buf.Target().EnqueueDelwri(buf, tp.mgr.clock.Now().UnixNano())
	return bi
}

// LogInode ORs fieldmask into ip's dirty field set and marks the
// transaction dirty (§4.H log_inode).
func (tp *Transaction) LogInode(ip *logitem.InodeItem, fieldmask wire.FieldMask) {
	d := tp.AddItem(ip)
	ip.Log(fieldmask)
	tp.markDirty(d)
}

// Binval marks buf's log item STALE, clears DELWRI on the buffer, and
// ORs the CANCEL flag into the on-log format so recovery suppresses
// earlier records for this buffer. The buffer stays held until the
// transaction commits (§4.H binval).
func (tp *Transaction) Binval(buf *buffer.Buffer) {
	bi, ok := buf.LogItem.(*logitem.BufferItem)
	if !ok {
		return
	}
	d := tp.AddItem(bi)
	// Unlink first: Cancel marks the buffer stale, which clears
	// FlagDelwri, and DequeueDelwri only unlinks a flagged buffer.
	buf.Target().DequeueDelwri(buf)
	bi.Cancel()
	tp.markDirty(d)
}

// Bhold sets HOLD on buf's log item so its Unlock at transaction end
// does not release the buffer (§4.H bhold).
func (tp *Transaction) Bhold(buf *buffer.Buffer) {
	bi, ok := buf.LogItem.(*logitem.BufferItem)
	if !ok {
		return
	}
	tp.AddItem(bi)
	bi.SetHold()
}

// Ihold sets HOLD on ip so its Unlock at transaction end does not
// release the inode's lock (§4.H ihold).
func (tp *Transaction) Ihold(ip *logitem.InodeItem) {
	tp.AddItem(ip)
	ip.SetHold()
}

// Brelse drops buf's descriptor and unlocks its log item when the item
// is neither dirty within this transaction nor stale, and otherwise
// does nothing (§4.H brelse). It keeps no recursion count, so the
// first such call releases, and it does not clear HOLD, so a buffer
// with HOLD set stays locked.
func (tp *Transaction) Brelse(buf *buffer.Buffer) {
	bi, ok := buf.LogItem.(*logitem.BufferItem)
	if !ok {
		return
	}
	d, ok := tp.byItem[bi]
	if !ok {
		return
	}
	if d.dirty || bi.Stale() {
		return
	}
	tp.FreeItem(bi)
	bi.Unlock()
}

// Cancel unlocks and frees a non-dirty transaction's items; a dirty
// transaction instead flags every item aborted before releasing it
// (§4.H cancel).
func (tp *Transaction) Cancel() {
	if !tp.dirty {
		for _, d := range tp.items {
			d.item.Unlock()
		}
	} else {
		for _, d := range tp.items {
			d.item.Abort()
		}
	}
	tp.mgr.log.Done(tp.ticket, true)
}
