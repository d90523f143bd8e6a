package transaction

import (
	"context"

	"github.com/behrlich/xfsjournal/internal/constants"
	"github.com/behrlich/xfsjournal/internal/logitem"
	"github.com/behrlich/xfsjournal/internal/logrecord"
	"github.com/behrlich/xfsjournal/internal/wire"
)

// dirtyItems returns the descriptors this transaction actually needs
// to format, in the order they were added.
func (tp *Transaction) dirtyItems() []*itemDesc {
	out := make([]*itemDesc, 0, len(tp.items))
	for _, d := range tp.items {
		if d.dirty {
			out = append(out, d)
		}
	}
	return out
}

func (tp *Transaction) unlockAll() {
	for _, d := range tp.items {
		d.item.Unlock()
	}
}

// Commit implements the commit pipeline (§4.H commit):
//  1. A clean transaction just unlocks its items and frees its ticket.
//  2. A transaction header leads the written record.
//  3. Each dirty item is pinned and formatted; bin-packing descriptors
//     into CommitChunkCap-sized groups is subsumed here by the Log
//     Record Engine's own per-iclog splitting in Write, so every dirty
//     item's IOVecs are handed to a single Write call rather than
//     looping chunk-by-chunk ourselves.
//  4. The commit record is the final region, tagged OpCommit.
//  5. A log-done callback runs committed(lsn) on each item, repositions
//     it in the AIL (Insert enforces the monotonic never-move-backwards
//     rule), then unpins it.
//  6. Items are unlocked (HOLD-flagged items defer their own release).
//  7. If Sync is set, Force blocks until the commit record is durable.
func (tp *Transaction) Commit(ctx context.Context, flags Flag) (logrecord.LSN, error) {
	if !tp.dirty {
		tp.unlockAll()
		tp.mgr.log.Done(tp.ticket, true)
		return 0, nil
	}

	dirty := tp.dirtyItems()

	hdr := wire.TransactionHeader{
		Magic:    constants.TransactionHeaderMagic,
		Type:     tp.typ,
		NumItems: int32(len(dirty)),
	}
	regions := make([]logrecord.Region, 0, len(dirty)+2)
	regions = append(regions, logrecord.Region{Data: hdr.Encode()})

	for _, d := range dirty {
		d.item.Pin()
		for _, iov := range d.item.Format() {
			regions = append(regions, logrecord.Region{Data: iov.Data})
		}
	}
	regions = append(regions, logrecord.Region{Flags: wire.OpCommit})

	// onCommit closes over `commit`, which Write assigns. The iclog
	// carrying the commit op can finish its I/O on a background
	// goroutine before Write returns, so the callback first waits on
	// written, which is closed once Write has returned.
	var commit logrecord.LSN
	written := make(chan struct{})
	_, commit, err := tp.mgr.log.Write(ctx, tp.ticket, regions, func(err error) {
		<-written
		for _, d := range dirty {
			if err != nil {
				d.item.Abort()
				d.item.Unpin(true)
				continue
			}
			newLSN := d.item.Committed(int64(commit))
			if newLSN == logitem.Freed {
				tp.mgr.ail.Delete(d.item)
			} else {
				tp.mgr.ail.Insert(d.item, newLSN)
			}
			d.item.Unpin(false)
		}
	})
	close(written)
	if err != nil {
		return 0, err
	}

	for _, d := range tp.items {
		d.item.Unlock()
	}
	tp.mgr.log.Done(tp.ticket, flags&RelPermanent != 0)

	if flags&Sync != 0 {
		if err := tp.mgr.log.Force(ctx, commit); err != nil {
			return commit, err
		}
	}
	return commit, nil
}

// CommitAsync queues tp on the manager's async commit list instead of
// committing inline, to be drained by the next committer or by the
// log-tail pusher (§4.H "async commit list").
func (m *Manager) CommitAsync(tp *Transaction) {
	m.mu.Lock()
	m.async = append(m.async, tp)
	m.mu.Unlock()
}

// DrainAsync commits every transaction queued via CommitAsync, in FIFO
// order, stopping at the first error.
func (m *Manager) DrainAsync(ctx context.Context) error {
	m.mu.Lock()
	pending := m.async
	m.async = nil
	m.mu.Unlock()

	for _, tp := range pending {
		if _, err := tp.Commit(ctx, tp.flags&^NoSleep); err != nil {
			return err
		}
	}
	return nil
}
