package buffer

import (
	"context"

	"github.com/behrlich/xfsjournal/internal/interfaces"
)

// iostart issues the I/O for b and returns once all chunks have been
// submitted (not necessarily completed). Completion is reported
// through iowait/the ioDone callback (§4.C iostart/iorequest).
func (t *Target) iostart(ctx context.Context, b *Buffer, dir Flag) error {
	b.SetFlag(dir)
	b.ClearFlag(FlagDone)
	b.SetError(nil)

	if b.strategy != nil {
		return b.strategy(b)
	}
	return t.iorequest(ctx, b, dir)
}

// iorequest breaks b's range into per-submission chunks according to
// the target's alignment policy and submits each to the Block I/O
// Port, tracking outstanding I/O so the last completion fires ioDone
// exactly once (§4.C I/O breakup algorithm).
func (t *Target) iorequest(ctx context.Context, b *Buffer, dir Flag) error {
	data := b.Data()
	op := interfaces.IORead
	if dir&FlagWrite != 0 {
		op = interfaces.IOWrite
	}

	chunkSize := t.chunkSize(b.length)
	var chunks [][2]int64
	for off := int64(0); off < b.length; off += chunkSize {
		n := chunkSize
		if off+n > b.length {
			n = b.length - off
		}
		chunks = append(chunks, [2]int64{off, n})
	}
	if len(chunks) == 0 {
		b.SetFlag(FlagDone)
		t.ioCompleted(b)
		return nil
	}

	b.outstandingIO.Store(int32(len(chunks)))

	for _, c := range chunks {
		chunkOff, chunkLen := c[0], c[1]
		devOffset := b.offset + chunkOff
		chunkData := data[chunkOff : chunkOff+chunkLen]
		t.Device.Submit(ctx, op, devOffset, chunkData, func(comp interfaces.IOCompletion) {
			if comp.Err != nil {
				b.SetError(comp.Err)
			}
			if b.outstandingIO.Add(-1) == 0 {
				if b.err == nil {
					b.SetFlag(FlagDone)
				}
				t.ioCompleted(b)
			}
		})
	}
	return nil
}

// chunkSize picks the per-submission size. A buffer's pages are
// always contiguous in this cache (§4.C), so the simplest legal
// breakup is a single submission spanning the whole buffer; callers
// needing true multi-chunk breakup (e.g. a device with a submission
// size cap) can still observe per-chunk completion since iorequest
// counts outstanding chunks rather than assuming exactly one.
func (t *Target) chunkSize(length int64) int64 {
	return length
}

// ioCompleted invokes the installed ioDone callback, if any, and then
// signals b's completion semaphore, so a caller returning from iowait
// observes the callback's effects.
func (t *Target) ioCompleted(b *Buffer) {
	if b.ioDone != nil {
		b.ioDone(b)
	}
	select {
	case b.ioSem <- struct{}{}:
	default:
	}
}

// iowait blocks until b's outstanding I/O has completed (§4.C iowait).
func (t *Target) iowait(b *Buffer) error {
	<-b.ioSem
	return b.err
}

// IOStartWriteback issues a write-back I/O for b, honoring its
// strategy hook if one is installed. Exported for internal/flusher,
// which drives write-back for buffers it has detached from the delwri
// queue.
func (t *Target) IOStartWriteback(ctx context.Context, b *Buffer) error {
	return t.iostart(ctx, b, FlagWrite)
}

// IOWait blocks until b's outstanding I/O has completed. Exported for
// internal/flusher's WAIT flush entry point.
func (t *Target) IOWait(b *Buffer) error {
	return t.iowait(b)
}

// IOMove copies length bytes between b's mapped data and p starting at
// byte offset rel within the buffer (§4.C iomove). write selects the
// direction: true copies p into b, false copies b into p.
func (b *Buffer) IOMove(p []byte, rel, length int64, write bool) {
	data := b.Data()
	if write {
		copy(data[rel:rel+length], p)
	} else {
		copy(p, data[rel:rel+length])
	}
}
