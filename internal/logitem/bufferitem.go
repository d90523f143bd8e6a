package logitem

import (
	"context"

	"github.com/behrlich/xfsjournal/internal/buffer"
	"github.com/behrlich/xfsjournal/internal/constants"
	"github.com/behrlich/xfsjournal/internal/wire"
)

// BufferFlag is the buf log item's own flag set (§4.F, distinct from
// buffer.Flag: these describe the log item's relationship to its
// transaction, not the buffer cache's view of the buffer).
type BufferFlag uint32

const (
	BufHold BufferFlag = 1 << iota
	BufDirty
	BufStale
	BufLogged
	BufInodeAllocBuf
	// BufCancel marks a buffer invalidated within a still-open
	// transaction; it is OR'd into the on-log format so recovery's
	// cancel table can suppress earlier records for the same buffer
	// (§4.G cancellation, grounded on XFS_BLI_CANCEL).
	BufCancel
)

// BufferItem is the Buffer Log Item: tracks which chunks of a cached
// buffer are dirty via a bitmap at BufLogChunkSize granularity, and
// knows how to serialize exactly those chunks on format (§4.F, §3).
type BufferItem struct {
	buf       *buffer.Buffer
	flags     BufferFlag
	recursion int
	refcount  int
	dirtyMap  []byte // bitmap, 1 bit per chunk
	chunks    int
	inodeBuf  bool
}

// NewBufferItem creates a log item tracking b's dirty chunks. b's
// length must already be known; chunks are BufLogChunkSize bytes.
func NewBufferItem(b *buffer.Buffer) *BufferItem {
	chunks := int((b.Length() + constants.BufLogChunkSize - 1) >> constants.BufLogChunkShift)
	if chunks < 1 {
		chunks = 1
	}
	return &BufferItem{
		buf:      b,
		dirtyMap: make([]byte, (chunks+7)/8),
		chunks:   chunks,
	}
}

// Buffer returns the underlying cached buffer this item tracks.
func (bi *BufferItem) Buffer() *buffer.Buffer { return bi.buf }

// Log marks bytes [first, last) dirty, rounding to whole chunks
// (§4.F, grounded on xfs_buf_item_log).
func (bi *BufferItem) Log(first, last int64) {
	firstChunk := first >> constants.BufLogChunkShift
	lastChunk := (last - 1) >> constants.BufLogChunkShift
	for c := firstChunk; c <= lastChunk && int(c) < bi.chunks; c++ {
		bi.dirtyMap[c/8] |= 1 << uint(c%8)
	}
	bi.flags |= BufDirty
}

// Dirty reports whether any chunk is marked dirty (grounded on
// xfs_buf_item_dirty).
func (bi *BufferItem) Dirty() bool {
	for _, w := range bi.dirtyMap {
		if w != 0 {
			return true
		}
	}
	return false
}

// SetHold sets the HOLD flag, deferring buffer release past Unlock
// (used by transaction.Bhold).
func (bi *BufferItem) SetHold() { bi.flags |= BufHold }

// MarkStale marks the item and its buffer stale so it is skipped
// during recovery replay (grounded on XFS_BLI_STALE / XFS_BLI_CANCEL
// semantics: a stale buffer's log item still formats a header but
// carries no data, and recovery's cancel table consults this flag).
func (bi *BufferItem) MarkStale() {
	bi.flags |= BufStale
	bi.buf.MarkStale()
}

// Stale reports whether the item is marked stale.
func (bi *BufferItem) Stale() bool { return bi.flags&BufStale != 0 }

// Cancel marks the item BufStale and BufCancel and clears its dirty
// bitmap (§4.H binval: "mark the buffer's log item STALE, clear
// DELWRI, clear dirty bitmap, OR the CANCEL flag into the on-log
// format"). Marking the buffer stale clears its FlagDelwri without
// unlinking it from the delwri queue, so the caller unlinks it first.
func (bi *BufferItem) Cancel() {
	bi.flags |= BufStale | BufCancel
	for i := range bi.dirtyMap {
		bi.dirtyMap[i] = 0
	}
	bi.buf.MarkStale()
}

// Size implements Item. It returns one IOVec for the format header
// plus one per contiguous dirty run.
func (bi *BufferItem) Size() int {
	return 1 + len(bi.dirtyRuns())
}

// Format implements Item: a format-header IOVec followed by one IOVec
// per contiguous dirty chunk run, each carrying exactly that range of
// the buffer's data (grounded on xfs_buf_item_format's per-run
// emission via xfs_buf_item_next_bit/xfs_buf_item_contig_bits).
func (bi *BufferItem) Format() []IOVec {
	hdr := wire.BufferLogFormat{
		Type:    constants.LogItemTypeBuffer,
		Blkno:   bi.buf.BlockNumber(),
		Len:     uint16(bi.buf.Length()),
		DataMap: append([]byte(nil), bi.dirtyMap...),
	}
	if bi.flags&BufStale != 0 {
		hdr.Flags |= uint16(BufStale)
	}
	if bi.flags&BufCancel != 0 {
		hdr.Flags |= uint16(BufCancel)
	}
	iovs := []IOVec{{Data: hdr.Encode()}}
	if bi.flags&BufStale != 0 {
		return iovs
	}
	data := bi.buf.Data()
	for _, r := range bi.dirtyRuns() {
		start := r[0] << constants.BufLogChunkShift
		end := r[1] << constants.BufLogChunkShift
		if end > bi.buf.Length() {
			end = bi.buf.Length()
		}
		iovs = append(iovs, IOVec{Data: data[start:end]})
	}
	return iovs
}

// dirtyRuns returns [startChunk, endChunk) pairs for each maximal run
// of set bits in the dirty bitmap.
func (bi *BufferItem) dirtyRuns() [][2]int64 {
	var runs [][2]int64
	inRun := false
	var start int64
	for c := 0; c < bi.chunks; c++ {
		set := bi.dirtyMap[c/8]&(1<<uint(c%8)) != 0
		switch {
		case set && !inRun:
			inRun = true
			start = int64(c)
		case !set && inRun:
			inRun = false
			runs = append(runs, [2]int64{start, int64(c)})
		}
	}
	if inRun {
		runs = append(runs, [2]int64{start, int64(bi.chunks)})
	}
	return runs
}

// Pin implements Item.
func (bi *BufferItem) Pin() { bi.buf.Pin() }

// Unpin implements Item.
func (bi *BufferItem) Unpin(remove bool) { bi.buf.Unpin() }

// Trylock implements Item (grounded on xfs_buf_item_trylock).
func (bi *BufferItem) Trylock() TrylockResult {
	if bi.buf.PinCount() > 0 {
		return TrylockPinned
	}
	if !bi.buf.TryLock() {
		return TrylockLocked
	}
	return TrylockSuccess
}

// Unlock implements Item: if the item carries no dirty data it frees
// itself and releases the buffer; if HOLD is set the buffer stays
// locked for the caller (grounded on xfs_buf_item_unlock).
func (bi *BufferItem) Unlock() {
	hold := bi.flags&BufHold != 0
	if !bi.Dirty() {
		bi.buf.SetRelse(nil)
	} else if hold {
		bi.flags &^= BufHold
	}
	if !hold {
		bi.buf.Unlock()
	}
}

// Committed implements Item: buffer items always relog the latest
// copy, so the given lsn is the correct "oldest active copy" answer
// (grounded on xfs_buf_item_committed).
func (bi *BufferItem) Committed(lsn int64) int64 { return lsn }

// Push implements Item: if the buffer is still delayed-write, dequeue
// it and issue an async write-back, chaining onto whatever completion
// callback was already installed (e.g. the transaction commit
// pipeline's AIL removal) rather than replacing it; otherwise there is
// nothing dirty to push and the buffer is simply released (grounded on
// xfs_buf_item_push's bawrite/brelse dispatch).
func (bi *BufferItem) Push() {
	if !bi.buf.Flags().Have(buffer.FlagDelwri) {
		bi.buf.Unlock()
		return
	}
	bi.buf.Target().DequeueDelwri(bi.buf)
	prev := bi.buf.IODone()
	bi.buf.SetIODone(func(b *buffer.Buffer) {
		if prev != nil {
			prev(b)
		}
		b.Unlock()
	})
	if err := bi.buf.Target().IOStartWriteback(context.Background(), bi.buf); err != nil {
		bi.buf.SetError(err)
		bi.buf.Unlock()
	}
}

// Abort implements Item.
func (bi *BufferItem) Abort() {
	bi.dirtyMap = nil
	bi.buf.Unlock()
}

var _ Item = (*BufferItem)(nil)
