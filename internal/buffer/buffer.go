package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/behrlich/xfsjournal/internal/interfaces"
)

// Flag is the buffer state/role bitmask (§3 "flags").
type Flag uint32

const (
	FlagRead Flag = 1 << iota
	FlagWrite
	FlagAsync
	FlagPartial
	FlagDelwri
	FlagStale
	FlagMapped
	FlagLockable
	FlagHold
	FlagDone
)

// Have reports whether all bits in want are set.
func (f Flag) Have(want Flag) bool { return f&want == want }

// GetFlags controls find/get/lookup behavior.
type GetFlags struct {
	Read     bool
	Async    bool
	TryLock  bool
	Lockable bool
}

// Buffer is the aggregated multi-page Buffer Object (§3, §4.C): a
// contiguous byte range of a Target, reference/lock/pin counted, with
// a lazily-allocated page array and an optional contiguous mapping.
type Buffer struct {
	target *Target

	offset  int64 // file offset, bytes
	length  int64 // buffer length, bytes
	desired int64 // desired count <= length
	blkno   int64 // starting device block number

	mu    sync.Mutex // binary semaphore; owner holds it while lockable
	flags Flag

	refCount atomic.Int32
	pinCount atomic.Int32
	pinMu    sync.Mutex
	pinCond  *sync.Cond

	pages  []interfaces.Page // lazy: inline-small via append, heap-large same slice
	mapped []byte            // contiguous virtual mapping of pages, if requested

	ioDone   func(*Buffer)      // completion callback
	relse    func(*Buffer)      // release callback, consulted at last rele
	strategy func(*Buffer) error // strategy hook, overrides iorequest

	err error // latched I/O error

	outstandingIO atomic.Int32
	ioSem         chan struct{} // completion semaphore, buffered 1

	// hash bucket intrusive list link (owned by the bucket, not by Buffer)
	hashNext, hashPrev *Buffer
	inHash             bool

	// delwri queue intrusive list link
	delwriNext, delwriPrev *Buffer
	queuedAt                int64 // UnixNano; delwri enqueue time, FIFO order

	// LogItem is an opaque handle to this buffer's buffer log item,
	// set by internal/logitem and consulted by internal/transaction and
	// internal/flusher without either importing the other.
	LogItem any
}

func newBuffer(t *Target, offset, length int64, lockable bool) *Buffer {
	b := &Buffer{
		target:  t,
		offset:  offset,
		length:  length,
		desired: length,
		blkno:   t.blockNumber(offset),
		ioSem:   make(chan struct{}, 1),
	}
	b.pinCond = sync.NewCond(&b.pinMu)
	if lockable {
		b.flags |= FlagLockable
		b.mu.Lock() // creator owns it until released
	}
	return b
}

// Target returns the buffer's device target.
func (b *Buffer) Target() *Target { return b.target }

// Offset returns the buffer's file offset in bytes.
func (b *Buffer) Offset() int64 { return b.offset }

// Length returns the buffer's length in bytes.
func (b *Buffer) Length() int64 { return b.length }

// BlockNumber returns the buffer's starting device block number.
func (b *Buffer) BlockNumber() int64 { return b.blkno }

// Flags returns the current flag set.
func (b *Buffer) Flags() Flag { return b.flags }

// SetFlag ORs want into the buffer's flags.
func (b *Buffer) SetFlag(want Flag) { b.flags |= want }

// ClearFlag clears want from the buffer's flags.
func (b *Buffer) ClearFlag(want Flag) { b.flags &^= want }

// Stale reports whether the buffer is marked stale.
func (b *Buffer) Stale() bool { return b.flags&FlagStale != 0 }

// MarkStale invalidates the buffer's content: callers may still find
// it, but all flags except mapping/lockable are cleared (§3 invariant).
func (b *Buffer) MarkStale() {
	b.flags = b.flags&(FlagMapped|FlagLockable) | FlagStale
}

// Error returns the latched I/O error, if any.
func (b *Buffer) Error() error { return b.err }

// SetError latches an I/O error on the buffer.
func (b *Buffer) SetError(err error) { b.err = err }

// SetIODone installs the I/O completion callback.
func (b *Buffer) SetIODone(fn func(*Buffer)) { b.ioDone = fn }

// IODone returns the currently installed I/O completion callback, if
// any, so a caller that needs to install its own can chain it rather
// than silently discarding whatever was there before.
func (b *Buffer) IODone() func(*Buffer) { return b.ioDone }

// SetRelse installs the release callback consulted at last rele.
func (b *Buffer) SetRelse(fn func(*Buffer)) { b.relse = fn }

// SetStrategy installs a strategy hook overriding iorequest.
func (b *Buffer) SetStrategy(fn func(*Buffer) error) { b.strategy = fn }

// Data returns the buffer's contiguous mapping, allocating a flat
// byte slice of the buffer's length lazily if not already mapped; no
// Page Store pages are attached. Callers must hold the buffer lock.
func (b *Buffer) Data() []byte {
	if b.mapped == nil {
		b.mapped = make([]byte, b.length)
		b.flags |= FlagMapped
	}
	return b.mapped
}

// AssociateMemory attaches caller-supplied memory as the buffer's
// backing store and marks it mapped (§4.C associate_memory).
func (b *Buffer) AssociateMemory(p []byte) {
	b.mapped = p
	b.flags |= FlagMapped
	b.pages = nil
}

// Hold increments the reference count (§4.C hold).
func (b *Buffer) Hold() { b.refCount.Add(1) }

// Rele decrements the reference count; at zero it consults the relse
// callback, then delwri membership, then lets the caller decide
// whether to actually free it via the returned bool (§4.C rele).
func (b *Buffer) Rele() (shouldFree bool) {
	n := b.refCount.Add(-1)
	if n > 0 {
		return false
	}
	if b.relse != nil {
		b.relse(b)
	}
	if b.flags&FlagDelwri != 0 {
		return false
	}
	return true
}

// RefCount returns the current reference count.
func (b *Buffer) RefCount() int32 { return b.refCount.Load() }

// Pin increments the pin count, preventing the flusher from writing
// this buffer out (§4.C pin).
func (b *Buffer) Pin() {
	b.pinCount.Add(1)
	if b.target.Observer != nil {
		b.target.Observer.ObservePin(1)
	}
}

// Unpin decrements the pin count; the last unpin wakes all waiters
// (§4.C unpin).
func (b *Buffer) Unpin() {
	n := b.pinCount.Add(-1)
	if b.target.Observer != nil {
		b.target.Observer.ObservePin(-1)
	}
	if n == 0 {
		b.pinMu.Lock()
		b.pinCond.Broadcast()
		b.pinMu.Unlock()
	}
	if n < 0 {
		panic("buffer: unpin of buffer with zero pin count")
	}
}

// PinCount returns the current pin count.
func (b *Buffer) PinCount() int32 { return b.pinCount.Load() }

// WaitUnpin blocks until the pin count is zero. While waiting it prods
// the device queues forward periodically to avoid starvation on a
// completion that is itself queued behind this wait (§4.C wait_unpin).
func (b *Buffer) WaitUnpin() {
	for b.pinCount.Load() > 0 {
		b.target.Device.FlushQueues()

		b.pinMu.Lock()
		if b.pinCount.Load() > 0 {
			b.pinCond.Wait()
		}
		b.pinMu.Unlock()
	}
}

// Lock acquires the buffer's binary semaphore.
func (b *Buffer) Lock() { b.mu.Lock() }

// TryLock attempts to acquire the buffer's semaphore without blocking.
func (b *Buffer) TryLock() bool { return b.mu.TryLock() }

// Unlock releases the buffer's binary semaphore.
func (b *Buffer) Unlock() { b.mu.Unlock() }
