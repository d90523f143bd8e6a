package buffer

import (
	"context"

	"github.com/behrlich/xfsjournal/internal/constants"
)

// Find looks up an existing buffer for (offset, length) without
// creating one. It returns nil if no matching buffer is cached.
func (t *Target) Find(offset, length int64) *Buffer {
	return t.findOrCreate(offset, length, GetFlags{}, false)
}

// Get returns the buffer covering (offset, length), creating and
// reading it in if it is not already cached. When flags.Read is set
// and the buffer is not already up to date, Get blocks on the I/O
// before returning, unless flags.Async is also set, in which case it
// returns once the read has been submitted (§4.C get).
func (t *Target) Get(ctx context.Context, offset, length int64, flags GetFlags) (*Buffer, error) {
	b := t.findOrCreate(offset, length, flags, true)
	if b == nil {
		return nil, nil
	}
	if flags.Read && !b.Flags().Have(FlagDone) {
		if err := t.iostart(ctx, b, FlagRead); err != nil {
			b.Unlock()
			b.Rele()
			return nil, err
		}
		if !flags.Async {
			t.iowait(b)
		}
	}
	return b, nil
}

// LookupSkeletal returns a buffer for (offset, length) with no memory
// associated, useful for log recovery and metadata scans that only
// need identity and flags (§4.C lookup_skeletal).
func (t *Target) LookupSkeletal(offset, length int64) *Buffer {
	b := t.findOrCreate(offset, length, GetFlags{}, true)
	if b != nil {
		b.Unlock()
	}
	return b
}

// GetNoDaddr creates an anonymous buffer with no device block number
// and no hash membership, sized up to GetNoDaddrMaxSize; a larger
// length returns nil. It is used for in-core-only staging buffers such
// as log records (§4.C get_no_daddr).
func (t *Target) GetNoDaddr(length int64) *Buffer {
	if length > constants.GetNoDaddrMaxSize {
		return nil
	}
	b := newBuffer(t, -1, length, true)
	return b
}

// findOrCreate implements the Buffer Hash & Lookup algorithm (§4.D):
// walk the bucket chain under its spinlock, skip stale entries, move a
// hit to the front of the chain, hold it, then acquire its semaphore
// outside the bucket lock (trylock or blocking per flags) and
// recheck staleness once the buffer is locked, retrying the whole walk
// if it went stale underneath us. On a miss it allocates a new buffer,
// locks it, and inserts it at the head of the bucket before releasing
// the bucket lock.
func (t *Target) findOrCreate(offset, length int64, flags GetFlags, create bool) *Buffer {
	idx := t.bucketIndex(offset)
	bkt := &t.hash[idx]

retry:
	for attempt := 0; attempt < 4; attempt++ {
		bkt.mu.Lock()
		var prev *Buffer
		for cur := bkt.head; cur != nil; cur = cur.hashNext {
			if cur.offset != offset || cur.length != length {
				prev = cur
				continue
			}
			if cur.Stale() {
				prev = cur
				continue
			}

			if prev != nil {
				prev.hashNext = cur.hashNext
				if cur.hashNext != nil {
					cur.hashNext.hashPrev = prev
				}
				cur.hashNext = bkt.head
				cur.hashPrev = nil
				bkt.head.hashPrev = cur
				bkt.head = cur
			}
			cur.Hold()
			bkt.mu.Unlock()

			t.observeLookup(true)

			if flags.TryLock {
				if !cur.TryLock() {
					cur.Rele()
					return nil
				}
			} else {
				cur.Lock()
			}

			if cur.Stale() {
				cur.Unlock()
				cur.Rele()
				continue retry // retry the walk, the buffer went stale while we waited
			}
			return cur
		}
		// Miss: create if asked, else give up.
		if !create {
			bkt.mu.Unlock()
			t.observeLookup(false)
			return nil
		}

		nb := newBuffer(t, offset, length, true)
		nb.hashNext = bkt.head
		if bkt.head != nil {
			bkt.head.hashPrev = nb
		}
		bkt.head = nb
		nb.inHash = true
		nb.Hold()
		bkt.mu.Unlock()

		t.observeLookup(false)
		t.index.Insert(uint64(nb.blkno), uint64(offset))
		return nb
	}
	return nil
}

// remove unlinks b from its bucket chain. b must not be
// locked by the caller's bucket; the caller is responsible for taking
// the bucket lock before calling this.
func (bkt *bucket) remove(b *Buffer) {
	if b.hashPrev != nil {
		b.hashPrev.hashNext = b.hashNext
	} else if bkt.head == b {
		bkt.head = b.hashNext
	}
	if b.hashNext != nil {
		b.hashNext.hashPrev = b.hashPrev
	}
	b.hashNext, b.hashPrev = nil, nil
	b.inHash = false
}

// Invalidate removes b from the hash table and marks it stale, so a
// subsequent Get reading the same range misses and reallocates. Used
// when a buffer's backing blocks have been freed or reused (§4.C
// invariant "stale buffers are skipped by lookup").
func (t *Target) Invalidate(b *Buffer) {
	idx := t.bucketIndex(b.offset)
	bkt := &t.hash[idx]
	bkt.mu.Lock()
	if b.inHash {
		bkt.remove(b)
	}
	bkt.mu.Unlock()
	b.MarkStale()
}
