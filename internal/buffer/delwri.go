package buffer

import "sync"

// delwriQueue is the global per-target delayed-write queue: a FIFO of
// buffers waiting to be flushed, ordered by enqueue time (§4.E "queue
// is time-ordered by push-back at queue time").
type delwriQueue struct {
	mu         sync.Mutex
	head, tail *Buffer
	len        int
}

// EnqueueDelwri marks b dirty and appends it to the target's delwri
// queue at time now (a clock reading in UnixNano), unless it is
// already queued.
func (t *Target) EnqueueDelwri(b *Buffer, now int64) {
	t.delwri.mu.Lock()
	defer t.delwri.mu.Unlock()

	if b.Flags().Have(FlagDelwri) {
		return
	}
	b.SetFlag(FlagDelwri)
	b.queuedAt = now

	b.delwriPrev = t.delwri.tail
	b.delwriNext = nil
	if t.delwri.tail != nil {
		t.delwri.tail.delwriNext = b
	} else {
		t.delwri.head = b
	}
	t.delwri.tail = b
	t.delwri.len++
}

// DequeueDelwri removes b from the delwri queue and clears FlagDelwri,
// if it is currently queued. Callers must hold b's own lock, since it
// mutates b's flags directly (used by a log item's Push, which writes
// a single buffer back outside of the periodic delwri sweep).
func (t *Target) DequeueDelwri(b *Buffer) bool {
	t.delwri.mu.Lock()
	defer t.delwri.mu.Unlock()

	if !b.Flags().Have(FlagDelwri) {
		return false
	}
	t.delwriRemoveLocked(b)
	b.ClearFlag(FlagDelwri)
	return true
}

// DetachReady scans the delwri queue from the head and detaches every
// buffer whose age (now - queuedAt) is at least ageThreshold, or every
// buffer if force is true. Buffers that are pinned or fail a
// non-blocking lock attempt are skipped and left queued; the scan stops
// at the first buffer that is still too young, since age only
// increases toward the tail (§4.E step 2). Detached buffers are
// removed from the queue and have FlagDelwri cleared by the caller
// once flushed.
func (t *Target) DetachReady(ageThreshold int64, now int64, force bool) []*Buffer {
	t.delwri.mu.Lock()
	defer t.delwri.mu.Unlock()

	var ready []*Buffer
	cur := t.delwri.head
	for cur != nil {
		next := cur.delwriNext

		if !force && now-cur.queuedAt < ageThreshold {
			break // time-ordered queue: nothing after this is ready either
		}
		if cur.PinCount() > 0 || !cur.TryLock() {
			cur = next
			continue
		}

		t.delwriRemoveLocked(cur)
		ready = append(ready, cur)
		cur = next
	}
	return ready
}

// delwriRemoveLocked unlinks b from the queue. Callers must hold
// t.delwri.mu.
func (t *Target) delwriRemoveLocked(b *Buffer) {
	if b.delwriPrev != nil {
		b.delwriPrev.delwriNext = b.delwriNext
	} else if t.delwri.head == b {
		t.delwri.head = b.delwriNext
	}
	if b.delwriNext != nil {
		b.delwriNext.delwriPrev = b.delwriPrev
	} else if t.delwri.tail == b {
		t.delwri.tail = b.delwriPrev
	}
	b.delwriNext, b.delwriPrev = nil, nil
	t.delwri.len--
}

// DelwriLen reports the number of buffers currently queued.
func (t *Target) DelwriLen() int {
	t.delwri.mu.Lock()
	defer t.delwri.mu.Unlock()
	return t.delwri.len
}
