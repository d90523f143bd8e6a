// Package ail implements the Active Item List (§4.I): a list of
// dirty, logged objects ordered by log sequence number, used to find
// the oldest still-dirty object when the log needs to reclaim
// reservation space.
package ail

import (
	"sync"

	"github.com/behrlich/xfsjournal/internal/logitem"
)

// node is the AIL's own link, borrowed by an entry rather than owned
// by the logged object itself (§9 "AIL node borrow-only").
type node struct {
	item       logitem.Item
	lsn        int64
	prev, next *node
	inAIL      bool
}

// List is the Active Item List for one mount. All items are kept
// sorted strictly ascending by lsn (§4.I invariant).
type List struct {
	mu    sync.Mutex
	head  *node
	tail  *node
	nodes map[logitem.Item]*node
	gen   uint64

	forceFlag   bool
	onTailMoved func(newTailLSN int64)
}

// OnTailMoved installs a callback invoked whenever Delete removes the
// item with the list's minimum LSN; it receives the new minimum LSN, or
// 0 when the list is left empty. Insert and Update do not invoke it.
// It stands in for "unlocked_item notifies the AIL; if that item is
// the minimum, the log tail may be advanced" (§4.I).
func (l *List) OnTailMoved(fn func(newTailLSN int64)) {
	l.mu.Lock()
	l.onTailMoved = fn
	l.mu.Unlock()
}

// New creates an empty Active Item List.
func New() *List {
	return &List{nodes: make(map[logitem.Item]*node)}
}

// Insert adds item to the list at lsn, or repositions it if already
// present via Update's rule (never move backwards).
func (l *List) Insert(item logitem.Item, lsn int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.insertLocked(item, lsn)
}

func (l *List) insertLocked(item logitem.Item, lsn int64) {
	if n, ok := l.nodes[item]; ok {
		l.updateLocked(n, lsn)
		return
	}
	n := &node{item: item, lsn: lsn, inAIL: true}
	l.nodes[item] = n
	l.linkSorted(n)
	l.gen++
}

// Update repositions item to lsn, enforcing the monotonic rule that an
// item never moves backwards in the AIL (§4.H commit pipeline step 6).
func (l *List) Update(item logitem.Item, lsn int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[item]
	if !ok {
		l.insertLocked(item, lsn)
		return
	}
	l.updateLocked(n, lsn)
}

func (l *List) updateLocked(n *node, lsn int64) {
	if lsn <= n.lsn {
		return
	}
	l.unlink(n)
	n.lsn = lsn
	l.linkSorted(n)
	l.gen++
}

// Delete removes item from the list.
func (l *List) Delete(item logitem.Item) {
	l.mu.Lock()
	n, ok := l.nodes[item]
	if !ok {
		l.mu.Unlock()
		return
	}
	wasHead := l.head == n
	l.unlink(n)
	n.inAIL = false
	delete(l.nodes, item)
	l.gen++
	var newTail int64
	notify := wasHead && l.onTailMoved != nil
	if notify && l.head != nil {
		newTail = l.head.lsn
	}
	cb := l.onTailMoved
	l.mu.Unlock()

	if notify {
		cb(newTail)
	}
}

func (l *List) linkSorted(n *node) {
	if l.head == nil {
		l.head, l.tail = n, n
		return
	}
	cur := l.tail
	for cur != nil && cur.lsn > n.lsn {
		cur = cur.prev
	}
	if cur == nil {
		n.next = l.head
		l.head.prev = n
		l.head = n
		return
	}
	n.next = cur.next
	n.prev = cur
	if cur.next != nil {
		cur.next.prev = n
	} else {
		l.tail = n
	}
	cur.next = n
}

func (l *List) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else if l.head == n {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else if l.tail == n {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

// Min returns the item with the smallest LSN, or nil if the list is
// empty.
func (l *List) Min() (logitem.Item, int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == nil {
		return nil, 0, false
	}
	return l.head.item, l.head.lsn, true
}

// Len reports the number of items currently in the list.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.nodes)
}

// TailLSN returns the minimum LSN of any item in the AIL, or headLSN
// if the AIL is empty (§8 invariant "log tail LSN").
func (l *List) TailLSN(headLSN int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == nil {
		return headLSN
	}
	return l.head.lsn
}

// snapshot copies the current node chain so Push can walk it without
// holding the lock across each item's Trylock/Push call, restarting
// if the generation counter changed mid-walk (§4.I "scanners detect
// concurrent mutation... and restart").
func (l *List) snapshot() ([]*node, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*node
	for n := l.head; n != nil; n = n.next {
		out = append(out, n)
	}
	return out, l.gen
}

func (l *List) generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

// maxPushRestarts bounds the number of times Push retries after
// observing a generation change mid-walk.
const maxPushRestarts = 8

// Push walks the list from the head, pushing out every item below
// threshold: on Trylock SUCCESS it calls Push on the item; on PINNED
// it reports that the log should be forced (once per call); on
// LOCKED/FLUSHING it skips the item (§4.I push_ail).
func (l *List) Push(threshold int64) (pushed int, forceLog bool) {
	for attempt := 0; attempt < maxPushRestarts; attempt++ {
		items, gen := l.snapshot()
		restarted := false
		for _, n := range items {
			if n.lsn >= threshold {
				break
			}
			if l.generation() != gen {
				restarted = true
				break
			}
			switch n.item.Trylock() {
			case logitem.TrylockSuccess:
				n.item.Push()
				pushed++
			case logitem.TrylockPinned:
				forceLog = true
			case logitem.TrylockLocked, logitem.TrylockFlushing:
			}
		}
		if !restarted {
			return pushed, forceLog
		}
	}
	return pushed, forceLog
}
