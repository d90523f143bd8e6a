package ail

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/xfsjournal/internal/logitem"
)

// fakeItem is a minimal logitem.Item for AIL tests.
type fakeItem struct {
	name    string
	trylock logitem.TrylockResult
	pushed  int
}

func (f *fakeItem) Size() int                    { return 1 }
func (f *fakeItem) Format() []logitem.IOVec       { return nil }
func (f *fakeItem) Pin()                          {}
func (f *fakeItem) Unpin(remove bool)             {}
func (f *fakeItem) Trylock() logitem.TrylockResult { return f.trylock }
func (f *fakeItem) Unlock()                       {}
func (f *fakeItem) Committed(lsn int64) int64     { return lsn }
func (f *fakeItem) Push()                         { f.pushed++ }
func (f *fakeItem) Abort()                        {}

func TestInsertYieldsAscendingLSNOrder(t *testing.T) {
	l := New()
	items := []*fakeItem{{name: "a"}, {name: "b"}, {name: "c"}, {name: "d"}}
	lsns := []int64{40, 10, 30, 20}
	for i, it := range items {
		l.Insert(it, lsns[i])
	}

	want := []string{"b", "d", "c", "a"}
	var got []string
	for n := l.head; n != nil; n = n.next {
		got = append(got, n.item.(*fakeItem).name)
	}
	require.Equal(t, want, got)
}

func TestUpdateNeverMovesBackwards(t *testing.T) {
	l := New()
	it := &fakeItem{}
	l.Insert(it, 10)
	l.Update(it, 5)
	_, lsn, ok := l.Min()
	require.True(t, ok)
	require.EqualValues(t, 10, lsn)

	l.Update(it, 20)
	_, lsn, ok = l.Min()
	require.True(t, ok)
	require.EqualValues(t, 20, lsn)
}

func TestTailLSNFallsBackToHeadWhenEmpty(t *testing.T) {
	l := New()
	require.EqualValues(t, 99, l.TailLSN(99))
	it := &fakeItem{}
	l.Insert(it, 5)
	require.EqualValues(t, 5, l.TailLSN(99))
	l.Delete(it)
	require.EqualValues(t, 99, l.TailLSN(99))
}

func TestPushRespectsTrylockResults(t *testing.T) {
	l := New()
	pinned := &fakeItem{trylock: logitem.TrylockPinned}
	locked := &fakeItem{trylock: logitem.TrylockLocked}
	success := &fakeItem{trylock: logitem.TrylockSuccess}
	l.Insert(pinned, 10)
	l.Insert(locked, 20)
	l.Insert(success, 30)

	pushed, forceLog := l.Push(100)
	require.Equal(t, 1, pushed)
	require.True(t, forceLog)
	require.Equal(t, 1, success.pushed)
	require.Equal(t, 0, locked.pushed)
}

func TestPushStopsAtThreshold(t *testing.T) {
	l := New()
	below := &fakeItem{trylock: logitem.TrylockSuccess}
	above := &fakeItem{trylock: logitem.TrylockSuccess}
	l.Insert(below, 10)
	l.Insert(above, 100)

	pushed, _ := l.Push(50)
	require.Equal(t, 1, pushed)
	require.Equal(t, 0, above.pushed)
}

func TestOnTailMovedFiresWhenMinimumDeleted(t *testing.T) {
	l := New()
	a, b := &fakeItem{}, &fakeItem{}
	l.Insert(a, 10)
	l.Insert(b, 20)

	var notified int64 = -1
	l.OnTailMoved(func(newTail int64) { notified = newTail })

	l.Delete(a)
	require.EqualValues(t, 20, notified)
}
