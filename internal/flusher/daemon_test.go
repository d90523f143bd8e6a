package flusher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/xfsjournal/internal/buffer"
	"github.com/behrlich/xfsjournal/internal/clock"
	"github.com/behrlich/xfsjournal/internal/iodevice"
	"github.com/behrlich/xfsjournal/internal/pagestore"
)

func newTestTarget(t *testing.T) *buffer.Target {
	t.Helper()
	dev := iodevice.NewMemory(1<<20, 512)
	store := pagestore.New()
	return buffer.NewTarget(dev, store, 512, buffer.AlignAny)
}

func TestDaemonSkipsBuffersBelowAgeThreshold(t *testing.T) {
	tgt := newTestTarget(t)
	fc := clock.NewFake(time.Unix(0, 0))

	b, err := tgt.Get(context.Background(), 0, 512, buffer.GetFlags{})
	require.NoError(t, err)
	b.Unlock()
	tgt.EnqueueDelwri(b, fc.Now().UnixNano())

	d := NewDaemon(Config{Target: tgt, Clock: fc, AgeBuffer: 30 * time.Second})
	got := d.sweep(false)
	require.Empty(t, got)
	require.Equal(t, 1, tgt.DelwriLen())

	fc.Advance(31 * time.Second)
	got = d.sweep(false)
	require.Len(t, got, 1)
	require.Equal(t, 0, tgt.DelwriLen())
}

func TestDaemonForceFlushIgnoresAge(t *testing.T) {
	tgt := newTestTarget(t)
	fc := clock.NewFake(time.Unix(0, 0))

	b, err := tgt.Get(context.Background(), 0, 512, buffer.GetFlags{})
	require.NoError(t, err)
	b.Unlock()
	tgt.EnqueueDelwri(b, fc.Now().UnixNano())

	d := NewDaemon(Config{Target: tgt, Clock: fc, AgeBuffer: time.Hour})
	got := d.sweep(true)
	require.Len(t, got, 1)
}

func TestFlushWaitDrainsAllBuffers(t *testing.T) {
	tgt := newTestTarget(t)
	fc := clock.NewFake(time.Unix(0, 0))

	const n = 8
	for i := 0; i < n; i++ {
		b, err := tgt.Get(context.Background(), int64(i)*512, 512, buffer.GetFlags{})
		require.NoError(t, err)
		b.Unlock()
		tgt.EnqueueDelwri(b, fc.Now().UnixNano())
	}

	d := NewDaemon(Config{Target: tgt, Clock: fc, AgeBuffer: time.Hour})
	d.Flush(Wait)
	require.Equal(t, 0, tgt.DelwriLen())
}
