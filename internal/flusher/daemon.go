// Package flusher implements the Delayed-Write Flusher (§4.E): a
// single daemon that periodically walks a target's delwri queue and
// writes back eligible buffers, plus per-CPU completion worker pools
// that run each buffer's iodone callback off of whatever goroutine
// the underlying device's I/O completion arrived on.
package flusher

import (
	"context"
	"sync"
	"time"

	"github.com/behrlich/xfsjournal/internal/buffer"
	"github.com/behrlich/xfsjournal/internal/clock"
	"github.com/behrlich/xfsjournal/internal/constants"
	"github.com/behrlich/xfsjournal/internal/interfaces"
)

// Mode selects how an explicit Flush call waits for its buffers.
type Mode int

const (
	// Trylock detaches only buffers whose semaphore is free; any
	// buffer already locked by another operation is left queued.
	Trylock Mode = iota
	// Wait blocks until every matching buffer has been written and
	// drains each one's iowait before returning.
	Wait
)

// Config configures a Daemon.
type Config struct {
	Target        *buffer.Target
	Clock         clock.Clock
	FlushInterval time.Duration
	AgeBuffer     time.Duration
	Logger        interfaces.Logger
	Observer      interfaces.Observer
}

// Daemon runs the delayed-write flush loop for a single target.
type Daemon struct {
	target   *buffer.Target
	clock    clock.Clock
	interval time.Duration
	age      time.Duration
	logger   interfaces.Logger
	observer interfaces.Observer

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	completions *completionPools
}

// NewDaemon creates a flush daemon for cfg.Target. Call Start to begin
// the periodic loop and Stop to tear it down.
func NewDaemon(cfg Config) *Daemon {
	interval := constants.ClampFlushInterval(cfg.FlushInterval)
	age := constants.ClampAgeBuffer(cfg.AgeBuffer)
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		target:      cfg.Target,
		clock:       clk,
		interval:    interval,
		age:         age,
		logger:      cfg.Logger,
		observer:    cfg.Observer,
		wake:        make(chan struct{}, 1),
		completions: newCompletionPools(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins the daemon loop on its own goroutine.
func (d *Daemon) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop()
}

// Stop signals the daemon loop to exit and waits for it to finish.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.completions.close()
}

// Kick wakes the daemon immediately instead of waiting for the next
// tick; used for explicit flush requests and memory-pressure signals.
func (d *Daemon) Kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Daemon) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.sweep(false)
		case <-d.wake:
			d.sweep(false)
		}
	}
}

// sweep implements the daemon loop body (§4.E steps 2-5): detach ready
// buffers, write each one back, then kick the device queue forward.
func (d *Daemon) sweep(force bool) []*buffer.Buffer {
	now := d.clock.Now().UnixNano()
	ready := d.target.DetachReady(d.age.Nanoseconds(), now, force)
	if d.logger != nil && len(ready) > 0 {
		d.logger.Debugf("flusher: writing back %d buffers", len(ready))
	}
	if d.observer != nil {
		d.observer.ObserveDelwriDepth(d.target.DelwriLen())
	}

	for _, b := range ready {
		b.ClearFlag(buffer.FlagDelwri)
		b.SetFlag(buffer.FlagWrite)
		d.writeback(b)
	}
	d.target.Device.FlushQueues()
	return ready
}

// writeback issues the I/O for a detached buffer. Its completion runs
// on a completion worker chosen at dispatch time by pick()'s
// round-robin, rather than on whatever goroutine the device's own
// completion happened to land on; the worker is not tied to the
// dispatching CPU (see pick).
func (d *Daemon) writeback(b *buffer.Buffer) {
	cpu := d.completions.pick()
	prev := b.IODone()
	b.SetIODone(func(bb *buffer.Buffer) {
		cpu.submit(func() {
			if prev != nil {
				prev(bb)
			}
			if d.observer != nil && bb.Error() == nil {
				d.observer.ObserveIclogSync(int(bb.Length()), 0)
			}
			bb.Unlock()
		})
	})
	if err := d.target.IOStartWriteback(d.ctx, b); err != nil {
		b.SetError(err)
		b.Unlock()
	}
}

// Flush is the explicit flush entry point (§4.E): it forces every
// currently-queued buffer out regardless of age. In Wait mode it
// blocks until all of them have completed their I/O.
func (d *Daemon) Flush(mode Mode) {
	ready := d.sweepForce()
	if mode != Wait {
		return
	}
	var wg sync.WaitGroup
	for _, b := range ready {
		wg.Add(1)
		go func(b *buffer.Buffer) {
			defer wg.Done()
			d.target.IOWait(b)
		}(b)
	}
	wg.Wait()
}

func (d *Daemon) sweepForce() []*buffer.Buffer {
	return d.sweep(true)
}
