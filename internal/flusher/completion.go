package flusher

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// completionWorker is a single task queue bound to one logical CPU
// slot, mirroring the teacher's per-queue pinned-goroutine runner
// pattern (internal/queue/runner.go's CPUAffinity dispatch), adapted
// here from per-ublk-queue I/O dispatch to per-CPU iodone dispatch.
type completionWorker struct {
	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup
}

func newCompletionWorker() *completionWorker {
	w := &completionWorker{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *completionWorker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case task := <-w.tasks:
			task()
		}
	}
}

func (w *completionWorker) submit(task func()) {
	select {
	case w.tasks <- task:
	case <-w.done:
	}
}

func (w *completionWorker) close() {
	close(w.done)
	w.wg.Wait()
}

// completionPools is the set of completion workers, one per
// GOMAXPROCS slot, that the flusher dispatches its write-back
// completions into. It is a single pool: there is no separate "log"
// and "data" pool, and the log-record engine does not use it.
type completionPools struct {
	workers []*completionWorker
	next    atomic.Uint64
}

func newCompletionPools() *completionPools {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	p := &completionPools{workers: make([]*completionWorker, n)}
	for i := range p.workers {
		p.workers[i] = newCompletionWorker()
	}
	return p
}

// pick returns the worker for the calling CPU's pool slot. Go does not
// expose the running CPU id to user code, so slots are chosen by a
// round-robin counter instead of a true getcpu(2); this preserves the
// cache-locality intent (fixed, bounded fan-out rather than one
// goroutine per completion) without the real affinity guarantee the
// teacher gets from pinning OS threads.
func (p *completionPools) pick() *completionWorker {
	i := p.next.Add(1) % uint64(len(p.workers))
	return p.workers[i]
}

func (p *completionPools) close() {
	for _, w := range p.workers {
		w.close()
	}
}
