// Package interfaces defines the external ports the pagebuf cache and
// log engine are built against: the block I/O port, the page store
// port, and the optional logging/metrics collaborators. Keeping these
// separate from the internal packages that implement them avoids
// import cycles between ports and their concrete adapters.
package interfaces

import "context"

// IOOp identifies the direction of a block I/O submission.
type IOOp int

const (
	IORead IOOp = iota
	IOWrite
)

// IOCompletion carries the outcome of a block I/O port submission.
type IOCompletion struct {
	Op    IOOp
	Bytes int
	Err   error
}

// BlockDevice is the Block I/O Port (§6): submit reads/writes of an
// aggregated buffer and prod the device's queues forward. Completion is
// always asynchronous — the callback may run on any goroutine, possibly
// concurrently with other completions, matching the "interrupt context"
// execution model of §5.
type BlockDevice interface {
	// Submit issues an aggregated I/O for the byte range [offset,
	// offset+len(data)) and invokes done exactly once when the I/O
	// finishes (successfully or not). For IORead, data is filled in
	// place; for IOWrite, data is the source.
	Submit(ctx context.Context, op IOOp, offset int64, data []byte, done func(IOCompletion))

	// FlushQueues prods the device's in-flight queues forward; used by
	// the delwri daemon and by wait_unpin to avoid starvation while
	// blocked on pinned buffers.
	FlushQueues()

	// SectorSize returns the device's native sector size in bytes.
	SectorSize() int

	// Close releases any resources held by the device.
	Close() error
}

// Page is a single page-cache-resident unit of the Page Store Port.
type Page interface {
	// Address returns the page's backing memory. Valid only while the
	// page is locked.
	Address() []byte
	Uptodate() bool
	SetUptodate(bool)
}

// PageStore is the Page Store Port (§6): an abstract byte-addressable
// paged store keyed by (device, index).
type PageStore interface {
	FindOrCreatePage(device uint64, index int64) (Page, error)
	ReleasePage(device uint64, index int64, page Page)
	LockPage(page Page)
	UnlockPage(page Page)
	MarkAccessed(page Page)
}

// Logger is the logging collaborator accepted by long-lived goroutines
// (flusher daemon, completion workers, log writer).
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Observer collects metrics. Implementations must be safe for
// concurrent use: methods are called from client threads, completion
// context, and the flusher/log daemons alike.
type Observer interface {
	ObserveBufferLookup(hit bool)
	ObservePin(delta int)
	ObserveDelwriDepth(depth int)
	ObserveIclogSync(bytes int, latencyNs uint64)
	ObserveAILPush(itemsPushed int)
	ObserveRecoveryItem(kind string)
}

// NoOpObserver discards all metrics; used when the caller does not
// supply one.
type NoOpObserver struct{}

func (NoOpObserver) ObserveBufferLookup(bool)     {}
func (NoOpObserver) ObservePin(int)               {}
func (NoOpObserver) ObserveDelwriDepth(int)        {}
func (NoOpObserver) ObserveIclogSync(int, uint64)  {}
func (NoOpObserver) ObserveAILPush(int)            {}
func (NoOpObserver) ObserveRecoveryItem(string)    {}
