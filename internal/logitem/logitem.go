// Package logitem implements the Log Item Framework (§4.F): the
// polymorphic operation set every loggable object (buffer, inode,
// EFI/EFD intent, unlink) exposes to the transaction subsystem and the
// Active Item List, plus the Buffer Log Item and Inode Log Item
// concrete variants.
package logitem

// TrylockResult is the outcome of a log item's Trylock operation.
type TrylockResult int

const (
	TrylockSuccess TrylockResult = iota
	TrylockPinned
	TrylockLocked
	TrylockFlushing
)

// IOVec is one logged region: a pointer to the data to serialize and
// its byte length, mirroring an iovec entry in the log write vector.
type IOVec struct {
	Data []byte
}

// Item is the operation set every log item variant implements (§4.F).
// lsn is an opaque comparable value; internal/logrecord defines the
// concrete type and internal/ail orders items by it.
type Item interface {
	// Size returns the number of IOVecs Format will produce.
	Size() int
	// Format serializes the item's dirty portion, including a
	// variant-specific format header, appending one or more IOVecs.
	Format() []IOVec
	// Pin prevents the underlying object from being written back.
	Pin()
	// Unpin reverses Pin. remove is true when the transaction the
	// pin belongs to is being removed from the AIL rather than moved.
	Unpin(remove bool)
	// Trylock attempts to acquire the object's lock without blocking.
	Trylock() TrylockResult
	// Unlock releases the object's lock, possibly deferring the
	// release if a HOLD flag is set on the item.
	Unlock()
	// Committed is called when the transaction holding the item
	// commits at the given lsn; it may return a different lsn (an
	// EFD-like item returns the sentinel for "I freed myself").
	Committed(lsn int64) int64
	// Push is the AIL pusher's best-effort write-out request.
	Push()
	// Abort releases references and frees state after a transaction
	// abort.
	Abort()
}

// Freed is the sentinel lsn an item's Committed may return to signal
// that it released itself and should not be reinserted in the AIL
// (the Log Item Framework's EFD-like "I freed myself" case).
const Freed int64 = -1
