package logrecord

import (
	"sync"

	"github.com/behrlich/xfsjournal/internal/constants"
	"github.com/behrlich/xfsjournal/internal/wire"
)

// State is an iclog's position in the §4.G state machine.
type State int

const (
	StateActive State = iota
	StateWantSync
	StateSyncing
	StateDoneSync
	StateCallback
	StateDirty
	StateNotUsed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateWantSync:
		return "WANT_SYNC"
	case StateSyncing:
		return "SYNCING"
	case StateDoneSync:
		return "DONE_SYNC"
	case StateCallback:
		return "CALLBACK"
	case StateDirty:
		return "DIRTY"
	default:
		return "NOTUSED"
	}
}

// iclog is one in-core log buffer: a fixed-capacity ring slot with a
// header, a data area, a reference count, an offset cursor, a wait
// channel for forcers, a callback list, and a state (§4.G).
type iclog struct {
	mu sync.Mutex

	hdr    wire.RecordHeader
	data   []byte // constants.IclogSize - constants.IclogHeaderSize bytes
	offset int64  // bytes written so far in data

	refcount  int
	state     State
	callbacks []func(err error)

	forceDone chan struct{} // closed when this iclog reaches CALLBACK/DIRTY

	snapCycle uint32 // cycle captured when entering WANT_SYNC, for LSN assignment
	snapBlock uint32

	numLogOps int32
}

func newIclog() *iclog {
	return &iclog{
		data:      make([]byte, constants.IclogSize-constants.IclogHeaderSize),
		state:     StateNotUsed,
		forceDone: make(chan struct{}),
	}
}

// remaining reports the number of free bytes left in the data area.
func (ic *iclog) remaining() int64 {
	return int64(len(ic.data)) - ic.offset
}

// writeRegion appends an op header plus its data region to the
// iclog's data area, advancing the offset and op count.
func (ic *iclog) writeRegion(hdr wire.OpHeader, region []byte) {
	hdr.Len = int32(len(region))
	b := hdr.Encode()
	ic.offset += int64(copy(ic.data[ic.offset:], b))
	ic.offset += int64(copy(ic.data[ic.offset:], region))
	ic.numLogOps++
}

// reset prepares a NOTUSED/DIRTY iclog for reuse as ACTIVE.
func (ic *iclog) reset() {
	ic.offset = 0
	ic.numLogOps = 0
	ic.callbacks = nil
	ic.forceDone = make(chan struct{})
	ic.state = StateActive
}
