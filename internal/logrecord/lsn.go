// Package logrecord implements the Log Record Engine (§4.G): the ring
// of in-core log buffers (iclogs), the ticket reservation protocol,
// the write protocol that packs logged regions into iclogs, and the
// iclog state machine that drives them out to the log device.
package logrecord

// LSN is a packed (cycle, block) log sequence number: the high 32
// bits are the write cycle, the low 32 bits are the block number
// within that cycle (§4.G "ASSIGN_LSN"). LSNs are monotonic within a
// cycle and strictly increasing across cycle boundaries, so ordinary
// int64 comparison gives LSN order.
type LSN int64

// PackLSN combines a cycle and block number into an LSN.
func PackLSN(cycle, block uint32) LSN {
	return LSN(uint64(cycle)<<32 | uint64(block))
}

// Cycle extracts the cycle number from an LSN.
func (l LSN) Cycle() uint32 { return uint32(uint64(l) >> 32) }

// Block extracts the block number from an LSN.
func (l LSN) Block() uint32 { return uint32(uint64(l)) }

// Less reports whether l sorts before other.
func (l LSN) Less(other LSN) bool { return l < other }
