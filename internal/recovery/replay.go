package recovery

import (
	"context"
	"fmt"

	"github.com/behrlich/xfsjournal/internal/constants"
	"github.com/behrlich/xfsjournal/internal/wire"
)

// opEntry is one decoded op header plus the data region (if any) it
// carried, in on-record order.
type opEntry struct {
	hdr  wire.OpHeader
	data []byte
}

// parseOps walks the op-header stream of one record's unswapped data
// area (§4.G "per-region op headers").
func parseOps(data []byte) ([]opEntry, error) {
	var ops []opEntry
	pos := 0
	for pos+wire.OpHeaderSize <= len(data) {
		oh, err := wire.DecodeOpHeader(data[pos : pos+wire.OpHeaderSize])
		if err != nil {
			return nil, fmt.Errorf("recovery: decode op header at %d: %w", pos, err)
		}
		pos += wire.OpHeaderSize
		n := int(oh.Len)
		if n < 0 || pos+n > len(data) {
			return nil, fmt.Errorf("recovery: op header at %d declares out-of-range length %d", pos, n)
		}
		ops = append(ops, opEntry{hdr: oh, data: data[pos : pos+n]})
		pos += n
	}
	return ops, nil
}

// txAccum reassembles one transaction's regions across possibly many
// records and possibly many split op headers within them (§4.J
// "forward replay ... grouping op headers by tid into per-transaction
// accumulators with {normal, was-continued} state").
type txAccum struct {
	regions [][]byte
	pending []byte
}

func (acc *txAccum) addData(hdr wire.OpHeader, data []byte) {
	switch {
	case hdr.Flags&(wire.OpContinue|wire.OpWasContinue) == 0:
		acc.regions = append(acc.regions, append([]byte(nil), data...))
	case hdr.Flags&wire.OpWasContinue == 0:
		// first or middle chunk of a split region
		acc.pending = append(acc.pending, data...)
	default:
		acc.pending = append(acc.pending, data...)
		if hdr.Flags&wire.OpContinue == 0 {
			acc.regions = append(acc.regions, acc.pending)
			acc.pending = nil
		}
	}
}

// cancelKey identifies a buffer by its on-device location, the unit a
// CANCEL record suppresses replay for (§4.J "skip if a later CANCEL
// exists for the same (device, block, length)").
type cancelKey struct {
	blkno int64
	length uint16
}

// buildCancelTable makes a first forward pass from tail to head
// collecting every committed buffer item marked CANCEL, before any
// buffer write-back happens (§4.J "a pre-scan-built cancel table").
func buildCancelTable(ctx context.Context, cfg Config, tailBlock, headBlock int64) (map[cancelKey]bool, error) {
	table := map[cancelKey]bool{}
	accums := map[uint32]*txAccum{}
	block := tailBlock
	for block < headBlock {
		hdr, data, err := readRecord(ctx, cfg, block)
		if err != nil {
			return nil, err
		}
		ops, err := parseOps(data)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			if op.hdr.Flags&wire.OpUnmount != 0 {
				return table, nil
			}
			if op.hdr.Flags&wire.OpStart != 0 {
				continue
			}
			acc := accums[op.hdr.TID]
			if acc == nil {
				acc = &txAccum{}
				accums[op.hdr.TID] = acc
			}
			isMarker := op.hdr.Flags&wire.OpCommit != 0 && len(op.data) == 0 &&
				op.hdr.Flags&(wire.OpContinue|wire.OpWasContinue) == 0
			if !isMarker {
				acc.addData(op.hdr, op.data)
			}
			if op.hdr.Flags&wire.OpCommit != 0 {
				collectCancels(acc.regions, table)
				delete(accums, op.hdr.TID)
			}
		}
		block += sectorsForRecord(hdr.Len)
	}
	return table, nil
}

func collectCancels(regions [][]byte, table map[cancelKey]bool) {
	if len(regions) == 0 {
		return
	}
	if _, err := wire.DecodeTransactionHeader(regions[0]); err != nil {
		return
	}
	for _, region := range regions[1:] {
		bf, err := wire.DecodeBufferLogFormat(region)
		if err != nil || bf.Type != constants.LogItemTypeBuffer {
			continue
		}
		if bf.Flags&uint16(bufCancelFlag) != 0 {
			table[cancelKey{blkno: bf.Blkno, length: bf.Len}] = true
		}
	}
}

// bufCancelFlag mirrors logitem.BufCancel without importing the
// logitem package, which would create buffer -> logitem -> recovery ->
// buffer style coupling recovery has no other reason to take on; the
// on-log bit position is a wire-format constant either way.
const bufStaleFlag = 1 << 2
const bufCancelFlag = 1 << 5

// bufChunks mirrors logitem.NewBufferItem's chunk count so recovery can
// recompute exactly how many data IOVecs a BufferLogFormat's DataMap
// implies, without depending on the logitem package for it.
func bufChunks(length uint16) int {
	chunks := (int(length) + constants.BufLogChunkSize - 1) >> constants.BufLogChunkShift
	if chunks < 1 {
		chunks = 1
	}
	return chunks
}

// dirtyRunsFromMap mirrors logitem.BufferItem.dirtyRuns over a decoded
// DataMap bitmap (§4.F, grounded on xfs_buf_item_next_bit /
// xfs_buf_item_contig_bits).
func dirtyRunsFromMap(dataMap []byte, chunks int) [][2]int64 {
	var runs [][2]int64
	inRun := false
	var start int64
	for c := 0; c < chunks; c++ {
		set := c/8 < len(dataMap) && dataMap[c/8]&(1<<uint(c%8)) != 0
		switch {
		case set && !inRun:
			inRun = true
			start = int64(c)
		case !set && inRun:
			inRun = false
			runs = append(runs, [2]int64{start, int64(c)})
		}
	}
	if inRun {
		runs = append(runs, [2]int64{start, int64(chunks)})
	}
	return runs
}
