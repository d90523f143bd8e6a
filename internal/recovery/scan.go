package recovery

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/behrlich/xfsjournal/internal/constants"
	"github.com/behrlich/xfsjournal/internal/interfaces"
	"github.com/behrlich/xfsjournal/internal/logrecord"
	"github.com/behrlich/xfsjournal/internal/wire"
)

func syncRead(ctx context.Context, dev interfaces.BlockDevice, offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	done := make(chan error, 1)
	dev.Submit(ctx, interfaces.IORead, offset, buf, func(c interfaces.IOCompletion) { done <- c.Err })
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func syncWrite(ctx context.Context, dev interfaces.BlockDevice, offset int64, data []byte) error {
	done := make(chan error, 1)
	dev.Submit(ctx, interfaces.IOWrite, offset, data, func(c interfaces.IOCompletion) { done <- c.Err })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scanCycles reads a single sector per block of the physical log
// region and extracts the cycle number torn-write detection stamped at
// its front (§4.J "scan the physical log by reading a single sector per
// block").
func scanCycles(ctx context.Context, cfg Config) ([]uint32, error) {
	cycles := make([]uint32, cfg.NumBlocks)
	for i := int64(0); i < cfg.NumBlocks; i++ {
		b, err := syncRead(ctx, cfg.Device, (cfg.StartBlock+i)*constants.SectorSize, 4)
		if err != nil {
			return nil, fmt.Errorf("recovery: scan sector %d: %w", i, err)
		}
		cycles[i] = binary.LittleEndian.Uint32(b)
	}
	return cycles, nil
}

// findHeadPivot locates the block where the log's cycle stamps stop
// increasing (§4.J "detect the head via two-phase binary search"):
// phase one decides whether the ring has wrapped at least once or is
// still on its first pass, phase two binary-searches for the exact
// transition block.
func findHeadPivot(cycles []uint32) int64 {
	n := int64(len(cycles))
	if n == 0 {
		return 0
	}
	if cycles[0] == 0 {
		return 0
	}
	if cycles[n-1] != 0 {
		// The ring has no unwritten (zero) blocks left: either it
		// wrapped at least once, so the front carries a newer cycle
		// than the still-unoverwritten tail, or it filled exactly on
		// its first pass. Either way the transition from "at or above
		// the starting cycle" to "below it" is the head, found the
		// same way in both cases.
		lo, hi := int64(0), n
		for lo < hi {
			mid := (lo + hi) / 2
			if cycles[mid] >= cycles[0] {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		return lo
	}
	lo, hi := int64(0), n
	for lo < hi {
		mid := (lo + hi) / 2
		if cycles[mid] != 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// sectorsForRecord returns the number of SectorSize blocks a record of
// the given declared length occupies, header included.
func sectorsForRecord(length int32) int64 {
	total := int64(constants.IclogHeaderSize) + int64(length)
	return (total + constants.SectorSize - 1) / constants.SectorSize
}

// tryReadRecordHeader reads the sector at block and attempts to decode
// a record header there; ok is false (with a nil error) when the
// sector simply isn't a record header, as opposed to an I/O failure.
func tryReadRecordHeader(ctx context.Context, cfg Config, block int64) (wire.RecordHeader, bool, error) {
	b, err := syncRead(ctx, cfg.Device, (cfg.StartBlock+block)*constants.SectorSize, constants.IclogHeaderSize)
	if err != nil {
		return wire.RecordHeader{}, false, err
	}
	hdr, err := wire.DecodeRecordHeader(b)
	if err != nil {
		return wire.RecordHeader{}, false, nil
	}
	return hdr, true, nil
}

// confirmHead walks backward from candidate to the nearest record
// header and returns the block where that record's declared extent
// ends, which corrects a candidate that overshot into sectors a torn
// write left behind; with no header before candidate, candidate itself
// is returned (§4.J "backward confirmation ... backtrack to the last valid record
// header").
func confirmHead(ctx context.Context, cfg Config, candidate int64) (int64, error) {
	if candidate == 0 {
		return 0, nil
	}
	for b := candidate - 1; b >= 0; b-- {
		hdr, ok, err := tryReadRecordHeader(ctx, cfg, b)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		if b+sectorsForRecord(hdr.Len) == candidate {
			return candidate, nil
		}
		return b + sectorsForRecord(hdr.Len), nil
	}
	return candidate, nil
}

// locateTail walks backward from the head looking for the nearest
// record header, reads its TailLSN, and keeps walking until it reaches
// the record whose own LSN is at or before that target — the block
// replay should start from (§4.J "detect the tail").
func locateTail(ctx context.Context, cfg Config, headBlock int64) (int64, error) {
	var target logrecord.LSN
	haveTarget := false
	for b := headBlock - 1; b >= 0; b-- {
		hdr, ok, err := tryReadRecordHeader(ctx, cfg, b)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		if !haveTarget {
			target = logrecord.LSN(hdr.TailLSN)
			haveTarget = true
		}
		if logrecord.LSN(hdr.LSN) <= target {
			return b, nil
		}
	}
	return 0, nil
}

// readRecord reads the record at block, undoes the torn-write cycle
// swap, and returns its header and unswapped op-header stream.
func readRecord(ctx context.Context, cfg Config, block int64) (wire.RecordHeader, []byte, error) {
	hdrBytes, err := syncRead(ctx, cfg.Device, (cfg.StartBlock+block)*constants.SectorSize, constants.IclogHeaderSize)
	if err != nil {
		return wire.RecordHeader{}, nil, err
	}
	hdr, err := wire.DecodeRecordHeader(hdrBytes)
	if err != nil {
		return wire.RecordHeader{}, nil, fmt.Errorf("recovery: read record at block %d: %w", block, err)
	}

	nsectors := (int64(hdr.Len) + constants.SectorSize - 1) / constants.SectorSize
	cycleArrayLen := 4 * nsectors
	rest, err := syncRead(ctx, cfg.Device,
		(cfg.StartBlock+block)*constants.SectorSize+constants.IclogHeaderSize,
		int(cycleArrayLen+int64(hdr.Len)))
	if err != nil {
		return hdr, nil, err
	}

	cycleArray := rest[:cycleArrayLen]
	data := append([]byte(nil), rest[cycleArrayLen:]...)
	for i := int64(0); i < nsectors; i++ {
		off := i * constants.SectorSize
		end := off + 4
		if end > int64(len(data)) {
			break
		}
		copy(data[off:end], cycleArray[i*4:i*4+4])
	}
	return hdr, data, nil
}
