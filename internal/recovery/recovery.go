// Package recovery implements log recovery (§4.J): a physical scan of
// the log region to find its head and tail, and a forward replay from
// tail to head that reconstructs each transaction's items and writes
// buffer items back to the device (skipping anything a later CANCEL
// suppresses) while surfacing inode items to a caller-supplied sink,
// grounded on xfs_log_recover.c.
package recovery

import (
	"context"
	"fmt"

	"github.com/behrlich/xfsjournal/internal/constants"
	"github.com/behrlich/xfsjournal/internal/interfaces"
	"github.com/behrlich/xfsjournal/internal/wire"
)

// Config wires recovery to the physical log region it scans and
// replays, and to the sinks its replayed items feed.
type Config struct {
	Device     interfaces.BlockDevice
	StartBlock int64 // physical log start, in sectors
	NumBlocks  int64 // physical log size, in sectors

	// OnInodeReplay receives a replayed inode item's fields; left to the
	// caller since a real inode/directory namespace is out of scope
	// (§2 Non-goals). May be nil.
	OnInodeReplay func(ino uint64, fields wire.FieldMask, size uint32, data []byte)

	Logger   interfaces.Logger
	Observer interfaces.Observer
}

// Report summarizes one recovery pass.
type Report struct {
	HeadBlock    int64
	TailBlock    int64
	ItemsReplayed int
	ItemsCanceled int
	CleanUnmount  bool
}

// Recover scans cfg's physical log region, detects its head and tail,
// and replays every committed transaction from tail to head into the
// device (§4.J). An empty log (nothing ever written) returns a zero
// Report and no error.
func Recover(ctx context.Context, cfg Config) (Report, error) {
	cycles, err := scanCycles(ctx, cfg)
	if err != nil {
		return Report{}, err
	}

	pivot := findHeadPivot(cycles)
	if pivot == 0 {
		return Report{}, nil
	}

	head, err := confirmHead(ctx, cfg, pivot)
	if err != nil {
		return Report{}, err
	}
	if head == 0 {
		return Report{}, nil
	}

	tail, err := locateTail(ctx, cfg, head)
	if err != nil {
		return Report{}, err
	}

	cancelTable, err := buildCancelTable(ctx, cfg, tail, head)
	if err != nil {
		return Report{}, err
	}

	rep := Report{HeadBlock: head, TailBlock: tail}
	accums := map[uint32]*txAccum{}
	block := tail
	for block < head {
		hdr, data, err := readRecord(ctx, cfg, block)
		if err != nil {
			return rep, err
		}
		ops, err := parseOps(data)
		if err != nil {
			return rep, err
		}
		for _, op := range ops {
			if op.hdr.Flags&wire.OpUnmount != 0 {
				rep.CleanUnmount = true
				if cfg.Observer != nil {
					cfg.Observer.ObserveRecoveryItem("unmount")
				}
				return rep, nil
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
				if err := dispatchTransaction(ctx, cfg, acc.regions, cancelTable, &rep); err != nil {
					return rep, err
				}
				delete(accums, op.hdr.TID)
			}
		}
		block += sectorsForRecord(hdr.Len)
	}
	return rep, nil
}

// dispatchTransaction replays one committed transaction's regions,
// walking its transaction header's declared item count and peeking
// each region's leading Type discriminant to choose a buffer or inode
// decoder (§4.J "replay forward ... dispatching on COMMIT").
func dispatchTransaction(ctx context.Context, cfg Config, regions [][]byte, cancelTable map[cancelKey]bool, rep *Report) error {
	if len(regions) == 0 {
		return nil
	}
	hdr, err := wire.DecodeTransactionHeader(regions[0])
	if err != nil {
		return fmt.Errorf("recovery: decode transaction header: %w", err)
	}

	idx := 1
	for i := 0; i < int(hdr.NumItems) && idx < len(regions); i++ {
		region := regions[idx]
		if bf, err := wire.DecodeBufferLogFormat(region); err == nil && bf.Type == constants.LogItemTypeBuffer {
			idx++
			nRuns := 0
			if bf.Flags&uint16(bufStaleFlag) == 0 {
				nRuns = len(dirtyRunsFromMap(bf.DataMap, bufChunks(bf.Len)))
			}
			end := idx + nRuns
			if end > len(regions) {
				end = len(regions)
			}
			dataRegions := regions[idx:end]
			idx = end
			if err := replayBuffer(ctx, cfg, bf, dataRegions, cancelTable, rep); err != nil {
				return err
			}
			continue
		}
		if inf, err := wire.DecodeInodeLogFormat(region); err == nil && inf.Type == constants.LogItemTypeInode {
			idx++
			var data []byte
			if inf.Fields&(wire.ILogCore|wire.ILogDData) != 0 && idx < len(regions) {
				data = regions[idx]
				idx++
			}
			replayInode(cfg, inf, data, rep)
			continue
		}
		return fmt.Errorf("recovery: transaction item %d: unrecognized format region", i)
	}
	return nil
}

// replayBuffer writes a buffer item's dirty runs back to the device at
// their original chunk offsets, unless its (block, length) appears in
// the cancel table or it is itself a stale/cancel record carrying no
// data (§4.J buffer item replay).
func replayBuffer(ctx context.Context, cfg Config, bf wire.BufferLogFormat, dataRegions [][]byte, cancelTable map[cancelKey]bool, rep *Report) error {
	if bf.Flags&uint16(bufStaleFlag) != 0 || cancelTable[cancelKey{blkno: bf.Blkno, length: bf.Len}] {
		rep.ItemsCanceled++
		if cfg.Observer != nil {
			cfg.Observer.ObserveRecoveryItem("canceled")
		}
		return nil
	}

	runs := dirtyRunsFromMap(bf.DataMap, bufChunks(bf.Len))
	for i, run := range runs {
		if i >= len(dataRegions) {
			break
		}
		start := run[0] << constants.BufLogChunkShift
		offset := bf.Blkno*constants.SectorSize + start
		if err := syncWrite(ctx, cfg.Device, offset, dataRegions[i]); err != nil {
			return fmt.Errorf("recovery: replay buffer at block %d: %w", bf.Blkno, err)
		}
	}
	rep.ItemsReplayed++
	if cfg.Observer != nil {
		cfg.Observer.ObserveRecoveryItem("buffer")
	}
	return nil
}

// replayInode surfaces a replayed inode item's fields to
// cfg.OnInodeReplay, if one was supplied (§4.J inode item replay).
func replayInode(cfg Config, inf wire.InodeLogFormat, data []byte, rep *Report) {
	if cfg.Observer != nil {
		cfg.Observer.ObserveRecoveryItem("inode")
	}
	if cfg.OnInodeReplay != nil {
		cfg.OnInodeReplay(inf.Ino, inf.Fields, inf.Size, data)
	}
	rep.ItemsReplayed++
}
