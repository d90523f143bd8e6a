// Package buffer implements the Buffer Object and the Buffer Hash &
// Lookup table (§4.C, §4.D): an aggregated multi-page buffer cache
// keyed by (device target, byte offset, length), layered on the Page
// Store Port and the Block I/O Port.
package buffer

import (
	"sync"

	"github.com/google/uuid"

	"github.com/behrlich/xfsjournal/internal/avl"
	"github.com/behrlich/xfsjournal/internal/constants"
	"github.com/behrlich/xfsjournal/internal/interfaces"
)

// Align governs how an I/O submission is broken into per-submission
// chunks against the device (§4.C "I/O breakup algorithm").
type Align int

const (
	AlignAny Align = iota
	AlignSectorOnly
	AlignFSBlockOnly
)

// Target identifies a block device plus the geometry and policy used
// to address it: sector size, sector mask, alignment mode, and its
// Page Store. Created at mount, destroyed at unmount.
type Target struct {
	ID         uuid.UUID
	Device     interfaces.BlockDevice
	Pages      interfaces.PageStore
	SectorSize int64
	sectorMask int64
	Align      Align
	Observer   interfaces.Observer
	Logger     interfaces.Logger

	index *avl.Tree // blkno -> opaque handle, secondary ordered index

	hash   [constants.HashBuckets]bucket
	delwri delwriQueue
}

type bucket struct {
	mu   sync.Mutex
	head *Buffer
}

// NewTarget creates a device target over dev/pages with the given
// sector size and alignment policy.
func NewTarget(dev interfaces.BlockDevice, pages interfaces.PageStore, sectorSize int64, align Align) *Target {
	if sectorSize <= 0 {
		sectorSize = constants.SectorSize
	}
	t := &Target{
		ID:         uuid.New(),
		Device:     dev,
		Pages:      pages,
		SectorSize: sectorSize,
		sectorMask: sectorSize - 1,
		Align:      align,
		Observer:   interfaces.NoOpObserver{},
		index:      avl.New(),
	}
	return t
}

// bucketIndex mixes the target identity and the sector-shifted offset
// into an 8-bit-folded bucket index, per §4.D.
func (t *Target) bucketIndex(offset int64) uint32 {
	tid := uint64(t.ID[0]) | uint64(t.ID[1])<<8 | uint64(t.ID[2])<<16 | uint64(t.ID[3])<<24
	h := tid ^ uint64(offset>>9)
	h ^= h >> 32
	h ^= h >> 16
	h ^= h >> 8
	return uint32(h) & (constants.HashBuckets - 1)
}

// blockNumber converts a byte offset to the starting device block
// number at the target's sector size.
func (t *Target) blockNumber(offset int64) int64 {
	return offset / t.SectorSize
}

// sectorAligned reports whether offset is aligned to the sector size.
func (t *Target) sectorAligned(offset int64) bool {
	return offset&t.sectorMask == 0
}

func (t *Target) observeLookup(hit bool) {
	if t.Observer != nil {
		t.Observer.ObserveBufferLookup(hit)
	}
}

func (t *Target) debugf(format string, args ...any) {
	if t.Logger != nil {
		t.Logger.Debugf(format, args...)
	}
}
