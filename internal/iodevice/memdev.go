// Package iodevice provides Block I/O Port (§6) implementations: an
// in-memory device for tests, and real device adapters (filedev.go,
// ioring.go) that talk to an actual file or block device.
package iodevice

import (
	"context"
	"sync"

	"github.com/behrlich/xfsjournal/internal/interfaces"
)

// shardSize mirrors the teacher's backend/mem.go ShardSize: large
// enough to keep lock overhead low, small enough to give queues
// issuing from different regions real parallelism.
const shardSize = 64 * 1024

// Memory is an in-memory Block I/O Port. Like the teacher's
// backend/mem.go it shards its lock across fixed-size byte ranges, but
// completion is always asynchronous: Submit hands the I/O to a
// goroutine that stands in for "interrupt / completion context" (§5)
// and calls done from there, never from the caller's goroutine.
type Memory struct {
	mu     sync.RWMutex // guards shard slice identity only
	data   []byte
	size   int64
	shards []sync.RWMutex
	sector int
}

// NewMemory creates an in-memory device of the given size.
func NewMemory(size int64, sectorSize int) *Memory {
	if sectorSize <= 0 {
		sectorSize = 512
	}
	numShards := (size + shardSize - 1) / shardSize
	if numShards < 1 {
		numShards = 1
	}
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
		sector: sectorSize,
	}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	if start < 0 {
		start = 0
	}
	return start, end
}

// Submit implements interfaces.BlockDevice.
func (m *Memory) Submit(ctx context.Context, op interfaces.IOOp, offset int64, data []byte, done func(interfaces.IOCompletion)) {
	go func() {
		var n int
		var err error
		switch op {
		case interfaces.IORead:
			n, err = m.readAt(data, offset)
		case interfaces.IOWrite:
			n, err = m.writeAt(data, offset)
		}
		done(interfaces.IOCompletion{Op: op, Bytes: n, Err: err})
	}()
}

func (m *Memory) readAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}
	if avail := m.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}
	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

func (m *Memory) writeAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, errOutOfRange
	}
	if avail := m.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}
	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

// FlushQueues implements interfaces.BlockDevice. The in-memory device
// has no queue to prod; present for interface parity.
func (m *Memory) FlushQueues() {}

// SectorSize implements interfaces.BlockDevice.
func (m *Memory) SectorSize() int { return m.sector }

// Close implements interfaces.BlockDevice.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// Snapshot returns a copy of the device's current contents, useful for
// the crash/recovery test scenarios in spec.md §8.
func (m *Memory) Snapshot() []byte {
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

var errOutOfRange = memErr("write beyond end of device")

type memErr string

func (e memErr) Error() string { return string(e) }

var _ interfaces.BlockDevice = (*Memory)(nil)
