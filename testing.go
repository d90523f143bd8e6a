package xfsjournal

import (
	"context"
	"sync"

	"github.com/behrlich/xfsjournal/internal/interfaces"
)

// MockBlockDevice is a call-counted, in-memory interfaces.BlockDevice
// for tests that need to assert on I/O traffic rather than just have
// somewhere to write bytes (internal/iodevice.Memory already covers
// the latter).
type MockBlockDevice struct {
	mu   sync.Mutex
	data []byte
	sz   int

	ReadCalls  int
	WriteCalls int
	FlushCalls int
	closed     bool

	// FailRead/FailWrite, if set, are returned instead of performing
	// the I/O — used to exercise a latched buffer error path.
	FailRead  error
	FailWrite error
}

// NewMockBlockDevice creates a mock device of size bytes with the
// given sector size.
func NewMockBlockDevice(size int64, sectorSize int) *MockBlockDevice {
	return &MockBlockDevice{data: make([]byte, size), sz: sectorSize}
}

// Submit implements interfaces.BlockDevice.
func (m *MockBlockDevice) Submit(ctx context.Context, op interfaces.IOOp, offset int64, data []byte, done func(interfaces.IOCompletion)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		done(interfaces.IOCompletion{Op: op, Err: errClosed})
		return
	}

	switch op {
	case interfaces.IORead:
		m.ReadCalls++
		if m.FailRead != nil {
			done(interfaces.IOCompletion{Op: op, Err: m.FailRead})
			return
		}
		n := copy(data, m.sliceAt(offset, len(data)))
		done(interfaces.IOCompletion{Op: op, Bytes: n})
	case interfaces.IOWrite:
		m.WriteCalls++
		if m.FailWrite != nil {
			done(interfaces.IOCompletion{Op: op, Err: m.FailWrite})
			return
		}
		n := copy(m.sliceAt(offset, len(data)), data)
		done(interfaces.IOCompletion{Op: op, Bytes: n})
	}
}

func (m *MockBlockDevice) sliceAt(offset int64, n int) []byte {
	if offset < 0 || int(offset) >= len(m.data) {
		return nil
	}
	end := int(offset) + n
	if end > len(m.data) {
		end = len(m.data)
	}
	return m.data[offset:end]
}

// FlushQueues implements interfaces.BlockDevice.
func (m *MockBlockDevice) FlushQueues() {
	m.mu.Lock()
	m.FlushCalls++
	m.mu.Unlock()
}

// SectorSize implements interfaces.BlockDevice.
func (m *MockBlockDevice) SectorSize() int { return m.sz }

// Close implements interfaces.BlockDevice.
func (m *MockBlockDevice) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// CallCounts returns the number of times each operation has been
// submitted, for test assertions.
func (m *MockBlockDevice) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{"read": m.ReadCalls, "write": m.WriteCalls, "flush": m.FlushCalls}
}

type mockErr string

func (e mockErr) Error() string { return string(e) }

const errClosed = mockErr("xfsjournal: mock device closed")

// mockPage is the concrete interfaces.Page used by MockPageStore.
type mockPage struct {
	mu       sync.Mutex
	data     []byte
	uptodate bool
}

func (p *mockPage) Address() []byte    { return p.data }
func (p *mockPage) Uptodate() bool     { return p.uptodate }
func (p *mockPage) SetUptodate(v bool) { p.uptodate = v }

// MockPageStore is a call-counted interfaces.PageStore backing store,
// for tests asserting on page lifecycle traffic rather than just
// needing pages to exist (internal/pagestore.Store already covers the
// latter).
type MockPageStore struct {
	mu    sync.Mutex
	pages map[[2]int64]*mockPage

	FindCalls    int
	ReleaseCalls int
	AccessCalls  int
}

// NewMockPageStore creates an empty mock page store.
func NewMockPageStore() *MockPageStore {
	return &MockPageStore{pages: make(map[[2]int64]*mockPage)}
}

func (s *MockPageStore) key(device uint64, index int64) [2]int64 {
	return [2]int64{int64(device), index}
}

// FindOrCreatePage implements interfaces.PageStore.
func (s *MockPageStore) FindOrCreatePage(device uint64, index int64) (interfaces.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FindCalls++
	k := s.key(device, index)
	p, ok := s.pages[k]
	if !ok {
		p = &mockPage{data: make([]byte, 4096)}
		s.pages[k] = p
	}
	return p, nil
}

// ReleasePage implements interfaces.PageStore.
func (s *MockPageStore) ReleasePage(device uint64, index int64, page interfaces.Page) {
	s.mu.Lock()
	s.ReleaseCalls++
	s.mu.Unlock()
}

// LockPage implements interfaces.PageStore.
func (s *MockPageStore) LockPage(page interfaces.Page) { page.(*mockPage).mu.Lock() }

// UnlockPage implements interfaces.PageStore.
func (s *MockPageStore) UnlockPage(page interfaces.Page) { page.(*mockPage).mu.Unlock() }

// MarkAccessed implements interfaces.PageStore.
func (s *MockPageStore) MarkAccessed(interfaces.Page) {
	s.mu.Lock()
	s.AccessCalls++
	s.mu.Unlock()
}

// Compile-time interface checks.
var (
	_ interfaces.BlockDevice = (*MockBlockDevice)(nil)
	_ interfaces.PageStore   = (*MockPageStore)(nil)
)
