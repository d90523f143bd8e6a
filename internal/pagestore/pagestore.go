// Package pagestore implements the Page Store Port (§6): an abstract
// byte-addressable paged store keyed by (device, index). It stands in
// for the host page cache the original relies on (out of scope per
// spec.md §1), sharded for parallel access the way the teacher's
// backend/mem.go shards a flat byte array across sync.RWMutex-guarded
// ranges — here sharded by page key instead of byte offset, since
// lookups are keyed by (device, index) rather than a contiguous range.
package pagestore

import (
	"sync"

	"github.com/behrlich/xfsjournal/internal/interfaces"
)

const pageSize = 4096

type key struct {
	device uint64
	index  int64
}

// page is the concrete Page implementation.
type page struct {
	mu       sync.Mutex
	data     [pageSize]byte
	uptodate bool
	refs     int
}

func (p *page) Address() []byte   { return p.data[:] }
func (p *page) Uptodate() bool    { return p.uptodate }
func (p *page) SetUptodate(v bool) { p.uptodate = v }

// Store is an in-memory PageStore. It shards its lock across a fixed
// number of buckets keyed by a hash of (device, index), matching the
// per-bucket spinlock discipline used throughout this codebase rather
// than a single store-wide lock.
type Store struct {
	shards [numShards]shard
}

const numShards = 64

type shard struct {
	mu    sync.Mutex
	pages map[key]*page
}

// New returns an empty page store.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].pages = make(map[key]*page)
	}
	return s
}

func (s *Store) shardFor(k key) *shard {
	h := k.device*1099511628211 ^ uint64(k.index)
	return &s.shards[h%numShards]
}

// FindOrCreatePage implements interfaces.PageStore.
func (s *Store) FindOrCreatePage(device uint64, index int64) (interfaces.Page, error) {
	k := key{device, index}
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	p, ok := sh.pages[k]
	if !ok {
		p = &page{}
		sh.pages[k] = p
	}
	p.refs++
	return p, nil
}

// ReleasePage implements interfaces.PageStore.
func (s *Store) ReleasePage(device uint64, index int64, pg interfaces.Page) {
	k := key{device, index}
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	p, ok := sh.pages[k]
	if !ok || p != pg.(*page) {
		return
	}
	p.refs--
	if p.refs <= 0 {
		delete(sh.pages, k)
	}
}

// LockPage implements interfaces.PageStore.
func (s *Store) LockPage(pg interfaces.Page) { pg.(*page).mu.Lock() }

// UnlockPage implements interfaces.PageStore.
func (s *Store) UnlockPage(pg interfaces.Page) { pg.(*page).mu.Unlock() }

// MarkAccessed implements interfaces.PageStore. The in-memory store
// has no LRU/reclaim policy, so this is a no-op hook kept for parity
// with the port's contract.
func (s *Store) MarkAccessed(interfaces.Page) {}

// PageSize is the fixed page size used by this in-memory store.
const PageSize = pageSize
