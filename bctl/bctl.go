// Package bctl implements the Base Control object: the per-base
// coordination point that owns a base's index file descriptor, its
// published sorted mmap, its Block Table and Bloom filter, and the locks
// that let lookups run safely alongside background data-sort operations
// that rebuild and replace bases.
//
// The hold/release reference counting and the registry-entry split between
// an in-process RWMutex (readers vs. writer) and a separate publication
// mutex follow the file-registry discipline in
// calvinalkan-agent-task/pkg/slotcache/lock.go (fileRegistryEntry.mu,
// activeWriter, openCount atomic.Int32), generalized here from a single
// cache file to a base's index/sorted-mmap/block-table triple and from a
// sync.Map-keyed global registry to one BCTL instance per base, owned
// directly by the engine.
package bctl

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/shindo/eblob/blockindex"
)

// ErrRetired is returned by Hold when the BCTL has already been marked
// retired by the engine; the caller must treat this exactly like
// index_fd < 0 in the lookup coordinator (skip or restart).
var ErrRetired = errors.New("bctl: base is retired")

// state is the BCTL's lifecycle stage (spec.md §3, "Lifetime").
type state int

const (
	stateOpen state = iota
	stateClosedSorted
	stateRetired
)

// BCTL is a per-base coordination object. The engine exclusively owns a
// BCTL's lifetime; the block table and Bloom filter are exclusively owned
// by the BCTL and co-live with the sorted mmap.
type BCTL struct {
	// IndexNumber identifies the base within the engine's ordered base
	// list; the Lookup Coordinator scans bases newest-first by this field.
	IndexNumber int

	// indexBlocksLock guards the indexBlocks pointer (the table and its
	// Bloom filter). IndexBlocks holds RLock only while it reads the
	// pointer; the searcher then works on the returned table without this
	// lock, and IndexBlocksDestroy only drops this BCTL's reference to it.
	indexBlocksLock sync.RWMutex
	indexBlocks     *blockindex.Table

	// lock guards sort-mmap publication and destruction/retirement. It is
	// paired with cond for the drain-before-destroy wait described in
	// spec.md §5.
	lock  sync.Mutex
	cond  *sync.Cond
	state state

	// indexFD mirrors the original's fd-as-validity-flag convention: -1
	// means the base was invalidated by a concurrent data-sort. A real
	// deployment would store an *os.File; the core only needs the
	// validity signal, so an int sentinel is enough here too.
	indexFD int

	// sortedMmap is the published, key-sorted view of the index file.
	// nil (equivalently "sort.fd < 0") means no sorted index has been
	// published yet — all of this base's live keys live in the in-memory
	// index external collaborator.
	sortedMmap []byte

	// holdCount is the reference count hold()/release() maintain. Any
	// operation invalidating sortedMmap or indexBlocks must wait for this
	// to reach zero first.
	holdCount atomic.Int32
}

// New creates a BCTL for a freshly opened (not yet closed) base.
func New(indexNumber int) *BCTL {
	b := &BCTL{IndexNumber: indexNumber, indexFD: 0}
	b.cond = sync.NewCond(&b.lock)
	return b
}

// Hold acquires a scoped reference that blocks destructive background
// operations (retirement, republication) until Release is called. It
// returns ErrRetired if the base has already been marked retired — the
// lookup coordinator's equivalent of observing index_fd < 0.
func (b *BCTL) Hold() error {
	b.lock.Lock()
	retired := b.state == stateRetired
	b.lock.Unlock()

	if retired {
		return ErrRetired
	}

	b.holdCount.Add(1)

	// Re-check after incrementing: a retirement that started between the
	// check above and the increment must not leave us holding a base the
	// drain loop has already waited past.
	b.lock.Lock()
	retired = b.state == stateRetired
	b.lock.Unlock()
	if retired {
		b.Release()
		return ErrRetired
	}

	return nil
}

// Release drops a hold acquired by Hold. It wakes any goroutine waiting in
// Retire for holdCount to reach zero.
func (b *BCTL) Release() {
	if b.holdCount.Add(-1) == 0 {
		b.lock.Lock()
		b.cond.Broadcast()
		b.lock.Unlock()
	}
}

// HoldCount reports the current reference count, for tests and stats.
func (b *BCTL) HoldCount() int32 {
	return b.holdCount.Load()
}

// IndexFD reports the base's validity sentinel. A negative value means the
// base was invalidated by a concurrent data-sort; the Lookup Coordinator
// must release its hold and restart.
func (b *BCTL) IndexFD() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.indexFD
}

// Invalidate marks the base invalid the way a concurrent data-sort does
// when it retires the base out from under an in-flight traversal: indexFD
// goes negative but the BCTL is not yet retired/destroyed.
func (b *BCTL) Invalidate() {
	b.lock.Lock()
	b.indexFD = -1
	b.lock.Unlock()
}

// HasSortedIndex reports whether a sorted mmap has been published
// (sort.fd >= 0 in spec.md terms). Call only while holding the BCTL.
func (b *BCTL) HasSortedIndex() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.sortedMmap != nil
}

// SortedMmap returns the published sorted-index bytes, or nil if none has
// been published yet. Call only while holding the BCTL; the returned slice
// is valid for as long as the hold is.
func (b *BCTL) SortedMmap() []byte {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.sortedMmap
}

// IndexBlocks returns the current Block Table (and its Bloom filter), or
// nil if none has been built yet. Call only while holding the BCTL.
func (b *BCTL) IndexBlocks() *blockindex.Table {
	b.indexBlocksLock.RLock()
	defer b.indexBlocksLock.RUnlock()
	return b.indexBlocks
}

// Publish installs a newly generated sorted mmap and its freshly built
// Block Table atomically from a reader's point of view: readers observe
// either the pre-publish state (HasSortedIndex false) or the fully
// published state, never a partial one (spec.md §5).
func (b *BCTL) Publish(mmap []byte, table *blockindex.Table) {
	b.indexBlocksLock.Lock()
	b.indexBlocks = table
	b.indexBlocksLock.Unlock()

	b.lock.Lock()
	b.sortedMmap = mmap
	b.state = stateClosedSorted
	b.lock.Unlock()
}

// IndexBlocksDestroy tears down the Block Table and Bloom filter under the
// writer lock. It intentionally does not touch holdCount or indexFD: the
// original's eblob_index_blocks_destroy frees the block-table and Bloom
// arrays but leaves the BCTL struct itself alive, since the engine owns
// its lifetime separately.
func (b *BCTL) IndexBlocksDestroy() {
	b.indexBlocksLock.Lock()
	b.indexBlocks = nil
	b.indexBlocksLock.Unlock()
}

// Retire marks the base retired, waiting for every outstanding hold to
// drain first. Once Retire returns, Hold always fails with ErrRetired and
// the caller may safely unmap sortedMmap and discard the BCTL.
func (b *BCTL) Retire() {
	b.lock.Lock()
	b.state = stateRetired
	for b.holdCount.Load() > 0 {
		b.cond.Wait()
	}
	b.sortedMmap = nil
	b.indexFD = -1
	b.lock.Unlock()

	b.IndexBlocksDestroy()
}
