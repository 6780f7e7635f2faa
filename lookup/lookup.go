// Package lookup implements the Lookup Coordinator (`disk_index_lookup`):
// it walks an engine's base list newest-to-oldest, holds each BCTL in
// turn, skips bases with no published sorted index, delegates to the
// two-level searcher, and publishes a result descriptor on the first hit.
//
// The request/response shape — a single entrypoint that either succeeds or
// returns a sentinel error, with per-call counters pushed to an injected
// sink — generalizes wal_writer.go's request/done-channel convention from
// an async queued write to a synchronous, directly-called read path.
package lookup

import (
	"errors"

	"github.com/shindo/eblob/bctl"
	"github.com/shindo/eblob/search"
)

// ErrMiss is returned when no base holds a live copy of the key. Callers
// that tolerate absence should check for it with errors.Is.
var ErrMiss = errors.New("lookup: key not found")

// ErrDeadlock is returned when the restart budget (max_tries) is
// exhausted: the base list kept getting invalidated by concurrent
// data-sort faster than the lookup could traverse it.
var ErrDeadlock = errors.New("lookup: retry budget exhausted against concurrent data-sort")

// DefaultMaxTries is spec.md §4.4's max_tries.
const DefaultMaxTries = 10

// StatsSink receives the lookup counters spec.md §6 names (loops, no_sort,
// search_on_disk, bloom_null, found_index_block, no_block, bsearch_reached,
// bsearch_found, additional_reads).
type StatsSink interface {
	Add(counter string, delta uint64)
}

// NopStatsSink discards every counter.
type NopStatsSink struct{}

// Add implements StatsSink.
func (NopStatsSink) Add(string, uint64) {}

// RCTL is the result descriptor returned on a lookup hit.
type RCTL struct {
	// Base is the BCTL the hit was found in. Per spec.md §5, the caller
	// holds this reference only as long as it retains the lookup's hold
	// transitively: Lookup releases its own hold before returning, so a
	// caller that needs the base to stay alive across further work must
	// re-Hold it itself.
	Base *bctl.BCTL

	DataOffset  uint64 // dc.position: offset of the payload in the base's data file
	IndexOffset int64  // hit - mmap_base: byte offset into the sorted index
	Size        uint64 // dc.data_size
}

// Lookup runs spec.md §4.4 against bases, an engine-ordered slice with the
// newest base at index 0. keySize is the backend's key width; maxTries
// bounds the restart budget (DefaultMaxTries if <= 0).
func Lookup(key []byte, bases []*bctl.BCTL, keySize int, maxTries int, stats StatsSink) (RCTL, error) {
	if stats == nil {
		stats = NopStatsSink{}
	}
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}

	tries := 0

restart:
	for _, base := range bases {
		stats.Add("loops", 1)

		if err := base.Hold(); err != nil {
			// The base was retired by a concurrent data-sort between
			// list traversal and hold acquisition (index_fd < 0).
			tries++
			if tries >= maxTries {
				return RCTL{}, ErrDeadlock
			}
			goto restart
		}

		if base.IndexFD() < 0 {
			base.Release()
			tries++
			if tries >= maxTries {
				return RCTL{}, ErrDeadlock
			}
			goto restart
		}

		if !base.HasSortedIndex() {
			// No sorted mmap yet; this base's live keys live in the
			// in-memory index external collaborator.
			stats.Add("no_sort", 1)
			base.Release()
			continue
		}

		res, ok := search.FindOnDisk(base.SortedMmap(), base.IndexBlocks(), keySize, key, search.AcceptLive, stats)
		base.Release()
		if !ok {
			continue
		}

		return RCTL{
			Base:        base,
			DataOffset:  res.DC.Position,
			IndexOffset: res.Offset,
			Size:        res.DC.DataSize,
		}, nil
	}

	return RCTL{}, ErrMiss
}
