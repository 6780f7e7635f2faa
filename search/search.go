// Package search implements the two-level searcher (`find_on_disk`): given
// a base's published Block Table, Bloom filter and sorted mmap, locate the
// accepted DC for a key — or report a miss — without touching anything
// outside the caller's already-held BCTL.
//
// The block-range then intra-block binary search mirrors the ordered
// traversal idiom in memtable/skip_list.go (walk a level, narrow the
// range, descend), generalized from a multi-level in-memory list to a
// two-level on-disk one: block summaries first, then a flat binary search
// over the block's own slice of the sorted index.
package search

import (
	"sort"

	"github.com/shindo/eblob/blockindex"
	"github.com/shindo/eblob/record"
)

// StatsSink receives the per-lookup counters spec.md §6 names. It has the
// same shape as lookup.StatsSink; defined again here (rather than
// imported) so this package has no dependency on lookup, which depends on
// search.
type StatsSink interface {
	Add(counter string, delta uint64)
}

// nopSink discards every counter; used when the caller passes a nil sink.
type nopSink struct{}

func (nopSink) Add(string, uint64) {}

// AcceptFunc decides whether a candidate DC should be returned to the
// caller. The canonical implementation accepts any DC whose REMOVED bit is
// unset.
type AcceptFunc func(dc record.DC) bool

// AcceptLive is the canonical callback: accept any non-tombstone DC.
func AcceptLive(dc record.DC) bool {
	return !dc.Removed()
}

// Result is a hit: the accepted DC and the byte offset into the sorted
// mmap at which it was found.
type Result struct {
	DC     record.DC
	Offset int64
}

// FindOnDisk runs the four-step search described in spec.md §4.3 against
// one base's already-published Block Table and sorted mmap. keySize is the
// backend's key width; accept decides which DC in an equal-key run is
// returned.
func FindOnDisk(mmap []byte, table *blockindex.Table, keySize int, key []byte, accept AcceptFunc, stats StatsSink) (Result, bool) {
	if stats == nil {
		stats = nopSink{}
	}
	stats.Add("search_on_disk", 1)

	if table == nil || len(table.Blocks) == 0 {
		stats.Add("no_block", 1)
		return Result{}, false
	}

	blockID, ok := blockRangeSearch(table.Blocks, key)
	if !ok {
		stats.Add("no_block", 1)
		return Result{}, false
	}
	stats.Add("found_index_block", 1)

	if table.Bloom != nil && !table.Bloom.Contains(blockID, key) {
		stats.Add("bloom_null", 1)
		return Result{}, false
	}

	block := table.Blocks[blockID]
	stats.Add("bsearch_reached", 1)
	hitOffset, ok := intraBlockSearch(mmap, keySize, block, key)
	if !ok {
		return Result{}, false
	}
	stats.Add("bsearch_found", 1)

	return linearExpand(mmap, keySize, hitOffset, key, accept, stats)
}

// blockRangeSearch binary searches blocks for the one whose [start_key,
// end_key] range contains key, per spec.md §4.3 Step 1's range-containment
// predicate. Blocks tile the sorted index without overlap and in
// increasing order, so a manual binary search against the three-way
// predicate below is well-defined even though blocks don't form a total
// order under plain comparison.
func blockRangeSearch(blocks []blockindex.Block, key []byte) (int, bool) {
	lo, hi := 0, len(blocks)-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		b := blocks[mid]

		switch {
		case record.Compare(key, b.StartKey) < 0:
			hi = mid - 1
		case record.Compare(key, b.EndKey) > 0:
			lo = mid + 1
		default:
			return mid, true
		}
	}
	return 0, false
}

// intraBlockSearch binary searches the block's own slice of the sorted
// index by key (primary ordering only — REMOVED is not part of the
// compare here, so an equal-key run is reachable regardless of which copy
// the binary search lands on).
func intraBlockSearch(mmap []byte, keySize int, block blockindex.Block, key []byte) (int64, bool) {
	recSize := record.Size(keySize)
	num := int((block.EndOffset - block.StartOffset) / int64(recSize))

	idx := sort.Search(num, func(i int) bool {
		off := block.StartOffset + int64(i)*int64(recSize)
		dc, _ := record.Decode(mmap[off:off+int64(recSize)], keySize)
		return record.Compare(dc.Key, key) >= 0
	})

	if idx >= num {
		return 0, false
	}

	off := block.StartOffset + int64(idx)*int64(recSize)
	dc, _ := record.Decode(mmap[off:off+int64(recSize)], keySize)
	if record.Compare(dc.Key, key) != 0 {
		return 0, false
	}

	return off, true
}

// linearExpand scans forward then backward from hitOffset over the whole
// sorted index (an equal-key run may straddle a block boundary, since
// blocks tile by record count, not by key), invoking accept on every DC in
// the run until one is accepted.
func linearExpand(mmap []byte, keySize int, hitOffset int64, key []byte, accept AcceptFunc, stats StatsSink) (Result, bool) {
	recSize := record.Size(keySize)

	decode := func(off int64) (record.DC, bool) {
		if off < 0 || off+int64(recSize) > int64(len(mmap)) {
			return record.DC{}, false
		}
		dc, err := record.Decode(mmap[off:off+int64(recSize)], keySize)
		return dc, err == nil
	}

	for off := hitOffset; ; off += int64(recSize) {
		dc, ok := decode(off)
		if !ok || record.Compare(dc.Key, key) != 0 {
			break
		}
		if off != hitOffset {
			stats.Add("additional_reads", 1)
		}
		if accept(dc) {
			return Result{DC: dc.Clone(), Offset: off}, true
		}
	}

	for off := hitOffset - int64(recSize); ; off -= int64(recSize) {
		dc, ok := decode(off)
		if !ok || record.Compare(dc.Key, key) != 0 {
			break
		}
		stats.Add("additional_reads", 1)
		if accept(dc) {
			return Result{DC: dc.Clone(), Offset: off}, true
		}
	}

	return Result{}, false
}
