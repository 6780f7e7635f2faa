package lookup

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shindo/eblob/bctl"
	"github.com/shindo/eblob/blockindex"
	"github.com/shindo/eblob/record"
)

const keySize = 4

func key(n int) []byte {
	return []byte(fmt.Sprintf("%04d", n))
}

// newBase builds a closed+sorted BCTL from a list of already-sorted DCs
// (test fixtures are written pre-sorted; sortedindex is exercised by its
// own package's tests).
func newBase(t *testing.T, indexNumber int, dcs []record.DC) *bctl.BCTL {
	t.Helper()
	recSize := record.Size(keySize)
	buf := make([]byte, recSize*len(dcs))
	for i, dc := range dcs {
		if err := record.Encode(buf[i*recSize:(i+1)*recSize], &dc); err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
	}

	cfg := blockindex.Config{KeySize: keySize, IndexBlockSize: 4, IndexBlockBloomLength: 64, CorruptMax: 100}
	table, err := blockindex.Build(buf, -1, cfg, nil, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	b := bctl.New(indexNumber)
	b.Publish(buf, table)
	return b
}

func TestLookupTombstoneMasksOlderLive(t *testing.T) {
	newer := newBase(t, 2, []record.DC{
		{Key: key(3), Flags: record.Removed, Position: 30, DataSize: 0, DiskSize: 1},
	})
	older := newBase(t, 1, []record.DC{
		{Key: key(3), Position: 31, DataSize: 1, DiskSize: 1},
	})

	_, err := Lookup(key(3), []*bctl.BCTL{newer, older}, keySize, 0, nil)
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestLookupNewestWins(t *testing.T) {
	newer := newBase(t, 2, []record.DC{
		{Key: key(3), Position: 100, DataSize: 1, DiskSize: 1},
	})
	older := newBase(t, 1, []record.DC{
		{Key: key(3), Position: 200, DataSize: 1, DiskSize: 1},
	})

	res, err := Lookup(key(3), []*bctl.BCTL{newer, older}, keySize, 0, nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.DataOffset != 100 {
		t.Fatalf("DataOffset = %d, want 100 (newest base's copy)", res.DataOffset)
	}
}

func TestLookupSkipsBaseWithNoSortedIndex(t *testing.T) {
	unsorted := bctl.New(2) // never Published: no sorted mmap
	older := newBase(t, 1, []record.DC{
		{Key: key(3), Position: 5, DataSize: 1, DiskSize: 1},
	})

	stats := NewMapStatsSink()
	res, err := Lookup(key(3), []*bctl.BCTL{unsorted, older}, keySize, 0, stats)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.DataOffset != 5 {
		t.Fatalf("DataOffset = %d, want 5", res.DataOffset)
	}
	if stats.Get("no_sort") != 1 {
		t.Fatalf("no_sort = %d, want 1", stats.Get("no_sort"))
	}
}

func TestLookupRestartsOnInvalidatedBase(t *testing.T) {
	base := newBase(t, 1, []record.DC{
		{Key: key(3), Position: 9, DataSize: 1, DiskSize: 1},
	})
	base.Invalidate()

	_, err := Lookup(key(3), []*bctl.BCTL{base}, keySize, 2, nil)
	if !errors.Is(err, ErrDeadlock) {
		t.Fatalf("expected ErrDeadlock once retry budget is exhausted, got %v", err)
	}
}

func TestLookupMissReturnsErrMiss(t *testing.T) {
	base := newBase(t, 1, []record.DC{
		{Key: key(1), Position: 1, DataSize: 1, DiskSize: 1},
	})

	_, err := Lookup(key(9), []*bctl.BCTL{base}, keySize, 0, nil)
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestLookupReleasesHoldsOnEveryPath(t *testing.T) {
	hit := newBase(t, 2, []record.DC{
		{Key: key(3), Position: 1, DataSize: 1, DiskSize: 1},
	})
	miss := newBase(t, 1, []record.DC{
		{Key: key(4), Position: 1, DataSize: 1, DiskSize: 1},
	})

	if _, err := Lookup(key(3), []*bctl.BCTL{hit, miss}, keySize, 0, nil); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit.HoldCount() != 0 || miss.HoldCount() != 0 {
		t.Fatalf("expected every hold released, got hit=%d miss=%d", hit.HoldCount(), miss.HoldCount())
	}

	if _, err := Lookup(key(9), []*bctl.BCTL{hit, miss}, keySize, 0, nil); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
	if hit.HoldCount() != 0 || miss.HoldCount() != 0 {
		t.Fatalf("expected every hold released after a full miss, got hit=%d miss=%d", hit.HoldCount(), miss.HoldCount())
	}
}
