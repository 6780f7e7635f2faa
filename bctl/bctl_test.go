package bctl

import (
	"sync"
	"testing"
	"time"

	"github.com/shindo/eblob/blockindex"
)

func TestHoldReleaseRoundTrip(t *testing.T) {
	b := New(1)

	if err := b.Hold(); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if b.HoldCount() != 1 {
		t.Fatalf("HoldCount = %d, want 1", b.HoldCount())
	}
	b.Release()
	if b.HoldCount() != 0 {
		t.Fatalf("HoldCount = %d, want 0", b.HoldCount())
	}
}

func TestPublishIsAllOrNothingToReaders(t *testing.T) {
	b := New(1)
	if b.HasSortedIndex() {
		t.Fatal("expected no sorted index before Publish")
	}

	table := &blockindex.Table{}
	b.Publish([]byte("sorted-bytes"), table)

	if !b.HasSortedIndex() {
		t.Fatal("expected sorted index after Publish")
	}
	if b.IndexBlocks() != table {
		t.Fatal("IndexBlocks did not return the published table")
	}
}

func TestInvalidateSignalsRestart(t *testing.T) {
	b := New(1)
	if b.IndexFD() < 0 {
		t.Fatal("fresh BCTL should start valid")
	}

	b.Invalidate()
	if b.IndexFD() >= 0 {
		t.Fatal("expected negative indexFD after Invalidate")
	}
}

func TestRetireFailsHold(t *testing.T) {
	b := New(1)
	b.Retire()

	if err := b.Hold(); err != ErrRetired {
		t.Fatalf("Hold on retired BCTL = %v, want ErrRetired", err)
	}
}

func TestRetireWaitsForOutstandingHolds(t *testing.T) {
	b := New(1)
	if err := b.Hold(); err != nil {
		t.Fatalf("Hold: %v", err)
	}

	retired := make(chan struct{})
	go func() {
		b.Retire()
		close(retired)
	}()

	select {
	case <-retired:
		t.Fatal("Retire returned while a hold was still outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	b.Release()

	select {
	case <-retired:
	case <-time.After(time.Second):
		t.Fatal("Retire did not return after the outstanding hold released")
	}
}

func TestIndexBlocksDestroyPreservesHoldCountAndIndexFD(t *testing.T) {
	b := New(1)
	if err := b.Hold(); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	b.Publish(nil, &blockindex.Table{})

	b.IndexBlocksDestroy()

	if b.IndexBlocks() != nil {
		t.Fatal("expected IndexBlocksDestroy to clear the block table")
	}
	if b.HoldCount() != 1 {
		t.Fatalf("HoldCount = %d, want 1 (untouched by IndexBlocksDestroy)", b.HoldCount())
	}
	if b.IndexFD() < 0 {
		t.Fatal("expected indexFD untouched by IndexBlocksDestroy")
	}
}

func TestConcurrentHoldsDoNotRace(t *testing.T) {
	b := New(1)
	b.Publish([]byte("x"), &blockindex.Table{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Hold(); err != nil {
				return
			}
			_ = b.SortedMmap()
			_ = b.IndexBlocks()
			b.Release()
		}()
	}
	wg.Wait()

	if b.HoldCount() != 0 {
		t.Fatalf("HoldCount = %d, want 0 after all goroutines released", b.HoldCount())
	}
}
