package blobstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/shindo/eblob/lookup"
	"github.com/shindo/eblob/record"
)

const keySize = 4

func key(n int) []byte {
	return []byte(fmt.Sprintf("%04d", n))
}

func writeUnsortedIndex(t *testing.T, path string, dcs []record.DC) {
	t.Helper()
	recSize := record.Size(keySize)
	buf := make([]byte, recSize*len(dcs))
	for i, dc := range dcs {
		if err := record.Encode(buf[i*recSize:(i+1)*recSize], &dc); err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestStoreOpenCloseLookupRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(nil, WithKeySize(keySize), WithIndexBlockSize(4), WithBaseDir(dir))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	indexPath := filepath.Join(dir, "0.index")
	writeUnsortedIndex(t, indexPath, []record.DC{
		{Key: key(3), Position: 3, DataSize: 1, DiskSize: 1},
		{Key: key(1), Position: 1, DataSize: 1, DiskSize: 1},
		{Key: key(2), Position: 2, DataSize: 1, DiskSize: 1},
	})

	base := store.OpenBase(0)
	if err := store.CloseBase(base, indexPath, -1, nil); err != nil {
		t.Fatalf("CloseBase: %v", err)
	}

	res, err := store.Lookup(key(2), nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.DataOffset != 2 {
		t.Fatalf("DataOffset = %d, want 2", res.DataOffset)
	}
}

func TestStoreLookupMissBeforeAnyBaseClosed(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(nil, WithKeySize(keySize))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = store.OpenBase(0) // open but never closed: no sorted index published

	_, err = store.Lookup(key(1), nil)
	if !errors.Is(err, lookup.ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
	_ = dir
}

func TestStoreNewestBaseWinsAcrossCloses(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(nil, WithKeySize(keySize), WithIndexBlockSize(4))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	olderPath := filepath.Join(dir, "0.index")
	writeUnsortedIndex(t, olderPath, []record.DC{
		{Key: key(5), Position: 500, DataSize: 1, DiskSize: 1},
	})
	olderBase := store.OpenBase(0)
	if err := store.CloseBase(olderBase, olderPath, -1, nil); err != nil {
		t.Fatalf("CloseBase(older): %v", err)
	}

	newerPath := filepath.Join(dir, "1.index")
	writeUnsortedIndex(t, newerPath, []record.DC{
		{Key: key(5), Position: 999, DataSize: 1, DiskSize: 1},
	})
	newerBase := store.OpenBase(1)
	if err := store.CloseBase(newerBase, newerPath, -1, nil); err != nil {
		t.Fatalf("CloseBase(newer): %v", err)
	}

	res, err := store.Lookup(key(5), nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.DataOffset != 999 {
		t.Fatalf("DataOffset = %d, want 999 (newest base)", res.DataOffset)
	}
}

func TestStoreRetireBaseRemovesItFromLookup(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(nil, WithKeySize(keySize))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	indexPath := filepath.Join(dir, "0.index")
	writeUnsortedIndex(t, indexPath, []record.DC{
		{Key: key(1), Position: 1, DataSize: 1, DiskSize: 1},
	})
	base := store.OpenBase(0)
	if err := store.CloseBase(base, indexPath, -1, nil); err != nil {
		t.Fatalf("CloseBase: %v", err)
	}

	store.RetireBase(base)

	if _, err := store.Lookup(key(1), nil); !errors.Is(err, lookup.ErrMiss) {
		t.Fatalf("expected ErrMiss after retiring the only base, got %v", err)
	}
}
