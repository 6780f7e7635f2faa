// Command blobidx is a minimal harness for manually inspecting a base: it
// closes (sorts) an index file and reports whether a given key would be
// found, without running the rest of a full storage engine.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/shindo/eblob/blobstore"
	"github.com/shindo/eblob/lookup"
)

func main() {
	indexPath := flag.String("index", "", "path to the base's unsorted index file")
	keyHex := flag.String("key", "", "key to look up, as a fixed-width string (padded/truncated to -keysize)")
	keySize := flag.Int("keysize", 20, "key width in bytes")
	indexBlockSize := flag.Int("block-size", 40, "DCs per index block")
	flag.Parse()

	if *indexPath == "" || *keyHex == "" {
		fmt.Fprintln(os.Stderr, "usage: blobidx -index <path> -key <key> [-keysize N] [-block-size N]")
		os.Exit(2)
	}

	zl, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("blobidx: logger: %v", err)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	store, err := blobstore.Open(logger,
		blobstore.WithKeySize(*keySize),
		blobstore.WithIndexBlockSize(*indexBlockSize),
	)
	if err != nil {
		logger.Fatalw("open store", "err", err)
	}

	base := store.OpenBase(0)
	if err := store.CloseBase(base, *indexPath, -1, nil); err != nil {
		logger.Fatalw("close base", "err", err)
	}

	key := []byte(*keyHex)
	if len(key) > *keySize {
		key = key[:*keySize]
	} else if len(key) < *keySize {
		padded := make([]byte, *keySize)
		copy(padded, key)
		key = padded
	}

	res, err := store.Lookup(key, nil)
	switch {
	case err == nil:
		fmt.Printf("hit: data_offset=%d index_offset=%d size=%d\n", res.DataOffset, res.IndexOffset, res.Size)
	case errors.Is(err, lookup.ErrMiss):
		fmt.Println("miss")
		os.Exit(1)
	default:
		logger.Fatalw("lookup", "err", err)
	}
}
