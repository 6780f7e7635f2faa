// Package blockindex builds the in-memory Block Table over a base's sorted
// index: the summary structure the two-level searcher uses to narrow a
// lookup down to a contiguous run of DCs before it binary-searches.
//
// The build walks the sorted index once, in file order, the way
// sst/writer.go's diskSSTWriter.Write/recordIndex accumulates index entries
// block by block while scanning input records, generalized here from
// variable-length SST entries to fixed-width DCs and from a single
// whole-file Bloom to one Bloom slot per block.
package blockindex

import (
	"errors"
	"fmt"

	"github.com/shindo/eblob/bloom"
	"github.com/shindo/eblob/record"
	"go.uber.org/zap"
)

// Block is the in-memory summary of one contiguous run of DCs in the sorted
// index.
type Block struct {
	StartKey    []byte
	EndKey      []byte
	StartOffset int64 // byte offset of the block's first DC
	EndOffset   int64 // byte offset one past the block's last DC
}

// Config carries the backend tunables the builder needs.
type Config struct {
	KeySize               int
	IndexBlockSize        int
	IndexBlockBloomLength uint
	CorruptMax            int // EBLOB_BLOB_INDEX_CORRUPT_MAX
}

// CheckRecordFunc validates a decoded DC's structural sanity against the
// base's data file bounds. The implementer supplies this; a DefaultCheckRecord
// is provided for the common case.
type CheckRecordFunc func(dc record.DC, dataFileSize int64) error

// ErrCorruptIndex is returned when block-table construction must abort:
// either the corruption threshold was exceeded, or a DC that would have
// anchored a block's start_key/end_key failed validation.
var ErrCorruptIndex = errors.New("blockindex: index corruption exceeds recoverable threshold")

// Table is the populated Block Table plus the Bloom filter built alongside
// it, and the bookkeeping counters SPEC_FULL.md §6 names as stats.
type Table struct {
	Blocks []Block
	Bloom  *bloom.Filter

	KeySize        int
	IndexBlockSize int

	CorruptEntries uint64
	RecordsRemoved uint64
	RemovedSize    uint64
}

// NumRecords returns how many DCs the sorted index sized contains (the
// source slice length divided by the DC encoding size).
func NumRecords(sortedIndex []byte, keySize int) int {
	recSize := record.Size(keySize)
	if recSize <= 0 {
		return 0
	}
	return len(sortedIndex) / recSize
}

// DefaultCheckRecord validates disk_size >= data_size and that [position,
// position+data_size) falls within the data file.
func DefaultCheckRecord(dc record.DC, dataFileSize int64) error {
	if dc.DiskSize < dc.DataSize {
		return fmt.Errorf("blockindex: disk_size %d < data_size %d", dc.DiskSize, dc.DataSize)
	}

	if dataFileSize < 0 {
		return nil // data file bounds unknown (e.g. in tests) — skip that check
	}

	end := int64(dc.Position) + int64(dc.DataSize)
	if int64(dc.Position) < 0 || end < int64(dc.Position) || end > dataFileSize {
		return fmt.Errorf("blockindex: position %d + data_size %d out of data-file bounds [0, %d)", dc.Position, dc.DataSize, dataFileSize)
	}

	return nil
}

// Build walks sortedIndex (the mmap'd, already key-sorted content of a
// base's index file) once and produces its Block Table and Bloom filter.
//
// dataFileSize bounds position/data_size validation; pass -1 to skip that
// bounds check (tests that synthesize DCs with no backing data file). check
// defaults to DefaultCheckRecord when nil. A nil logger is replaced with a
// no-op logger.
func Build(sortedIndex []byte, dataFileSize int64, cfg Config, check CheckRecordFunc, log *zap.SugaredLogger) (*Table, error) {
	if check == nil {
		check = DefaultCheckRecord
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.IndexBlockSize < 1 {
		return nil, fmt.Errorf("blockindex: IndexBlockSize must be >= 1, got %d", cfg.IndexBlockSize)
	}

	recSize := record.Size(cfg.KeySize)
	totalRecords := NumRecords(sortedIndex, cfg.KeySize)

	numBlocksForSizing := (totalRecords + cfg.IndexBlockSize - 1) / cfg.IndexBlockSize
	sizing := bloom.Size(uint64(totalRecords), numBlocksForSizing, cfg.IndexBlockBloomLength)

	allocBlocks := numBlocksForSizing
	if allocBlocks < 1 {
		allocBlocks = 1
	}
	filter := bloom.New(allocBlocks, sizing)

	table := &Table{
		Bloom:          filter,
		KeySize:        cfg.KeySize,
		IndexBlockSize: cfg.IndexBlockSize,
	}

	if totalRecords == 0 {
		return table, nil
	}

	table.Blocks = make([]Block, 0, numBlocksForSizing)

	recordIdx := 0
	blockID := 0

	for recordIdx < totalRecords {
		block := Block{StartOffset: int64(recordIdx) * int64(recSize)}
		var lastGoodKey []byte

		for i := 0; i < cfg.IndexBlockSize && recordIdx < totalRecords; i++ {
			off := recordIdx * recSize
			dc, err := record.Decode(sortedIndex[off:off+recSize], cfg.KeySize)
			if err == nil {
				err = check(dc, dataFileSize)
			}

			if err != nil {
				table.CorruptEntries++

				isBoundary := i == 0 || i == cfg.IndexBlockSize-1 || recordIdx+1 == totalRecords
				if int(table.CorruptEntries) > cfg.CorruptMax || isBoundary {
					log.Warnw("index: too many or boundary index corruptions, cannot continue",
						"corrupted", table.CorruptEntries, "offset", off, "err", err)
					log.Warnw("index: running a data-sort / merge on this base should help")
					return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
				}

				recordIdx++
				continue
			}

			if i == 0 {
				block.StartKey = append([]byte(nil), dc.Key...)
			}

			if dc.Removed() {
				table.RecordsRemoved++
				table.RemovedSize += dc.DiskSize
			} else {
				filter.Insert(blockID, dc.Key)
			}

			lastGoodKey = append([]byte(nil), dc.Key...)
			recordIdx++
		}

		block.EndOffset = int64(recordIdx) * int64(recSize)
		block.EndKey = lastGoodKey
		table.Blocks = append(table.Blocks, block)
		blockID++
	}

	return table, nil
}
