// Package blobstore wires the Sorted-Index Generator, Block Table
// Builder, Bloom filter, Two-Level Searcher and Lookup Coordinator into a
// single engine-facing API: open a base, close it (triggering sort),
// retire it, and look a key up across every open base.
//
// The Store/Config/functional-options shape generalizes main.go's trivial
// DB interface into the real lifecycle operations spec.md §6 names, and
// reuses segmentmanager's functional-options pattern
// (DiskSegmentManagerOption/WithMaxSegmentSize) for Store's own tunables.
package blobstore

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/shindo/eblob/bctl"
	"github.com/shindo/eblob/blockindex"
	"github.com/shindo/eblob/lookup"
	"github.com/shindo/eblob/sortedindex"
)

// Config carries the backend tunables the core's components consume.
type Config struct {
	KeySize               int
	IndexBlockSize        int
	IndexBlockBloomLength uint
	MaxTries              int
	CorruptMax            int

	// BaseDir, if set, is swept for stray sort-publish tmp files on Open.
	BaseDir string
}

// Option configures a Store at construction time.
type Option func(*Config)

// WithKeySize overrides the default key width (20 bytes).
func WithKeySize(n int) Option { return func(c *Config) { c.KeySize = n } }

// WithIndexBlockSize overrides the default DCs-per-block count (40).
func WithIndexBlockSize(n int) Option { return func(c *Config) { c.IndexBlockSize = n } }

// WithIndexBlockBloomLength overrides the size, in bits, of each block's
// Bloom slot (default 64).
func WithIndexBlockBloomLength(bits uint) Option {
	return func(c *Config) { c.IndexBlockBloomLength = bits }
}

// WithMaxTries overrides the restart budget for concurrent-invalidation
// retries during lookup (default 10).
func WithMaxTries(n int) Option { return func(c *Config) { c.MaxTries = n } }

// WithCorruptMax overrides EBLOB_BLOB_INDEX_CORRUPT_MAX (default 100).
func WithCorruptMax(n int) Option { return func(c *Config) { c.CorruptMax = n } }

// WithBaseDir sets the directory Open sweeps for stray sort-publish tmp
// files left by a prior crash.
func WithBaseDir(dir string) Option { return func(c *Config) { c.BaseDir = dir } }

func defaultConfig() Config {
	return Config{
		KeySize:               20,
		IndexBlockSize:        40,
		IndexBlockBloomLength: 64,
		MaxTries:              lookup.DefaultMaxTries,
		CorruptMax:            100,
	}
}

// Store is the top-level engine: an ordered list of bases (newest first)
// plus the config every component shares.
type Store struct {
	mu    sync.Mutex
	cfg   Config
	bases []*bctl.BCTL
	log   *zap.SugaredLogger
}

// Open constructs a Store. A nil logger (the default) is replaced with a
// no-op one; the core never constructs its own logger otherwise.
func Open(log *zap.SugaredLogger, opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	if cfg.BaseDir != "" {
		if err := sortedindex.Cleanup(cfg.BaseDir); err != nil {
			return nil, fmt.Errorf("blobstore: startup cleanup: %w", err)
		}
	}

	return &Store{cfg: cfg, log: log}, nil
}

// OpenBase registers a freshly opened, not-yet-closed base and returns its
// BCTL. Bases must be opened in increasing recency; OpenBase prepends so
// the base list stays newest-first for the Lookup Coordinator.
func (s *Store) OpenBase(indexNumber int) *bctl.BCTL {
	b := bctl.New(indexNumber)

	s.mu.Lock()
	s.bases = append([]*bctl.BCTL{b}, s.bases...)
	s.mu.Unlock()

	return b
}

// CloseBase runs the Sorted-Index Generator against indexPath and, on
// success, builds the Block Table over the result and publishes both to
// base. dataFileSize bounds check's position/data_size validation; check
// defaults to blockindex.DefaultCheckRecord when nil.
//
// On index-corruption failure the base is left with no published sorted
// index — lookups against it fall through to "no_sort" and skip it,
// exactly as spec.md §7 prescribes; CloseBase returns the error for the
// caller to log and act on (e.g. schedule a data-sort / merge).
func (s *Store) CloseBase(base *bctl.BCTL, indexPath string, dataFileSize int64, check blockindex.CheckRecordFunc) error {
	sortedPath, err := sortedindex.Generate(indexPath, s.cfg.KeySize)
	if err != nil {
		return fmt.Errorf("blobstore: generate sorted index: %w", err)
	}

	sortedBytes, err := mmapReadOnly(sortedPath)
	if err != nil {
		return fmt.Errorf("blobstore: map sorted index: %w", err)
	}

	cfg := blockindex.Config{
		KeySize:               s.cfg.KeySize,
		IndexBlockSize:        s.cfg.IndexBlockSize,
		IndexBlockBloomLength: s.cfg.IndexBlockBloomLength,
		CorruptMax:            s.cfg.CorruptMax,
	}

	table, err := blockindex.Build(sortedBytes, dataFileSize, cfg, check, s.log)
	if err != nil {
		s.log.Warnw("blobstore: base closed with no sorted index; lookups will skip it",
			"index_number", base.IndexNumber, "err", err)
		return fmt.Errorf("blobstore: build block table: %w", err)
	}

	base.Publish(sortedBytes, table)
	return nil
}

// RetireBase marks base retired (draining outstanding holds first) and
// removes it from the Store's base list.
func (s *Store) RetireBase(base *bctl.BCTL) {
	base.Retire()

	s.mu.Lock()
	for i, b := range s.bases {
		if b == base {
			s.bases = append(s.bases[:i:i], s.bases[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// Lookup runs the Lookup Coordinator across every currently open base,
// newest first.
func (s *Store) Lookup(key []byte, stats lookup.StatsSink) (lookup.RCTL, error) {
	s.mu.Lock()
	bases := append([]*bctl.BCTL(nil), s.bases...)
	s.mu.Unlock()

	return lookup.Lookup(key, bases, s.cfg.KeySize, s.cfg.MaxTries, stats)
}

// mmapReadOnly maps path's whole content read-only and returns it. The
// backing file descriptor is closed immediately after mmap establishes the
// mapping; the mapping itself remains valid until Munmap, so the BCTL
// holding the returned slice need not keep the file open.
func mmapReadOnly(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		// A non-nil, zero-length slice: HasSortedIndex distinguishes
		// "published but empty" (this) from "never published" (nil).
		return []byte{}, nil
	}

	return unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
}
