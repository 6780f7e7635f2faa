// Package sortedindex generates a base's sorted index: the on-disk file the
// two-level searcher requires, produced once by copying the unsorted index,
// sorting it by (key asc, REMOVED desc) in place, and publishing it under an
// atomic rename so a reader never observes a partially-written file.
//
// The mmap/copy/sort/publish sequence follows the teacher's
// segmentmanager/disk.go file-lifecycle idiom (stat, create, rotate-then-
// publish) generalized from an append-only log segment to a whole-file
// rewrite, using golang.org/x/sys/unix for the mmap calls and
// github.com/natefinch/atomic for the crash-safe publish rename.
package sortedindex

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	atomicfile "github.com/natefinch/atomic"
	"golang.org/x/sys/unix"

	"github.com/shindo/eblob/record"
)

// SortedSuffix is appended to an unsorted index's path to name its
// published sorted counterpart.
const SortedSuffix = ".sorted"

// tmpSuffix names the scratch file sorted in place before publish. A stray
// file with this suffix left behind by a crash is safe to delete; Cleanup
// does exactly that on startup.
const tmpSuffix = ".tmp"

// Generate reads the unsorted index at indexPath, sorts a copy of it by
// (key asc, REMOVED desc), and publishes the result at indexPath+SortedSuffix
// via an atomic rename. It returns the published path.
//
// The source file is mapped read-only and never modified; callers may run
// Generate concurrently with readers of the unsorted index.
func Generate(indexPath string, keySize int) (string, error) {
	src, err := os.Open(indexPath)
	if err != nil {
		return "", fmt.Errorf("sortedindex: open %s: %w", indexPath, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("sortedindex: stat %s: %w", indexPath, err)
	}
	size := info.Size()

	recSize := record.Size(keySize)
	if size%int64(recSize) != 0 {
		return "", fmt.Errorf("sortedindex: %s size %d is not a multiple of record size %d", indexPath, size, recSize)
	}

	buf := make([]byte, size)
	if size > 0 {
		mapped, err := unix.Mmap(int(src.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			return "", fmt.Errorf("sortedindex: mmap %s: %w", indexPath, err)
		}
		copy(buf, mapped)
		if err := unix.Munmap(mapped); err != nil {
			return "", fmt.Errorf("sortedindex: munmap %s: %w", indexPath, err)
		}
	}

	sortRecords(buf, keySize)

	tmpPath := indexPath + tmpSuffix
	if err := writeAndSync(tmpPath, buf); err != nil {
		return "", err
	}

	finalPath := indexPath + SortedSuffix
	if err := atomicfile.ReplaceFile(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("sortedindex: publish %s: %w", finalPath, err)
	}

	return finalPath, nil
}

// writeAndSync writes buf to path, truncating any existing file, then syncs
// the file and the mmap mapping used to write it so the publish rename in
// Generate observes durable content.
func writeAndSync(path string, buf []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("sortedindex: create %s: %w", path, err)
	}
	defer f.Close()

	if len(buf) == 0 {
		return nil
	}

	if err := f.Truncate(int64(len(buf))); err != nil {
		return fmt.Errorf("sortedindex: truncate %s: %w", path, err)
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, len(buf), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("sortedindex: mmap %s: %w", path, err)
	}
	copy(mapped, buf)

	if err := unix.Msync(mapped, unix.MS_SYNC); err != nil {
		unix.Munmap(mapped)
		return fmt.Errorf("sortedindex: msync %s: %w", path, err)
	}
	if err := unix.Munmap(mapped); err != nil {
		return fmt.Errorf("sortedindex: munmap %s: %w", path, err)
	}

	return nil
}

// sortRecords sorts the fixed-width DC records packed into buf by
// record.CompareWithFlags, in place.
func sortRecords(buf []byte, keySize int) {
	recSize := record.Size(keySize)
	n := len(buf) / recSize
	if n < 2 {
		return
	}

	rows := make([][]byte, n)
	for i := 0; i < n; i++ {
		rows[i] = buf[i*recSize : (i+1)*recSize]
	}

	sort.Slice(rows, func(i, j int) bool {
		di, _ := record.Decode(rows[i], keySize)
		dj, _ := record.Decode(rows[j], keySize)
		return record.CompareWithFlags(&di, &dj) < 0
	})

	out := make([]byte, len(buf))
	for i, row := range rows {
		copy(out[i*recSize:(i+1)*recSize], row)
	}
	copy(buf, out)
}

// Cleanup removes every regular *.tmp file in dir: the stray scratch files
// (index path + ".tmp") left behind by a process that
// crashed between writing and publishing a sorted index, the way a base
// directory is expected to be swept on startup before any lookups begin.
func Cleanup(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("sortedindex: readdir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), tmpSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("sortedindex: remove stray %s: %w", entry.Name(), err)
		}
	}

	return nil
}
