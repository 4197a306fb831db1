// Package sstable implements the on-disk sorted table a sealed memtable is
// flushed into: variable-length blocks of prefix-compressed entries, each
// packed up to a maximum size rather than padded out to a fixed size, a block
// index recording each block's byte range and first key, and a fixed-size
// footer identifying the file and locating the index.
//
// Reads mmap the whole file: the footer and index are tiny and cheap to
// parse on every open, and the data blocks are paged in by the OS on demand
// rather than copied up front.
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/edsrzf/mmap-go"

	"lsmdb/pkg/clock"
	"lsmdb/pkg/config"
	"lsmdb/pkg/dberrors"
	"lsmdb/pkg/memtable"
)

// FileExt is the extension every sstable file carries.
const FileExt = ".kvsst"

// magic identifies a valid footer; an arbitrary constant carried over
// unchanged from the format this package is grounded on.
const magic uint64 = 0x677265676f727968

const footerSize = 48
const entryHeaderSize = 16
const blockIndexEntryFixedSize = 24 // offset, length, entryCount, each uint64

var le = binary.LittleEndian

var zeros [8]byte

// pad returns the number of zero bytes needed to bring n up to the next
// multiple of 8. Unlike a naive `8 - n%8`, which always adds a full 8 bytes
// even when n is already aligned, this returns 0 in that case -- there is no
// on-disk legacy format to stay bug-compatible with here.
func pad(n int) int { return (8 - n%8) % 8 }

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// Path builds a fresh sstable file path under cfg.BaseDir, named from clk.
func Path(cfg config.SSTableConfig, clk *clock.FilenameClock) string {
	name := strconv.FormatInt(clk.NextNanos(), 10) + FileExt
	return filepath.Join(cfg.BaseDir, name)
}

type blockMeta struct {
	offset     uint64
	length     uint64
	entryCount uint64
	firstKey   []byte
}

// Build writes items (already in ascending key order, e.g. from a sealed
// memtable's Sorted method) to path as a new sstable file. maxBlockSize
// bounds each data block's size; a single entry larger than maxBlockSize
// still gets its own, oversized block rather than being rejected.
func Build(items []memtable.Item, path string, maxBlockSize uint64) error {
	if len(items) == 0 {
		return errors.New("sstable: refusing to build an empty table")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("sstable: mkdir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sstable: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	var (
		offset           uint64
		blocks           []blockMeta
		blockBuf         bytes.Buffer
		blockStartOffset uint64
		blockEntryCount  uint64
		blockFirstKey    []byte
		prevKey          []byte
		totalKeyBytes    uint64
		totalValueBytes  uint64
	)

	flushBlock := func() error {
		if blockEntryCount == 0 {
			return nil
		}
		n, err := w.Write(blockBuf.Bytes())
		if err != nil {
			return err
		}
		blocks = append(blocks, blockMeta{
			offset:     blockStartOffset,
			length:     uint64(n),
			entryCount: blockEntryCount,
			firstKey:   blockFirstKey,
		})
		offset += uint64(n)
		blockBuf.Reset()
		blockEntryCount = 0
		prevKey = nil
		blockFirstKey = nil
		return nil
	}

	for _, it := range items {
		prefixLen := 0
		if blockEntryCount > 0 {
			prefixLen = commonPrefixLen(prevKey, it.Key)
		}
		suffix := it.Key[prefixLen:]
		entrySize := entryHeaderSize + len(suffix) + pad(len(suffix)) + len(it.Value) + pad(len(it.Value))

		if blockEntryCount > 0 && uint64(blockBuf.Len())+uint64(entrySize) > maxBlockSize {
			if err := flushBlock(); err != nil {
				return err
			}
			prefixLen = 0
			suffix = it.Key
		}

		if blockEntryCount == 0 {
			blockStartOffset = offset
			blockFirstKey = append([]byte(nil), it.Key...)
		}

		var hdr [entryHeaderSize]byte
		le.PutUint32(hdr[0:4], uint32(prefixLen))
		le.PutUint32(hdr[4:8], uint32(len(suffix)))
		le.PutUint64(hdr[8:16], uint64(len(it.Value)))

		blockBuf.Write(hdr[:])
		blockBuf.Write(suffix)
		blockBuf.Write(zeros[:pad(len(suffix))])
		blockBuf.Write(it.Value)
		blockBuf.Write(zeros[:pad(len(it.Value))])

		blockEntryCount++
		prevKey = it.Key
		totalKeyBytes += uint64(len(it.Key))
		totalValueBytes += uint64(len(it.Value))
	}
	if err := flushBlock(); err != nil {
		return err
	}

	indexOffset := offset
	for _, b := range blocks {
		var meta [blockIndexEntryFixedSize]byte
		le.PutUint64(meta[0:8], b.offset)
		le.PutUint64(meta[8:16], b.length)
		le.PutUint64(meta[16:24], b.entryCount)
		if _, err := w.Write(meta[:]); err != nil {
			return err
		}

		var klen [4]byte
		le.PutUint32(klen[:], uint32(len(b.firstKey)))
		if _, err := w.Write(klen[:]); err != nil {
			return err
		}
		if _, err := w.Write(b.firstKey); err != nil {
			return err
		}
		if _, err := w.Write(zeros[:pad(len(b.firstKey))]); err != nil {
			return err
		}
	}

	var footer [footerSize]byte
	le.PutUint64(footer[0:8], uint64(len(blocks)))
	le.PutUint64(footer[8:16], uint64(len(items)))
	le.PutUint64(footer[16:24], totalKeyBytes)
	le.PutUint64(footer[24:32], totalValueBytes)
	le.PutUint64(footer[32:40], indexOffset)
	le.PutUint64(footer[40:48], magic)
	if _, err := w.Write(footer[:]); err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func parseIndex(idx []byte, blockCount uint64) ([]blockMeta, error) {
	blocks := make([]blockMeta, 0, blockCount)
	off := 0
	for i := uint64(0); i < blockCount; i++ {
		if off+blockIndexEntryFixedSize+4 > len(idx) {
			return nil, fmt.Errorf("sstable: truncated block index")
		}
		o := le.Uint64(idx[off : off+8])
		l := le.Uint64(idx[off+8 : off+16])
		ec := le.Uint64(idx[off+16 : off+24])
		off += blockIndexEntryFixedSize

		klen := le.Uint32(idx[off : off+4])
		off += 4
		if off+int(klen) > len(idx) {
			return nil, fmt.Errorf("sstable: truncated block index key")
		}
		fk := append([]byte(nil), idx[off:off+int(klen)]...)
		off += int(klen) + pad(int(klen))

		blocks = append(blocks, blockMeta{offset: o, length: l, entryCount: ec, firstKey: fk})
	}
	return blocks, nil
}

// scanBlock walks a block's entries in order, rebuilding each full key from
// its stored prefix length and suffix, until it finds key, passes where key
// would be, or exhausts the block.
func scanBlock(data []byte, entryCount uint64, key []byte) ([]byte, bool, error) {
	var cur []byte
	off := 0
	for i := uint64(0); i < entryCount; i++ {
		if off+entryHeaderSize > len(data) {
			return nil, false, fmt.Errorf("sstable: truncated entry header")
		}
		prefixBytes := le.Uint32(data[off : off+4])
		suffixBytes := le.Uint32(data[off+4 : off+8])
		valueBytes := le.Uint64(data[off+8 : off+16])
		off += entryHeaderSize

		if off+int(suffixBytes) > len(data) {
			return nil, false, fmt.Errorf("sstable: truncated entry suffix")
		}
		suffix := data[off : off+int(suffixBytes)]
		off += int(suffixBytes) + pad(int(suffixBytes))

		if uint64(off)+valueBytes > uint64(len(data)) {
			return nil, false, fmt.Errorf("sstable: truncated entry value")
		}
		value := data[off : off+int(valueBytes)]
		off += int(valueBytes) + pad(int(valueBytes))

		full := make([]byte, 0, int(prefixBytes)+len(suffix))
		full = append(full, cur[:prefixBytes]...)
		full = append(full, suffix...)
		cur = full

		switch bytes.Compare(full, key) {
		case 0:
			return append([]byte(nil), value...), true, nil
		case 1:
			return nil, false, nil
		}
	}
	return nil, false, nil
}

// Get opens path, mmaps it, and looks up key. A missing key is reported as
// (nil, false, nil); only I/O and format errors return a non-nil error.
func Get(path string, key []byte) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("sstable file vanished between discovery and open", "component", "sstable", "path", path)
		}
		return nil, false, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	size := fi.Size()
	if size < footerSize {
		slog.Error("sstable too small to carry a valid footer", "component", "sstable", "path", path, "size", size)
		return nil, false, dberrors.ErrBadMagic
	}

	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, false, err
	}
	defer mm.Unmap()

	footer := mm[size-footerSize:]
	blockCount := le.Uint64(footer[0:8])
	indexOffset := le.Uint64(footer[32:40])
	gotMagic := le.Uint64(footer[40:48])
	if gotMagic != magic {
		slog.Error("sstable magic mismatch", "component", "sstable", "path", path)
		return nil, false, dberrors.ErrBadMagic
	}

	idx := mm[indexOffset : size-footerSize]
	blocks, err := parseIndex(idx, blockCount)
	if err != nil {
		return nil, false, err
	}
	if len(blocks) == 0 {
		return nil, false, nil
	}

	lo, hi, target := 0, len(blocks)-1, -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if bytes.Compare(blocks[mid].firstKey, key) <= 0 {
			target = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if target == -1 {
		return nil, false, nil
	}

	b := blocks[target]
	data := mm[b.offset : b.offset+b.length]
	return scanBlock(data, b.entryCount, key)
}

// ListFiles returns sstable file paths under dir. Order is not meaningful;
// callers order by the embedded nanosecond timestamp in the filename.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != FileExt {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}
