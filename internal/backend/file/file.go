// Package file implements a direct-I/O (O_DIRECT) backend over a regular
// file or a block device.
package file

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/vexxhost/imgio/internal/backend"
	"github.com/vexxhost/imgio/internal/extent"
)

func init() {
	backend.Register("file", open)
}

const defaultMaxConnections = 8

func open(u *url.URL, opts backend.OpenOptions) (backend.Backend, error) {
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	maxConns := opts.MaxConnections
	if maxConns <= 0 {
		maxConns = defaultMaxConnections
	}
	return Open(path, opts.Writable, opts.Sparse, maxConns)
}

// Backend is a direct-I/O file or block-device backend.
type Backend struct {
	f    *os.File
	path string

	isBlock   bool
	writable  bool
	sparse    bool
	blockSize int64

	maxConnections int

	canZeroRange  bool
	canPunchHole  bool
	canFallocate  bool

	log *log.Entry
}

// Open opens path for direct I/O. writable requests read-write access;
// sparse, when true, asks ZeroAt to deallocate storage (punch holes)
// rather than merely write zeros. maxConnections bounds MaxReaders (and,
// for a regular file, is irrelevant to MaxWriters, which is always 1).
func Open(path string, writable, sparse bool, maxConnections int) (*Backend, error) {
	flags := unix.O_DIRECT
	if writable {
		flags |= os.O_RDWR
	} else {
		flags |= os.O_RDONLY
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("file: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("file: stat %s: %w", path, err)
	}

	b := &Backend{
		f:              f,
		path:           path,
		isBlock:        fi.Mode()&os.ModeDevice != 0,
		writable:       writable,
		sparse:         sparse,
		maxConnections: maxConnections,
		canZeroRange:   true,
		canPunchHole:   true,
		canFallocate:   true,
		log:            log.WithField("path", path),
	}

	if b.isBlock {
		b.blockSize = blockDeviceLogicalBlockSize(f)
	} else {
		bs, err := detectBlockSize(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		b.blockSize = bs
	}

	b.log.WithFields(log.Fields{"block": b.isBlock, "block_size": b.blockSize}).Debug("opened file backend")
	return b, nil
}

// blockDeviceLogicalBlockSize probes BLKSSZGET, falling back to 512.
func blockDeviceLogicalBlockSize(f *os.File) int64 {
	sz, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil || sz <= 0 {
		return 512
	}
	return int64(sz)
}

// detectBlockSize finds the smallest of (1, 512, 4096) that direct I/O
// will accept for a read at offset 0, falling back to 4096 when none of
// them can be determined (e.g. a sparse file with no allocated blocks on
// a filesystem that rejects O_DIRECT reads from a hole).
func detectBlockSize(f *os.File) (int64, error) {
	for _, bs := range []int64{1, 512, 4096} {
		buf := alignedBuffer(int(bs), bs)
		_, err := f.ReadAt(buf, 0)
		if err != nil && !isShortOrEOF(err) {
			if errno, ok := asErrno(err); ok && errno == unix.EINVAL {
				continue
			}
			return 0, fmt.Errorf("file: probing block size: %w", err)
		}
		if bs == 1 {
			// A working 1-byte direct read tells us nothing useful;
			// fall back to the common default instead of using it.
			return 4096, nil
		}
		return bs, nil
	}
	return 4096, nil
}

func asErrno(err error) (unix.Errno, bool) {
	for {
		if errno, ok := err.(unix.Errno); ok {
			return errno, true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return 0, false
		}
		err = u.Unwrap()
		if err == nil {
			return 0, false
		}
	}
}

// alignedBuffer returns a slice of size bytes whose starting address is
// aligned to align bytes, as required by O_DIRECT. align must be a power
// of two.
func alignedBuffer(size int, align int64) []byte {
	if align <= 1 {
		return make([]byte, size)
	}
	buf := make([]byte, size+int(align))
	addr := uintptr(unsafe.Pointer(&buf[0]))
	offset := 0
	if rem := addr % uintptr(align); rem != 0 {
		offset = int(uintptr(align) - rem)
	}
	return buf[offset : offset+size]
}

func (b *Backend) aligned(n int64) bool {
	return n&(b.blockSize-1) == 0
}

func (b *Backend) Size() (int64, error) {
	fi, err := b.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (b *Backend) BlockSize() (minimum, preferred, maximum int64) {
	return b.blockSize, b.blockSize, 32 * 1024 * 1024
}

func (b *Backend) Readable() bool { return true }
func (b *Backend) Writable() bool { return b.writable }

// ReadAt reads len(p) bytes at off, performing the whole transfer through
// an aligned bounce buffer if either off or len(p) is not block-size
// aligned.
func (b *Backend) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if b.aligned(off) && b.aligned(int64(len(p))) {
		return b.f.ReadAt(p, off)
	}

	start := alignDown(off, b.blockSize)
	end := alignUp(off+int64(len(p)), b.blockSize)
	buf := alignedBuffer(int(end-start), b.blockSize)
	if _, err := b.f.ReadAt(buf, start); err != nil {
		return 0, err
	}
	copy(p, buf[off-start:])
	return len(p), nil
}

// WriteAt writes len(p) bytes at off. Unaligned writes are handled with a
// read-modify-write of the whole block-aligned span covering the range.
func (b *Backend) WriteAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if !b.writable {
		return 0, backend.ErrReadOnly
	}
	if b.aligned(off) && b.aligned(int64(len(p))) {
		return b.f.WriteAt(p, off)
	}
	return b.writeUnaligned(p, off)
}

func (b *Backend) writeUnaligned(p []byte, off int64) (int, error) {
	start := alignDown(off, b.blockSize)
	end := alignUp(off+int64(len(p)), b.blockSize)
	buf := alignedBuffer(int(end-start), b.blockSize)

	if _, err := b.f.ReadAt(buf, start); err != nil && !isShortOrEOF(err) {
		return 0, err
	}
	copy(buf[off-start:], p)
	if _, err := b.f.WriteAt(buf, start); err != nil {
		return 0, err
	}
	return len(p), nil
}

func isShortOrEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

func alignDown(n, align int64) int64 { return n - n%align }
func alignUp(n, align int64) int64 {
	if r := n % align; r != 0 {
		return n + (align - r)
	}
	return n
}

// ZeroAt zeroes [off, off+length). It tries, in order, FALLOC_FL_ZERO_RANGE,
// FALLOC_FL_PUNCH_HOLE (if sparse/punchHole), then falls back to BLKZEROOUT
// on a block device or a manual zero-fill write, latching which modes are
// unsupported so later calls skip straight to a working one.
func (b *Backend) ZeroAt(off, length int64, punchHole bool) error {
	if length == 0 {
		return nil
	}
	if !b.writable {
		return backend.ErrReadOnly
	}

	if !b.aligned(off) || !b.aligned(length) {
		buf := make([]byte, length)
		_, err := b.WriteAt(buf, off)
		return err
	}

	if b.canZeroRange {
		if err := unix.Fallocate(int(b.f.Fd()), unix.FALLOC_FL_ZERO_RANGE, off, length); err == nil {
			return nil
		} else if err != unix.EOPNOTSUPP && err != unix.ENODEV {
			return fmt.Errorf("file: fallocate zero-range: %w", err)
		}
		b.canZeroRange = false
		b.log.Debug("FALLOC_FL_ZERO_RANGE not supported, falling back")
	}

	if b.isBlock {
		return b.blkZeroOut(off, length)
	}

	if (punchHole || b.sparse) && b.canPunchHole && b.canFallocate {
		mode := unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE
		if err := unix.Fallocate(int(b.f.Fd()), uint32(mode), off, length); err == nil {
			return nil
		} else if err == unix.EOPNOTSUPP {
			b.canPunchHole = false
		} else {
			return fmt.Errorf("file: fallocate punch-hole: %w", err)
		}
	}

	return b.writeZeros(off, length)
}

// blkZeroOut issues the BLKZEROOUT ioctl, which takes a [2]uint64{start,
// length} range; golang.org/x/sys/unix has no typed helper for it, so the
// range is passed directly through the raw syscall.
func (b *Backend) blkZeroOut(off, length int64) error {
	rng := [2]uint64{uint64(off), uint64(length)}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.f.Fd()), unix.BLKZEROOUT, uintptr(unsafe.Pointer(&rng)))
	if errno != 0 {
		return b.writeZeros(off, length)
	}
	return nil
}

func (b *Backend) writeZeros(off, length int64) error {
	const step = 1024 * 1024
	bufSize := step
	if length < int64(bufSize) {
		bufSize = int(length)
	}
	buf := alignedBuffer(bufSize, b.blockSize)
	for length > 0 {
		n := int64(len(buf))
		if n > length {
			n = length
		}
		if _, err := b.WriteAt(buf[:n], off); err != nil {
			return err
		}
		off += n
		length -= n
	}
	return nil
}

func (b *Backend) Flush() error {
	if err := unix.Fsync(int(b.f.Fd())); err != nil {
		return fmt.Errorf("file: fsync: %w", err)
	}
	return nil
}

// Extents reports allocation status using SEEK_DATA/SEEK_HOLE, which is
// more informative than assuming the whole file is allocated.
func (b *Backend) Extents(off, length int64) ([]extent.ZeroExtent, error) {
	size, err := b.Size()
	if err != nil {
		return nil, err
	}
	end := off + length
	if end > size {
		end = size
	}

	var out []extent.ZeroExtent
	pos := off
	for pos < end {
		dataStart, err := unix.Seek(int(b.f.Fd()), pos, unix.SEEK_DATA)
		if err != nil {
			if errno, ok := err.(unix.Errno); ok && errno == unix.ENXIO {
				// No more data; the rest of the range is a hole.
				out = appendZero(out, extent.ZeroExtent{Start: pos, Length: end - pos, Zero: true, Hole: true})
				break
			}
			return nil, fmt.Errorf("file: SEEK_DATA: %w", err)
		}
		if dataStart > pos {
			if dataStart > end {
				dataStart = end
			}
			out = appendZero(out, extent.ZeroExtent{Start: pos, Length: dataStart - pos, Zero: true, Hole: true})
			pos = dataStart
			if pos >= end {
				break
			}
		}

		holeStart, err := unix.Seek(int(b.f.Fd()), pos, unix.SEEK_HOLE)
		if err != nil {
			return nil, fmt.Errorf("file: SEEK_HOLE: %w", err)
		}
		if holeStart > end {
			holeStart = end
		}
		out = appendZero(out, extent.ZeroExtent{Start: pos, Length: holeStart - pos})
		pos = holeStart
	}

	if _, err := b.f.Seek(0, os.SEEK_SET); err != nil {
		return nil, err
	}
	return extent.Coalesce(out), nil
}

func appendZero(out []extent.ZeroExtent, e extent.ZeroExtent) []extent.ZeroExtent {
	if e.Length <= 0 {
		return out
	}
	return append(out, e)
}

func (b *Backend) MaxReaders() int { return b.maxConnections }

func (b *Backend) MaxWriters() int {
	if b.isBlock {
		return b.maxConnections
	}
	// Zeroing/trimming a growable image format assumes a single writer.
	return 1
}

// Clone reopens the same path for another worker goroutine, carrying
// forward the capability flags already latched on this Backend.
func (b *Backend) Clone() (backend.Backend, error) {
	clone, err := Open(b.path, b.writable, b.sparse, b.maxConnections)
	if err != nil {
		return nil, err
	}
	clone.canZeroRange = b.canZeroRange
	clone.canPunchHole = b.canPunchHole
	clone.canFallocate = b.canFallocate
	return clone, nil
}

func (b *Backend) Close() error {
	return b.f.Close()
}
