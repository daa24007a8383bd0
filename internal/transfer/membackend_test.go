package transfer

import (
	"sync"

	"github.com/vexxhost/imgio/internal/backend"
	"github.com/vexxhost/imgio/internal/extent"
)

// memBackend is a minimal in-memory backend.Backend used to exercise the
// planner and engine without touching a real file or NBD export. Extents
// are computed on the fly by scanning for runs of zero bytes, mirroring
// what the file backend's SEEK_DATA/SEEK_HOLE probing reports logically.
type memBackend struct {
	mu       sync.Mutex
	data     []byte
	closed   bool
	writable bool
	maxR     int
	maxW     int
}

func newMemBackend(size int, writable bool) *memBackend {
	return &memBackend{data: make([]byte, size), writable: writable}
}

func (b *memBackend) Size() (int64, error) { return int64(len(b.data)), nil }
func (b *memBackend) BlockSize() (int64, int64, int64) { return 1, 4096, 0 }
func (b *memBackend) Readable() bool { return true }
func (b *memBackend) Writable() bool { return b.writable }

func (b *memBackend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := copy(p, b.data[off:])
	return n, nil
}

func (b *memBackend) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := copy(b.data[off:], p)
	return n, nil
}

func (b *memBackend) ZeroAt(off, length int64, punchHole bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := off; i < off+length; i++ {
		b.data[i] = 0
	}
	return nil
}

func (b *memBackend) Flush() error { return nil }

func (b *memBackend) Extents(off, length int64) ([]extent.ZeroExtent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []extent.ZeroExtent
	pos := off
	end := off + length
	for pos < end {
		zero := b.data[pos] == 0
		start := pos
		for pos < end && (b.data[pos] == 0) == zero {
			pos++
		}
		out = append(out, extent.ZeroExtent{Start: start, Length: pos - start, Zero: zero})
	}
	return out, nil
}

func (b *memBackend) MaxReaders() int { return b.maxR }
func (b *memBackend) MaxWriters() int { return b.maxW }

func (b *memBackend) Clone() (backend.Backend, error) {
	return b, nil
}

func (b *memBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

var _ backend.Backend = (*memBackend)(nil)
