// Package backend defines the storage-agnostic contract every transfer
// endpoint (a local file/block device, a raw NBD export, or an HTTP
// data-plane peer) implements, plus a URL-scheme registry used to connect
// one from a string.
package backend

import (
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/vexxhost/imgio/internal/extent"
)

// Sentinel errors every backend implementation should return via
// errors.Is where applicable.
var (
	ErrClosed       = errors.New("backend: closed")
	ErrReadOnly     = errors.New("backend: read-only")
	ErrUnsupported  = errors.New("backend: operation not supported")
	ErrOutOfRange   = errors.New("backend: offset/length out of range")
)

// Backend is the uniform interface the transfer engine drives. Every
// method must be safe to call from the goroutine that owns this Backend
// value; concurrent use across goroutines requires Clone.
type Backend interface {
	// Size returns the backend's logical size in bytes.
	Size() (int64, error)

	// BlockSize returns the (minimum, preferred, maximum) I/O granularity
	// the backend prefers. Callers should align requests to preferred
	// when possible, but minimum is the hard constraint.
	BlockSize() (minimum, preferred, maximum int64)

	Readable() bool
	Writable() bool

	// ReadAt/WriteAt behave like io.ReaderAt/io.WriterAt: they read or
	// write exactly len(p) bytes at off, or return a non-nil error.
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)

	// ZeroAt writes length zero bytes at off. When punchHole is true the
	// backend may (but need not) deallocate storage for the range.
	ZeroAt(off, length int64, punchHole bool) error

	// Flush ensures previously written data is durable.
	Flush() error

	// Extents reports allocation status for [off, off+length).
	Extents(off, length int64) ([]extent.ZeroExtent, error)

	// MaxReaders/MaxWriters bound how many clones may concurrently read
	// or write this backend; 0 means unlimited.
	MaxReaders() int
	MaxWriters() int

	// Clone returns an independent Backend bound to the same underlying
	// resource, for use by another worker goroutine. Closing a clone
	// must not affect its siblings or the parent.
	Clone() (Backend, error)

	Close() error
}

// DirtyExtents is an optional Backend capability for reporting a dirty
// bitmap (NBD qemu:dirty-bitmap:* relayed over NBD or HTTP). The
// capability set a Backend exposes is open-ended, so the transfer
// planner and the data server discover it with a type assertion rather
// than requiring every Backend to implement it (Design Notes "Dynamic
// dispatch on backend").
type DirtyExtents interface {
	DirtyExtents(off, length int64) ([]extent.DirtyExtent, error)
}

// StreamReaderFrom is an optional fast path: a Backend that can consume
// an external io.Reader directly (e.g. HTTP PUT body streamed straight
// from the source) instead of bouncing through a caller-supplied buffer.
type StreamReaderFrom interface {
	ReadFrom(src io.Reader, off, length int64, buf []byte) (int64, error)
}

// StreamWriterTo is the symmetric fast path for writing a Backend's
// content directly into an external io.Writer (e.g. an HTTP GET body).
type StreamWriterTo interface {
	WriteTo(dst io.Writer, off, length int64, buf []byte) (int64, error)
}

// OpenOptions carry the per-ticket settings a scheme opener needs:
// whether write access is requested, whether zeroing may deallocate,
// and whether a dirty bitmap should be negotiated. The zero value opens
// read-only with no dirty context, which is what ad-hoc inspection
// (imgio-map) wants.
type OpenOptions struct {
	Writable bool
	Sparse   bool
	Dirty    bool
	// MaxConnections bounds how many concurrent handles (clones) the
	// backend should allow; 0 lets the opener pick its own default.
	MaxConnections int
}

// Opener connects a Backend for a parsed URL. Concrete backend packages
// register one under their scheme(s) via Register.
type Opener func(u *url.URL, opts OpenOptions) (Backend, error)

var openers = map[string]Opener{}

// Register associates a URL scheme with an Opener. It panics on a
// duplicate registration, since that can only be a programming error.
func Register(scheme string, open Opener) {
	if _, exists := openers[scheme]; exists {
		panic(fmt.Sprintf("backend: scheme %q already registered", scheme))
	}
	openers[scheme] = open
}

// Open connects rawURL read-only with default options; see OpenWith.
func Open(rawURL string) (Backend, error) {
	return OpenWith(rawURL, OpenOptions{})
}

// OpenWith parses rawURL and dispatches to the Opener registered for its
// scheme (file, nbd, nbd+unix, https, http), passing opts through so a
// ticket's writable/sparse/dirty settings reach the backend.
func OpenWith(rawURL string, opts OpenOptions) (Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("backend: parsing %q: %w", rawURL, err)
	}
	open, ok := openers[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("backend: no backend registered for scheme %q", u.Scheme)
	}
	return open(u, opts)
}
