// Package transfer implements the worker-pool copy engine that streams
// extents between two backends (spec §4.4). A planner goroutine walks
// the source's extents and pushes COPY/ZERO requests onto a bounded
// queue; a pool of workers, each holding its own clone of both
// backends, drains the queue until every worker has seen its OpStop.
package transfer

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vexxhost/imgio/internal/backend"
)

// DefaultQueueDepth matches spec §4.4's "queue depth = 32 by default".
const DefaultQueueDepth = 32

// Options configures Copy.
type Options struct {
	// Workers caps worker count before the src/dst concurrency limits
	// are applied. Zero selects DefaultWorkers.
	Workers int
	// QueueDepth overrides DefaultQueueDepth when non-zero.
	QueueDepth int
	// Dirty switches the planner to DirtyExtents mode (incremental
	// transfer); Zero/Hole are ignored in that mode.
	Dirty bool
	// Zero controls whether zero extents are written to the
	// destination at all; false assumes the destination already
	// reads as zero. Defaults to true.
	Zero *bool
	// Hole additionally controls whether hole extents specifically
	// are zeroed, for destinations with a backing chain. Defaults to
	// true.
	Hole *bool
	// OnProgress, if set, is called after every completed Request with
	// the number of bytes it moved.
	OnProgress func(n int64)
}

// DefaultWorkers is used when Options.Workers is zero.
const DefaultWorkers = 4

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// Copy plans and executes a full copy (or, with Options.Dirty, an
// incremental copy) from src to dst. It returns the first error
// encountered by the planner or any worker; on error the queue is
// closed so the rest of the pool drains and exits promptly (spec §4.4
// "Error policy").
func Copy(ctx context.Context, src, dst backend.Backend, opts Options) error {
	size, err := src.Size()
	if err != nil {
		return fmt.Errorf("transfer: source size: %w", err)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	workers = clampWorkers(workers, src.MaxReaders(), dst.MaxWriters())

	depth := opts.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	q := newQueue(depth)

	var (
		errOnce sync.Once
		firstErr error
		wg      sync.WaitGroup
	)
	fail := func(err error) {
		if err == nil || err == ErrClosed {
			return
		}
		errOnce.Do(func() {
			firstErr = err
			q.Drop()
		})
	}

	for i := 0; i < workers; i++ {
		srcClone, err := src.Clone()
		if err != nil {
			return fmt.Errorf("transfer: cloning source for worker %d: %w", i, err)
		}
		dstClone, err := dst.Clone()
		if err != nil {
			srcClone.Close()
			return fmt.Errorf("transfer: cloning destination for worker %d: %w", i, err)
		}

		wg.Add(1)
		go func(id int, s, d backend.Backend) {
			defer wg.Done()
			defer s.Close()
			defer d.Close()
			if err := runWorker(ctx, id, s, d, q, opts.OnProgress); err != nil {
				fail(err)
			}
		}(i, srcClone, dstClone)
	}

	planOpts := planOptions{
		Dirty: opts.Dirty,
		Zero:  boolOr(opts.Zero, true),
		Hole:  boolOr(opts.Hole, true),
	}
	if err := plan(src, size, planOpts, q); err != nil {
		fail(err)
	} else {
		for i := 0; i < workers; i++ {
			if err := q.Put(Request{Op: OpStop}); err != nil {
				break
			}
		}
	}
	q.Close()

	wg.Wait()
	return firstErr
}

// clampWorkers applies spec §4.4's "worker count is capped by
// min(max_workers, src.max_readers, dst.max_writers)"; one reader is
// reserved for the planner's own clone, so src's limit (when bounded)
// is reduced by one before the min.
func clampWorkers(want, srcMaxReaders, dstMaxWriters int) int {
	n := want
	if srcMaxReaders > 0 {
		if avail := srcMaxReaders - 1; avail < n {
			n = avail
		}
	}
	if dstMaxWriters > 0 && dstMaxWriters < n {
		n = dstMaxWriters
	}
	if n < 1 {
		n = 1
	}
	return n
}

// runWorker drains q until it sees OpStop (or the queue closes),
// executing COPY/ZERO requests against its own clone pair.
func runWorker(ctx context.Context, id int, src, dst backend.Backend, q *queue, onProgress func(int64)) error {
	logger := log.WithField("worker", id)
	buf := make([]byte, bufferSize(src, dst))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := q.Get()
		if err != nil {
			if err == ErrClosed {
				return nil
			}
			return err
		}

		switch req.Op {
		case OpStop:
			if err := dst.Flush(); err != nil {
				return fmt.Errorf("transfer: worker %d flush: %w", id, err)
			}
			return nil
		case OpZero:
			if err := dst.ZeroAt(req.Start, req.Length, true); err != nil {
				return fmt.Errorf("transfer: worker %d zero at %d: %w", id, req.Start, err)
			}
		case OpCopy:
			if err := copyRange(src, dst, req.Start, req.Length, buf); err != nil {
				return fmt.Errorf("transfer: worker %d copy at %d: %w", id, req.Start, err)
			}
		default:
			logger.WithField("op", req.Op).Warn("ignoring unknown request")
			continue
		}

		if onProgress != nil {
			onProgress(req.Length)
		}
	}
}

// bufferSize picks the larger of the two backends' preferred block
// sizes, capped at 32 MiB, or 1 MiB when neither reports one.
func bufferSize(src, dst backend.Backend) int {
	const def = 1024 * 1024
	_, sp, _ := src.BlockSize()
	_, dp, _ := dst.BlockSize()
	size := sp
	if dp > size {
		size = dp
	}
	if size <= 0 {
		size = def
	}
	if size > 32*1024*1024 {
		size = 32 * 1024 * 1024
	}
	return int(size)
}

// copyRange moves [start, start+length) from src to dst, preferring
// dst's StreamReaderFrom then src's StreamWriterTo fast paths before
// falling back to a generic read/write loop through buf (spec §4.4
// worker loop).
func copyRange(src, dst backend.Backend, start, length int64, buf []byte) error {
	if rf, ok := dst.(backend.StreamReaderFrom); ok {
		if _, err := rf.ReadFrom(&rangeReader{b: src, off: start}, start, length, buf); err != nil {
			return err
		}
		return nil
	}
	if wt, ok := src.(backend.StreamWriterTo); ok {
		if _, err := wt.WriteTo(&rangeWriter{b: dst, off: start}, start, length, buf); err != nil {
			return err
		}
		return nil
	}

	remaining := length
	off := start
	for remaining > 0 {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		got, err := src.ReadAt(buf[:n], off)
		if err != nil {
			return fmt.Errorf("reading source: %w", err)
		}
		if _, err := dst.WriteAt(buf[:got], off); err != nil {
			return fmt.Errorf("writing destination: %w", err)
		}
		off += int64(got)
		remaining -= int64(got)
	}
	return nil
}

// rangeReader adapts Backend.ReadAt into an io.Reader that advances
// through b starting at off, for handing to a StreamReaderFrom fast
// path that wants a plain io.Reader.
type rangeReader struct {
	b   backend.Backend
	off int64
}

func (r *rangeReader) Read(p []byte) (int, error) {
	n, err := r.b.ReadAt(p, r.off)
	r.off += int64(n)
	return n, err
}

// rangeWriter is the symmetric adapter for Backend.WriteAt.
type rangeWriter struct {
	b   backend.Backend
	off int64
}

func (w *rangeWriter) Write(p []byte) (int, error) {
	n, err := w.b.WriteAt(p, w.off)
	w.off += int64(n)
	return n, err
}
