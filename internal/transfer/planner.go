package transfer

import (
	"fmt"

	"github.com/vexxhost/imgio/internal/backend"
)

// planOptions governs which extents the planner turns into Requests;
// see plan's doc comment for the exact rules (spec §4.4 "Planner").
type planOptions struct {
	Dirty bool
	Zero  bool
	Hole  bool
}

// plan iterates src's extents and pushes COPY/ZERO Requests onto q,
// splitting any request larger than the per-op cap. It does not enqueue
// OpStop; the caller does that once per worker after plan returns.
//
// For Dirty=false it walks src.Extents("zero"): data extents become
// COPY; zero extents become ZERO unless Zero is false (the destination
// is already known to read as zero), and a hole extent is additionally
// skipped when Hole is false (the destination has a backing chain that
// must supply that range instead of being overwritten with zeros).
//
// For Dirty=true it walks the DirtyExtents capability instead: clean
// ranges are skipped outright (the destination must already reflect
// them), dirty+zero becomes ZERO, dirty+data becomes COPY.
func plan(src backend.Backend, size int64, opts planOptions, q *queue) error {
	if opts.Dirty {
		return planDirty(src, size, q)
	}
	return planZero(src, size, opts, q)
}

func planZero(src backend.Backend, size int64, opts planOptions, q *queue) error {
	exts, err := src.Extents(0, size)
	if err != nil {
		return fmt.Errorf("transfer: planning extents: %w", err)
	}
	for _, e := range exts {
		switch {
		case !e.Zero:
			if err := enqueueSplit(q, OpCopy, e.Start, e.Length, MaxCopySize); err != nil {
				return err
			}
		case !opts.Zero:
			// destination already reads as zero; nothing to do.
		case e.Hole && !opts.Hole:
			// destination's backing chain must supply this range.
		default:
			if err := enqueueSplit(q, OpZero, e.Start, e.Length, MaxZeroSize); err != nil {
				return err
			}
		}
	}
	return nil
}

func planDirty(src backend.Backend, size int64, q *queue) error {
	dirtySrc, ok := src.(backend.DirtyExtents)
	if !ok {
		return fmt.Errorf("transfer: source backend does not support dirty extents: %w", backend.ErrUnsupported)
	}
	exts, err := dirtySrc.DirtyExtents(0, size)
	if err != nil {
		return fmt.Errorf("transfer: planning dirty extents: %w", err)
	}
	for _, e := range exts {
		if !e.Dirty {
			continue
		}
		op, cap := OpCopy, int64(MaxCopySize)
		if e.Zero {
			op, cap = OpZero, MaxZeroSize
		}
		if err := enqueueSplit(q, op, e.Start, e.Length, cap); err != nil {
			return err
		}
	}
	return nil
}

func enqueueSplit(q *queue, op Op, start, length, cap int64) error {
	for _, req := range split(op, start, length, cap) {
		if err := q.Put(req); err != nil {
			return err
		}
	}
	return nil
}
