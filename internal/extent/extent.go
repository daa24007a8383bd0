// Package extent defines the allocation/dirty-bit value types shared by
// every backend and by the transfer engine's planner.
package extent

import "fmt"

// ZeroExtent describes a byte range in terms of allocation: whether it
// reads as zero, and whether it is backed by a hole or a backing file.
type ZeroExtent struct {
	Start  int64
	Length int64
	Zero   bool // reads as zero
	Hole   bool // backed by a hole/backing file; implies Zero
}

func (e ZeroExtent) End() int64 { return e.Start + e.Length }

func (e ZeroExtent) flags() flags {
	var f flags
	if e.Zero || e.Hole {
		f |= flagZero
	}
	if e.Hole {
		f |= flagHole
	}
	return f
}

// DirtyExtent describes a byte range in terms of a dirty bitmap: whether
// it is marked dirty, and whether its content additionally reads as zero.
type DirtyExtent struct {
	Start  int64
	Length int64
	Dirty  bool
	Zero   bool
}

func (e DirtyExtent) End() int64 { return e.Start + e.Length }

func (e DirtyExtent) flags() flags {
	var f flags
	if e.Dirty {
		f |= flagDirty
	}
	if e.Zero {
		f |= flagZero
	}
	return f
}

// Flags is a disjoint-bit representation used to compare and merge
// extents coming from different NBD meta contexts before they are split
// back into ZeroExtent/DirtyExtent streams.
type Flags uint32

const (
	FlagHole Flags = 1 << iota
	FlagZero
	FlagDirty
	FlagBacking
)

type flags = Flags

const (
	flagHole    = FlagHole
	flagZero    = FlagZero
	flagDirty   = FlagDirty
	flagBacking = FlagBacking
)

// Raw is a merged (start, length, flags) triple as produced by a single
// NBD BLOCK_STATUS call after remapping. It is the common currency
// internal/nbd uses before splitting the result into ZeroExtent or
// DirtyExtent streams for backend consumers.
type Raw struct {
	Start  int64
	Length int64
	Flags  Flags
}

func (r Raw) End() int64 { return r.Start + r.Length }

// ToZero converts a Raw stream (allocation [+ depth]) into ZeroExtents.
func ToZero(raw []Raw) []ZeroExtent {
	out := make([]ZeroExtent, 0, len(raw))
	for _, r := range raw {
		out = append(out, ZeroExtent{
			Start:  r.Start,
			Length: r.Length,
			Zero:   r.Flags&FlagZero != 0,
			Hole:   r.Flags&(FlagHole|FlagBacking) != 0,
		})
	}
	return Coalesce(out)
}

// ToDirty converts a Raw stream (allocation + dirty bitmap) into
// DirtyExtents.
func ToDirty(raw []Raw) []DirtyExtent {
	out := make([]DirtyExtent, 0, len(raw))
	for _, r := range raw {
		out = append(out, DirtyExtent{
			Start:  r.Start,
			Length: r.Length,
			Dirty:  r.Flags&FlagDirty != 0,
			Zero:   r.Flags&FlagZero != 0,
		})
	}
	return CoalesceDirty(out)
}

// Merge interleaves two Raw streams covering the same byte range,
// yielding extents carrying the union of their flag sets. When one
// stream ends before the other, iteration stops at the shorter stream's
// end (it cannot be extended past the range it actually describes).
func Merge(a, b []Raw) []Raw {
	var out []Raw
	i, j := 0, 0
	pos := int64(0)
	if len(a) > 0 {
		pos = a[0].Start
	}
	for i < len(a) && j < len(b) {
		ae, be := a[i], b[j]
		if ae.Start+ae.Length <= pos || be.Start+be.Length <= pos {
			// shouldn't happen for well-formed input; guard against
			// infinite loop on malformed streams.
			break
		}
		end := min64(ae.End(), be.End())
		if end <= pos {
			break
		}
		f := ae.Flags | be.Flags
		appendRaw(&out, Raw{Start: pos, Length: end - pos, Flags: f})
		pos = end
		if ae.End() == pos {
			i++
		}
		if be.End() == pos {
			j++
		}
	}
	return out
}

func appendRaw(out *[]Raw, r Raw) {
	if n := len(*out); n > 0 && (*out)[n-1].End() == r.Start && (*out)[n-1].Flags == r.Flags {
		(*out)[n-1].Length += r.Length
		return
	}
	*out = append(*out, r)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Block is one output element of Split: a contiguous, block_size-aligned
// range with a uniform zero/data classification.
type Block struct {
	Start  int64
	Length int64
	Zero   bool
}

// Split breaks a non-decreasing, non-overlapping stream of ZeroExtents
// into blocks whose length is an exact multiple of blockSize, coalescing
// adjacent extents with identical Zero state first.
func Split(extents []ZeroExtent, blockSize int64) []Block {
	if blockSize <= 0 {
		panic(fmt.Sprintf("extent: invalid block size %d", blockSize))
	}

	var blocks []Block
	for _, e := range extents {
		start, end := e.Start, e.End()
		for start < end {
			blockStart := (start / blockSize) * blockSize
			blockEnd := blockStart + blockSize
			if blockEnd > end {
				blockEnd = end
			}
			length := blockEnd - start
			if len(blocks) > 0 {
				last := &blocks[len(blocks)-1]
				if last.End() == start && last.Zero == e.Zero {
					last.Length += length
					start = blockEnd
					continue
				}
			}
			blocks = append(blocks, Block{Start: start, Length: length, Zero: e.Zero})
			start = blockEnd
		}
	}
	return blocks
}

func (b Block) End() int64 { return b.Start + b.Length }

// Coalesce merges consecutive ZeroExtents carrying identical flags into
// one, matching how a well-behaved extent producer never emits two
// adjacent extents with the same classification.
func Coalesce(extents []ZeroExtent) []ZeroExtent {
	out := extents[:0:0]
	for _, e := range extents {
		if n := len(out); n > 0 && out[n-1].End() == e.Start && out[n-1].flags() == e.flags() {
			out[n-1].Length += e.Length
			continue
		}
		out = append(out, e)
	}
	return out
}

// CoalesceDirty is Coalesce for DirtyExtent streams.
func CoalesceDirty(extents []DirtyExtent) []DirtyExtent {
	out := extents[:0:0]
	for _, e := range extents {
		if n := len(out); n > 0 && out[n-1].End() == e.Start && out[n-1].flags() == e.flags() {
			out[n-1].Length += e.Length
			continue
		}
		out = append(out, e)
	}
	return out
}
