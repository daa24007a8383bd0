package nbd

import (
	"github.com/vexxhost/imgio/internal/extent"
)

// maxStatusStep bounds a single CMD_BLOCK_STATUS request. The wire format
// allows up to 4 GiB - 1; a smaller step limits how many extents we hold
// in memory at once for a heavily fragmented image.
const maxStatusStep int64 = 2 * 1024 * 1024 * 1024

// BlockStatus issues CMD_BLOCK_STATUS for [offset, offset+length) and
// returns, for every negotiated meta context, the raw extents the server
// reported — remapped into the disjoint extent.Flags space. The caller is
// responsible for clipping a long reply to the requested range and for
// merging context streams; see ZeroExtents/DirtyExtents for the common
// case.
func (c *Client) BlockStatus(offset, length int64) (map[string][]extent.Raw, error) {
	req := request{typ: cmdBlockStatus, handle: c.nextHandle(), offset: uint64(offset), length: uint32(length)}
	pc := &pendingCommand{handle: req.handle, offset: req.offset, onlyStructured: true}
	if err := c.sendRequest(req, nil); err != nil {
		return nil, err
	}
	if err := c.recvReply(pc); err != nil {
		return nil, err
	}

	out := make(map[string][]extent.Raw, len(pc.blockStatus))
	for name, raws := range pc.blockStatus {
		out[name] = remapContext(name, c.DirtyBitmap, raws)
	}
	return out, nil
}

func remapContext(ctxName, dirtyBitmap string, raws []rawExtent) []extent.Raw {
	out := make([]extent.Raw, 0, len(raws))
	pos := int64(0)
	for _, r := range raws {
		var f extent.Flags
		switch {
		case ctxName == dirtyBitmap && dirtyBitmap != "":
			if r.flags&1 != 0 {
				f = extent.FlagDirty
			}
		case ctxName == QemuAllocationDepth:
			if r.flags == 0 {
				f = extent.FlagBacking
			}
		default: // base:allocation
			f = extent.Flags(r.flags) & (extent.FlagHole | extent.FlagZero)
		}
		out = append(out, extent.Raw{Start: pos, Length: int64(r.length), Flags: f})
		pos += int64(r.length)
	}
	return out
}

// clipToRange clips raw[len(raw)-1] (if it overruns end) and drops any
// extents entirely beyond end: a server may legitimately return a last
// extent that runs past the requested length.
func clipToRange(raw []extent.Raw, start, end int64) []extent.Raw {
	out := raw[:0:0]
	pos := start
	for _, r := range raw {
		if pos >= end {
			break
		}
		r.Start = pos
		if pos+r.Length > end {
			r.Length = end - pos
		}
		out = append(out, r)
		pos += r.Length
	}
	return out
}

// ZeroExtents reports allocation status (hole/zero/backing) for
// [offset, offset+length), issuing as many BLOCK_STATUS calls as needed
// and merging base:allocation with qemu:allocation-depth when the server
// negotiated it.
func (c *Client) ZeroExtents(offset, length int64) ([]extent.ZeroExtent, error) {
	raw, err := c.scanRaw(offset, length, QemuAllocationDepth)
	if err != nil {
		return nil, err
	}
	return extent.ToZero(raw), nil
}

// DirtyExtents reports dirty-bitmap status merged with base:allocation for
// [offset, offset+length). It is only meaningful when the handshake
// requested WithDirtyBitmap and the server exported exactly one bitmap
// (Client.DirtyBitmap != "").
func (c *Client) DirtyExtents(offset, length int64) ([]extent.DirtyExtent, error) {
	if c.DirtyBitmap == "" {
		return nil, &UnsupportedRequest{"no dirty bitmap negotiated"}
	}
	raw, err := c.scanRaw(offset, length, c.DirtyBitmap)
	if err != nil {
		return nil, err
	}
	return extent.ToDirty(raw), nil
}

// scanRaw walks [offset, offset+length) in maxStatusStep chunks, merging
// base:allocation with the named secondary context (allocation-depth or a
// dirty bitmap) at each step, and concatenates the clipped, merged result.
func (c *Client) scanRaw(offset, length int64, secondary string) ([]extent.Raw, error) {
	end := offset + length
	var out []extent.Raw

	for offset < end {
		step := end - offset
		if step > maxStatusStep {
			step = maxStatusStep
		}

		reply, err := c.BlockStatus(offset, step)
		if err != nil {
			return nil, err
		}

		alloc := clipToRange(reply[BaseAllocation], offset, offset+step)
		merged := alloc
		if sec, ok := reply[secondary]; ok {
			merged = extent.Merge(alloc, clipToRange(sec, offset, offset+step))
		}

		if len(merged) == 0 {
			return nil, &ProtocolError{"server returned no extents for block status request"}
		}

		out = appendRawStream(out, merged)

		var consumed int64
		for _, r := range merged {
			consumed += r.Length
		}
		offset += consumed
	}

	return out, nil
}

func appendRawStream(out, next []extent.Raw) []extent.Raw {
	for _, r := range next {
		if n := len(out); n > 0 && out[n-1].End() == r.Start && out[n-1].Flags == r.Flags {
			out[n-1].Length += r.Length
			continue
		}
		out = append(out, r)
	}
	return out
}
