package nbd

// Structured reply chunk types.
const (
	replyTypeNone         uint16 = 0
	replyTypeOffsetData   uint16 = 1
	replyTypeOffsetHole   uint16 = 2
	replyTypeBlockStatus  uint16 = 5
	replyErrorBase        uint16 = 1 << 15
	replyTypeError        uint16 = replyErrorBase + 1
	replyTypeErrorOffset  uint16 = replyErrorBase + 2
)

// recvReply reads either a simple reply or a sequence of structured reply
// chunks for pc, dispatching payload bytes into pc.buf/pc.blockStatus as
// appropriate.
func (c *Client) recvReply(pc *pendingCommand) error {
	for {
		var magic uint32
		if err := c.recvFmt(&magic); err != nil {
			return err
		}

		switch magic {
		case simpleReplyMagic:
			if pc.onlyStructured {
				return &ProtocolError{errf("unexpected simple reply, expecting structured reply magic %x", structuredReplyMagic)}
			}
			return c.recvSimpleReply(pc)

		case structuredReplyMagic:
			if !c.structuredReply {
				return &ProtocolError{errf("unexpected structured reply, expecting simple reply magic %x", simpleReplyMagic)}
			}
			pc.onlyStructured = true
			done, err := c.recvReplyChunk(pc)
			if err != nil {
				return err
			}
			if done {
				if len(pc.errs) > 0 {
					return &ReplyError{pc.errs[0].err.Code, pc.errs[0].err.Message}
				}
				return nil
			}

		default:
			return &ProtocolError{errf("unexpected reply magic %x", magic)}
		}
	}
}

func (c *Client) recvSimpleReply(pc *pendingCommand) error {
	var errCode uint32
	var handle uint64
	if err := c.recvFmt(&errCode, &handle); err != nil {
		return err
	}
	if errCode != 0 {
		return &ReplyError{Code: errCode, Message: "simple reply failed"}
	}
	if handle != pc.handle {
		return &ProtocolError{errf("unexpected handle %d, expecting %d", handle, pc.handle)}
	}
	if len(pc.buf) > 0 {
		return c.recvInto(pc.buf)
	}
	return nil
}

// recvReplyChunk reads one structured reply chunk header and dispatches
// its payload. It reports whether this was the final chunk
// (NBD_REPLY_FLAG_DONE set).
func (c *Client) recvReplyChunk(pc *pendingCommand) (done bool, err error) {
	var flags, typ uint16
	var handle uint64
	var length uint32
	if err := c.recvFmt(&flags, &typ, &handle, &length); err != nil {
		return false, err
	}
	if handle != pc.handle {
		return false, &ProtocolError{errf("unexpected handle %d, expecting %d", handle, pc.handle)}
	}

	switch typ {
	case replyTypeError:
		if err := c.handleErrorChunk(length, flags); err != nil {
			return false, err
		}
	case replyTypeErrorOffset:
		if err := c.handleErrorOffsetChunk(length, pc); err != nil {
			return false, err
		}
	case replyTypeNone:
		if flags&replyFlagDone == 0 {
			return false, &ProtocolError{"NBD_REPLY_TYPE_NONE chunk without done flag"}
		}
		if length != 0 {
			return false, &InvalidLengthError{uint32(replyTypeNone), length, 0}
		}
	case replyTypeOffsetData:
		if err := c.handleDataChunk(length, pc); err != nil {
			return false, err
		}
	case replyTypeOffsetHole:
		if err := c.handleHoleChunk(length, pc); err != nil {
			return false, err
		}
	case replyTypeBlockStatus:
		if err := c.handleBlockStatusChunk(length, pc); err != nil {
			return false, err
		}
	default:
		return false, &ProtocolError{errf("unknown structured reply chunk type %d", typ)}
	}

	return flags&replyFlagDone != 0, nil
}

func (c *Client) recvErrorChunk(length uint32) (code uint32, message string, err error) {
	var msgLen uint16
	if err := c.recvFmt(&code, &msgLen); err != nil {
		return 0, "", err
	}
	if uint32(msgLen) != length-6 {
		return 0, "", &ProtocolError{errf("invalid error message length %d, expected %d", msgLen, length-6)}
	}
	buf := make([]byte, msgLen)
	if err := c.recvInto(buf); err != nil {
		return 0, "", err
	}
	return code, string(buf), nil
}

// handleErrorChunk handles NBD_REPLY_TYPE_ERROR: a general failure of the
// whole request. If it is also the final chunk it is returned as a
// *ReplyError, which ends the reply loop; without the done flag it is
// returned as a *ProtocolError.
func (c *Client) handleErrorChunk(length uint32, flags uint16) error {
	code, message, err := c.recvErrorChunk(length)
	if err != nil {
		return err
	}
	if flags&replyFlagDone == 0 {
		return &ProtocolError{errf("unrecoverable error chunk code=%d message=%q", code, message)}
	}
	return &ReplyError{Code: code, Message: message}
}

func (c *Client) handleErrorOffsetChunk(length uint32, pc *pendingCommand) error {
	code, message, err := c.recvErrorChunk(length - 8)
	if err != nil {
		return err
	}
	var offset uint64
	if err := c.recvFmt(&offset); err != nil {
		return err
	}
	pc.errs = append(pc.errs, errAt{offset, &ReplyError{Code: code, Message: message}})
	return nil
}

func (c *Client) handleDataChunk(length uint32, pc *pendingCommand) error {
	var chunkOffset uint64
	if err := c.recvFmt(&chunkOffset); err != nil {
		return err
	}
	chunkSize := length - 8
	bufOffset := chunkOffset - pc.offset
	if bufOffset+uint64(chunkSize) > uint64(len(pc.buf)) {
		return &ProtocolError{"data chunk exceeds requested range"}
	}
	return c.recvInto(pc.buf[bufOffset : bufOffset+uint64(chunkSize)])
}

func (c *Client) handleHoleChunk(length uint32, pc *pendingCommand) error {
	if length != 12 {
		return &InvalidLengthError{uint32(replyTypeOffsetHole), length, 12}
	}
	var chunkOffset uint64
	var chunkSize uint32
	if err := c.recvFmt(&chunkOffset, &chunkSize); err != nil {
		return err
	}
	if chunkSize == 0 {
		return &ProtocolError{"hole chunk with zero size"}
	}
	bufOffset := chunkOffset - pc.offset
	if bufOffset+uint64(chunkSize) > uint64(len(pc.buf)) {
		return &ProtocolError{"hole chunk exceeds requested range"}
	}
	region := pc.buf[bufOffset : bufOffset+uint64(chunkSize)]
	for i := range region {
		region[i] = 0
	}
	return nil
}

const extentWireSize = 8 // uint32 length + uint32 flags

// maxExtentsPerStatus bounds how many extents a single BLOCK_STATUS reply
// may contain before the connection is failed; 4KiB is the smallest
// realistic extent granularity for a raw image.
const maxExtentsPerStatus = (1<<32 - 1) / 4096

func (c *Client) handleBlockStatusChunk(length uint32, pc *pendingCommand) error {
	const ctxIDSize = 4
	if length < ctxIDSize {
		return &ProtocolError{errf("invalid block status payload length %d", length)}
	}

	extentsLength := length - ctxIDSize
	count, remainder := extentsLength/extentWireSize, extentsLength%extentWireSize
	if count == 0 || remainder != 0 {
		return &ProtocolError{errf("invalid block status payload length %d", length)}
	}
	if count > maxExtentsPerStatus {
		return &ProtocolError{errf("too many extents %d > %d", count, maxExtentsPerStatus)}
	}

	var ctxID uint32
	if err := c.recvFmt(&ctxID); err != nil {
		return err
	}
	ctxName, ok := c.metaByID[ctxID]
	if !ok {
		return &ProtocolError{errf("unexpected metadata context id %d", ctxID)}
	}

	extents := make([]rawExtent, 0, count)
	for i := uint32(0); i < count; i++ {
		var extLength, extFlags uint32
		if err := c.recvFmt(&extLength, &extFlags); err != nil {
			return err
		}
		if extLength == 0 {
			return &ProtocolError{"extent with zero length"}
		}
		if extLength%c.MinimumBlockSize != 0 {
			return &ProtocolError{errf("extent length %d not a multiple of minimum block size %d", extLength, c.MinimumBlockSize)}
		}
		extents = append(extents, rawExtent{length: extLength, flags: extFlags})
	}

	if pc.blockStatus == nil {
		pc.blockStatus = make(map[string][]rawExtent)
	}
	pc.blockStatus[ctxName] = extents
	return nil
}
