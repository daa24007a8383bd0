package nbd

import "encoding/binary"

type commandType uint16

const (
	cmdRead         commandType = 0
	cmdWrite        commandType = 1
	cmdDisc         commandType = 2
	cmdFlush        commandType = 3
	cmdWriteZeroes  commandType = 6
	cmdBlockStatus  commandType = 7
)

// CmdFlagNoHole tells CMD_WRITE_ZEROES not to punch a hole; the range must
// still read as zero, but storage MAY remain allocated.
const CmdFlagNoHole uint16 = 1 << 1

// request is the 28-byte NBD_CMD wire header shared by every command.
type request struct {
	flags  uint16
	typ    commandType
	handle uint64
	offset uint64
	length uint32
}

func (r request) marshal() []byte {
	buf := make([]byte, 28)
	binary.BigEndian.PutUint32(buf[0:], requestMagic)
	binary.BigEndian.PutUint16(buf[4:], r.flags)
	binary.BigEndian.PutUint16(buf[6:], uint16(r.typ))
	binary.BigEndian.PutUint64(buf[8:], r.handle)
	binary.BigEndian.PutUint64(buf[16:], r.offset)
	binary.BigEndian.PutUint32(buf[24:], r.length)
	return buf
}

// sendRequest writes the command header followed by payload (used for
// CMD_WRITE; nil for every other command).
func (c *Client) sendRequest(req request, payload []byte) error {
	if err := c.send(req.marshal()); err != nil {
		return err
	}
	if len(payload) > 0 {
		return c.send(payload)
	}
	return nil
}

// errAt pairs a byte offset with the error reported for it, used for
// REPLY_TYPE_ERROR_OFFSET chunks in a structured reply.
type errAt struct {
	offset uint64
	err    *ReplyError
}

// pendingCommand tracks in-flight state while receiving a command's reply.
type pendingCommand struct {
	handle         uint64
	offset         uint64
	buf            []byte // destination for CMD_READ payload, nil otherwise
	onlyStructured bool
	errs           []errAt
	// blockStatus accumulates raw (length,flags) pairs per meta context
	// name, in wire order, for CMD_BLOCK_STATUS.
	blockStatus map[string][]rawExtent
}

type rawExtent struct {
	length uint32
	flags  uint32
}

// Read issues CMD_READ for [offset, offset+len(buf)) and fills buf.
func (c *Client) Read(offset int64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	req := request{typ: cmdRead, handle: c.nextHandle(), offset: uint64(offset), length: uint32(len(buf))}
	pc := &pendingCommand{handle: req.handle, offset: req.offset, buf: buf, onlyStructured: c.structuredReply}
	if err := c.sendRequest(req, nil); err != nil {
		return err
	}
	return c.recvReply(pc)
}

// Write issues CMD_WRITE for data at offset.
func (c *Client) Write(offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	req := request{typ: cmdWrite, handle: c.nextHandle(), offset: uint64(offset), length: uint32(len(data))}
	pc := &pendingCommand{handle: req.handle, offset: req.offset}
	if err := c.sendRequest(req, data); err != nil {
		return err
	}
	return c.recvReply(pc)
}

// Zero issues CMD_WRITE_ZEROES for [offset, offset+length). When
// punchHole is false, CmdFlagNoHole is set so the server must not
// deallocate storage for the range.
func (c *Client) Zero(offset, length int64, punchHole bool) error {
	if length == 0 {
		return nil
	}
	if c.TransmissionFlags&FlagSendWriteZeroes == 0 {
		return &UnsupportedRequest{"server does not support CMD_WRITE_ZEROES"}
	}
	var flags uint16
	if !punchHole {
		flags = CmdFlagNoHole
	}
	req := request{flags: flags, typ: cmdWriteZeroes, handle: c.nextHandle(), offset: uint64(offset), length: uint32(length)}
	pc := &pendingCommand{handle: req.handle, offset: req.offset}
	if err := c.sendRequest(req, nil); err != nil {
		return err
	}
	return c.recvReply(pc)
}

// Flush issues CMD_FLUSH, or does nothing if the server never advertised
// FlagSendFlush.
func (c *Client) Flush() error {
	if c.TransmissionFlags&FlagSendFlush == 0 {
		return nil
	}
	req := request{typ: cmdFlush, handle: c.nextHandle()}
	pc := &pendingCommand{handle: req.handle}
	if err := c.sendRequest(req, nil); err != nil {
		return err
	}
	return c.recvReply(pc)
}
