// Package nbd implements an NBD (Network Block Device) client speaking the
// fixed-newstyle handshake with structured replies and meta contexts. It
// talks directly to net.Conn; dialing and URL parsing live in the backend
// packages that use it.
package nbd

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Wire magics.
const (
	nbdMagic             uint64 = 0x4e42444d41474943
	ihaveopt             uint64 = 0x49484156454f5054
	optionReplyMagic     uint64 = 0x3e889045565a9
	requestMagic         uint32 = 0x25609513
	simpleReplyMagic     uint32 = 0x67446698
	structuredReplyMagic uint32 = 0x668e33ef
)

// Handshake flags.
const (
	flagFixedNewstyle  uint16 = 1
	flagCFixedNewstyle uint32 = 1
)

// Transmission flags, as reported by the server in NBD_INFO_EXPORT.
const (
	FlagHasFlags        uint16 = 1 << 0
	FlagReadOnly        uint16 = 1 << 1
	FlagSendFlush       uint16 = 1 << 2
	FlagSendFUA         uint16 = 1 << 3
	FlagRotational      uint16 = 1 << 4
	FlagSendTrim        uint16 = 1 << 5
	FlagSendWriteZeroes uint16 = 1 << 6
	FlagSendDF          uint16 = 1 << 7
	FlagCanMultiConn    uint16 = 1 << 8
	FlagSendResize      uint16 = 1 << 9
	FlagSendCache       uint16 = 1 << 10
)

// Options.
const (
	optAbort             uint32 = 2
	optGo                uint32 = 7
	optStructuredReply   uint32 = 8
	optListMetaContext   uint32 = 9
	optSetMetaContext    uint32 = 10
)

// Option replies.
const (
	repAck         uint32 = 1
	repInfo        uint32 = 3
	repMetaContext uint32 = 4

	errBase              uint32 = 1 << 31
	repErrUnsup          uint32 = errBase + 1
	repErrPolicy         uint32 = errBase + 2
	repErrInvalid        uint32 = errBase + 3
	repErrPlatform       uint32 = errBase + 4
	repErrTLSReqd        uint32 = errBase + 5
	repErrUnknown        uint32 = errBase + 6
	repErrShutdown       uint32 = errBase + 7
	repErrBlockSizeReqd  uint32 = errBase + 8
	repErrTooBig         uint32 = errBase + 9
)

var optErrorReason = map[uint32]string{
	repErrUnsup:         "option not known by this server implementation",
	repErrPolicy:        "server-side policy forbids this option",
	repErrInvalid:       "option is syntactically or semantically invalid",
	repErrPlatform:      "option is not supported on this platform",
	repErrTLSReqd:       "server requires TLS before continuing negotiation",
	repErrUnknown:       "the requested export is not available",
	repErrShutdown:      "server is shutting down",
	repErrBlockSizeReqd: "server requires acknowledgement of block size constraints",
	repErrTooBig:        "the request or reply is too large to process",
}

// NBD_INFO replies.
const (
	infoExport    uint16 = 0
	infoBlockSize uint16 = 3
)

// Meta context names.
const (
	BaseAllocation      = "base:allocation"
	QemuAllocationDepth = "qemu:allocation-depth"
	QemuDirtyBitmap     = "qemu:dirty-bitmap:"
)

const replyFlagDone uint16 = 1 << 0

// State is the connection lifecycle state of a Client.
type State int

const (
	StateConnecting State = iota
	StateHandshake
	StateTransmission
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshake:
		return "handshake"
	case StateTransmission:
		return "transmission"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Default block size constraints, used when the server does not advertise
// INFO_BLOCK_SIZE.
const (
	DefaultMinimumBlockSize  uint32 = 1
	DefaultPreferredBlockSize uint32 = 4096
	DefaultMaximumBlockSize  uint32 = 32 * 1024 * 1024
)

// options configure a Client during Handshake.
type options struct {
	dirtyBitmap bool
	log         *log.Entry
}

// Option configures a Client.
type Option func(*options)

// WithDirtyBitmap asks the server, during handshake, whether it exports
// exactly one qemu:dirty-bitmap:* meta context, and registers it alongside
// base:allocation if so. Client.DirtyBitmap reports the negotiated name.
func WithDirtyBitmap() Option {
	return func(o *options) { o.dirtyBitmap = true }
}

// WithLogger attaches a logrus entry used for connection-scoped debug
// logging (fields such as export name are added by the caller).
func WithLogger(entry *log.Entry) Option {
	return func(o *options) { o.log = entry }
}

// Client is a connected NBD client in the transmission phase.
type Client struct {
	conn       net.Conn
	exportName string

	ExportSize        uint64
	TransmissionFlags uint16

	MinimumBlockSize  uint32
	PreferredBlockSize uint32
	MaximumBlockSize  uint32

	// DirtyBitmap holds the negotiated qemu:dirty-bitmap:* context name, or
	// "" if none was requested or the server did not export exactly one.
	DirtyBitmap string

	structuredReply bool
	metaByName      map[string]uint32
	metaByID        map[uint32]string

	counter uint64
	state   State
	log     *log.Entry
}

// Handshake performs the fixed-newstyle handshake over an already-connected
// conn and returns a Client ready for transmission. On error conn is closed.
func Handshake(ctx context.Context, conn net.Conn, exportName string, opts ...Option) (*Client, error) {
	cfg := options{log: log.WithField("component", "nbd")}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Client{
		conn:               conn,
		exportName:         exportName,
		MinimumBlockSize:   DefaultMinimumBlockSize,
		PreferredBlockSize: DefaultPreferredBlockSize,
		MaximumBlockSize:   DefaultMaximumBlockSize,
		metaByName:         make(map[string]uint32),
		metaByID:           make(map[uint32]string),
		state:              StateConnecting,
		log:                cfg.log.WithField("export", exportName),
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}

	if err := c.newstyleHandshake(cfg.dirtyBitmap); err != nil {
		conn.Close()
		return nil, err
	}

	_ = conn.SetDeadline(time.Time{})
	return c, nil
}

func (c *Client) newstyleHandshake(dirty bool) error {
	c.state = StateHandshake

	var nbdMagicGot, cliservMagic uint64
	var serverFlags uint16
	if err := c.recvFmt(&nbdMagicGot, &cliservMagic, &serverFlags); err != nil {
		return fmt.Errorf("nbd: reading initial handshake: %w", err)
	}
	if nbdMagicGot != nbdMagic {
		return &ProtocolError{fmt.Sprintf("bad NBD magic %x, expecting %x", nbdMagicGot, nbdMagic)}
	}
	if cliservMagic != ihaveopt {
		return &ProtocolError{fmt.Sprintf("server does not support newstyle negotiation, magic=%x", cliservMagic)}
	}
	if serverFlags&flagFixedNewstyle == 0 {
		return &ProtocolError{"server does not support fixed newstyle negotiation"}
	}

	if err := c.send4(flagCFixedNewstyle); err != nil {
		return fmt.Errorf("nbd: sending client flags: %w", err)
	}

	if err := c.negotiateStructuredReply(); err != nil {
		return err
	}

	if c.structuredReply {
		var dirtyBitmap string
		if dirty {
			dirtyBitmap = c.queryDirtyBitmap()
		}
		if err := c.setMetaContext(dirtyBitmap); err != nil {
			return err
		}
	}

	if err := c.negotiateGo(); err != nil {
		return err
	}

	c.state = StateTransmission
	c.log.WithFields(log.Fields{
		"size":             c.ExportSize,
		"structured_reply": c.structuredReply,
		"dirty_bitmap":     c.DirtyBitmap,
	}).Debug("nbd handshake complete")
	return nil
}

func (c *Client) negotiateStructuredReply() error {
	reply, length, err := c.negotiateOption(optStructuredReply, nil)
	if err != nil {
		var oe *OptionError
		if isOptionUnsupported(err, &oe) {
			c.log.WithField("reason", oe.Reason).Warn("structured reply is not available")
			return nil
		}
		return err
	}
	if reply != repAck || length != 0 {
		return &ProtocolError{fmt.Sprintf("unexpected reply %d for OPT_STRUCTURED_REPLY", reply)}
	}
	c.structuredReply = true
	return nil
}

// negotiateOption sends opt with optional data and reads back exactly one
// reply. An error reply is turned into an *OptionError /
// *OptionUnsupported; any other reply code is returned for the caller to
// check.
func (c *Client) negotiateOption(opt uint32, data []byte) (reply uint32, length uint32, err error) {
	if err := c.sendOption(opt, data); err != nil {
		return 0, 0, err
	}
	reply, length, err = c.recvOptionReply(opt)
	if err != nil {
		return 0, 0, err
	}
	if isErrorReply(reply) {
		return reply, length, c.optionError(opt, reply, length)
	}
	return reply, length, nil
}

func (c *Client) queryDirtyBitmap() string {
	data := formatMetaContextData(c.exportName, QemuDirtyBitmap)
	if err := c.sendOption(optListMetaContext, data); err != nil {
		return ""
	}

	var found []string
	for {
		reply, length, err := c.recvOptionReply(optListMetaContext)
		if err != nil {
			return ""
		}
		if isErrorReply(reply) {
			if oErr := c.optionError(optListMetaContext, reply, length); oErr != nil {
				c.log.WithError(oErr).Warn("meta context not supported")
			}
			return ""
		}
		if reply == repAck {
			break
		}
		if reply != repMetaContext {
			c.log.WithField("reply", reply).Warn("unexpected reply listing meta contexts")
			return ""
		}
		name, _, err := c.recvMetaContextReply(length)
		if err != nil {
			return ""
		}
		found = append(found, name)
	}

	switch len(found) {
	case 0:
		c.log.Warn("server does not export a dirty bitmap meta context")
		return ""
	case 1:
		return found[0]
	default:
		c.log.WithField("bitmaps", found).Warn("cannot use multiple dirty bitmaps")
		return ""
	}
}

func (c *Client) setMetaContext(dirtyBitmap string) error {
	queries := []string{BaseAllocation, QemuAllocationDepth}
	if dirtyBitmap != "" {
		queries = append(queries, dirtyBitmap)
	}

	data := formatMetaContextData(c.exportName, queries...)
	if err := c.sendOption(optSetMetaContext, data); err != nil {
		return err
	}

	for {
		reply, length, err := c.recvOptionReply(optSetMetaContext)
		if err != nil {
			return err
		}
		if isErrorReply(reply) {
			if oErr := c.optionError(optSetMetaContext, reply, length); oErr != nil {
				var ou *OptionError
				if !isOptionUnsupported(oErr, &ou) {
					return oErr
				}
				c.log.WithError(oErr).Warn("meta context is not supported")
			}
			return nil
		}
		if reply == repAck {
			if length != 0 {
				return &InvalidLengthError{repAck, length, 0}
			}
			break
		}
		if reply != repMetaContext {
			return &ProtocolError{fmt.Sprintf("unexpected reply %d, expecting REP_META_CONTEXT", reply)}
		}

		name, id, err := c.recvMetaContextReply(length)
		if err != nil {
			return err
		}
		if !contains(queries, name) {
			return &ProtocolError{fmt.Sprintf("unexpected context %q, expecting one of %v", name, queries)}
		}
		c.metaByName[name] = id
		c.metaByID[id] = name
		if name == dirtyBitmap {
			c.DirtyBitmap = dirtyBitmap
		}
	}

	for _, name := range queries {
		if _, ok := c.metaByName[name]; !ok {
			c.log.WithField("context", name).Info("meta context is not available")
		}
	}
	return nil
}

func (c *Client) negotiateGo() error {
	data := formatGoOptionData(c.exportName)
	if err := c.sendOption(optGo, data); err != nil {
		return err
	}

	for {
		reply, length, err := c.recvOptionReply(optGo)
		if err != nil {
			return err
		}
		if isErrorReply(reply) {
			return c.optionError(optGo, reply, length)
		}
		if reply == repAck {
			if length != 0 {
				return &InvalidLengthError{reply, length, 0}
			}
			if c.ExportSize == 0 && c.TransmissionFlags == 0 {
				return &ProtocolError{"server did not send export size or transmission flags"}
			}
			return nil
		}
		if reply != repInfo {
			return &ProtocolError{fmt.Sprintf("unexpected reply %d, expecting REP_INFO", reply)}
		}
		if length < 2 {
			return &InvalidLengthError{repInfo, length, 2}
		}

		var info uint16
		if err := c.recvFmt(&info); err != nil {
			return err
		}
		length -= 2

		switch info {
		case infoExport:
			if err := c.recvExportInfo(length); err != nil {
				return err
			}
		case infoBlockSize:
			if err := c.recvBlockSizeInfo(length); err != nil {
				return err
			}
		default:
			if err := c.discard(length); err != nil {
				return err
			}
			c.log.WithField("info", info).Debug("dropping unknown info reply")
		}
	}
}

func (c *Client) recvExportInfo(length uint32) error {
	if length != 10 {
		return &InvalidLengthError{repInfo, length, 10}
	}
	return c.recvFmt(&c.ExportSize, &c.TransmissionFlags)
}

func (c *Client) recvBlockSizeInfo(length uint32) error {
	if length != 12 {
		return &InvalidLengthError{repInfo, length, 12}
	}
	return c.recvFmt(&c.MinimumBlockSize, &c.PreferredBlockSize, &c.MaximumBlockSize)
}

// State reports the connection's current lifecycle state.
func (c *Client) State() State { return c.state }

// HasBaseAllocation reports whether the server negotiated base:allocation.
func (c *Client) HasBaseAllocation() bool {
	_, ok := c.metaByName[BaseAllocation]
	return ok
}

// HasAllocationDepth reports whether the server negotiated
// qemu:allocation-depth.
func (c *Client) HasAllocationDepth() bool {
	_, ok := c.metaByName[QemuAllocationDepth]
	return ok
}

func (c *Client) nextHandle() uint64 {
	return atomic.AddUint64(&c.counter, 1) - 1
}

// Close terminates the session. During handshake this sends OPT_ABORT;
// during transmission it sends CMD_DISC; the socket is then closed
// unconditionally. Close is idempotent.
func (c *Client) Close() error {
	switch c.state {
	case StateHandshake:
		_ = c.sendOption(optAbort, nil)
	case StateTransmission:
		req := request{typ: cmdDisc, handle: c.nextHandle()}
		_ = c.sendRequest(req, nil)
	case StateClosed:
		return nil
	}
	c.state = StateClosed
	return c.conn.Close()
}

// Plain I/O helpers.

func (c *Client) send(p []byte) error {
	_, err := c.conn.Write(p)
	return err
}

func (c *Client) send4(v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return c.send(b[:])
}

func (c *Client) recvInto(buf []byte) error {
	_, err := io.ReadFull(c.conn, buf)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return &ProtocolError{"server closed the connection"}
		}
		return err
	}
	return nil
}

func (c *Client) discard(n uint32) error {
	_, err := io.CopyN(io.Discard, c.conn, int64(n))
	return err
}

// recvFmt reads sizeof(v...) bytes (big endian, tightly packed) into the
// given pointers, in order. Supported pointer element types: uint16,
// uint32, uint64.
func (c *Client) recvFmt(vs ...interface{}) error {
	size := 0
	for _, v := range vs {
		switch v.(type) {
		case *uint16:
			size += 2
		case *uint32:
			size += 4
		case *uint64:
			size += 8
		default:
			panic(fmt.Sprintf("nbd: unsupported recvFmt type %T", v))
		}
	}
	buf := make([]byte, size)
	if err := c.recvInto(buf); err != nil {
		return err
	}
	pos := 0
	for _, v := range vs {
		switch p := v.(type) {
		case *uint16:
			*p = binary.BigEndian.Uint16(buf[pos:])
			pos += 2
		case *uint32:
			*p = binary.BigEndian.Uint32(buf[pos:])
			pos += 4
		case *uint64:
			*p = binary.BigEndian.Uint64(buf[pos:])
			pos += 8
		}
	}
	return nil
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
