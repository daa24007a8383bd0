package nbd

import (
	"fmt"
	"syscall"
)

func errf(format string, a ...interface{}) string {
	return fmt.Sprintf(format, a...)
}

// ProtocolError means the server sent something the client cannot make
// sense of; the connection must be closed.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "nbd: protocol error: " + e.Reason }

// InvalidLengthError is a ProtocolError raised when a reply's declared
// length does not match what the reply type requires.
type InvalidLengthError struct {
	Reply    uint32
	Length   uint32
	Expected uint32
}

func (e *InvalidLengthError) Error() string {
	return errf("nbd: reply %d has invalid length %d, expecting %d", e.Reply, e.Length, e.Expected)
}

// OptionError means the server rejected an option the client sent during
// handshake, other than with REP_ERR_UNSUP.
type OptionError struct {
	Option uint32
	Code   uint32
	Reason string
}

func (e *OptionError) Error() string {
	return errf("nbd: option %d failed, code=%d: %s", e.Option, e.Code, e.Reason)
}

// OptionUnsupported means the server replied REP_ERR_UNSUP to an option.
// Some options (OPT_STRUCTURED_REPLY, meta contexts) are optional and the
// client degrades gracefully instead of failing the connection.
type OptionUnsupported struct {
	Option uint32
	Reason string
}

func (e *OptionUnsupported) Error() string {
	return errf("nbd: option %d is not supported: %s", e.Option, e.Reason)
}

// ReplyError means the server accepted a command but failed to execute it.
// The connection remains usable.
type ReplyError struct {
	Code    uint32
	Message string
}

func (e *ReplyError) Error() string {
	return errf("nbd: command failed [error %d] %s: %s", e.Code, e.Message, e.Errno())
}

// Errno maps the NBD wire error code to the closest syscall.Errno, falling
// back to EIO when the code is not one of the values the protocol defines.
func (e *ReplyError) Errno() syscall.Errno {
	if errno, ok := replyErrno[e.Code]; ok {
		return errno
	}
	return syscall.EIO
}

var replyErrno = map[uint32]syscall.Errno{
	1:   syscall.EPERM,
	5:   syscall.EIO,
	12:  syscall.ENOMEM,
	22:  syscall.EINVAL,
	28:  syscall.ENOSPC,
	75:  syscall.EOVERFLOW,
	108: syscall.ESHUTDOWN,
}

// UnsupportedRequest is returned when the client refuses to send a command
// the server has not advertised support for (e.g. CMD_WRITE_ZEROES without
// FlagSendWriteZeroes).
type UnsupportedRequest struct {
	Reason string
}

func (e *UnsupportedRequest) Error() string { return "nbd: " + e.Reason }
