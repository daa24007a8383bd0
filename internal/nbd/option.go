package nbd

import "encoding/binary"

// sendOption sends an option header (IHAVEOPT, opt, len(data)) followed by
// data, per the NBD option-haggling wire format.
func (c *Client) sendOption(opt uint32, data []byte) error {
	hdr := make([]byte, 16)
	binary.BigEndian.PutUint64(hdr[0:], ihaveopt)
	binary.BigEndian.PutUint32(hdr[8:], opt)
	binary.BigEndian.PutUint32(hdr[12:], uint32(len(data)))
	if err := c.send(hdr); err != nil {
		return err
	}
	if len(data) > 0 {
		return c.send(data)
	}
	return nil
}

// recvOptionReply reads an option reply header and returns the reply code
// and the length of the data the caller still needs to consume.
func (c *Client) recvOptionReply(expectedOption uint32) (reply uint32, length uint32, err error) {
	var magic uint64
	var option uint32
	if err := c.recvFmt(&magic, &option, &reply, &length); err != nil {
		return 0, 0, err
	}
	if magic != optionReplyMagic {
		return 0, 0, &ProtocolError{errf("unexpected reply magic %x for option %d, expecting %x", magic, expectedOption, optionReplyMagic)}
	}
	if option != expectedOption {
		return 0, 0, &ProtocolError{errf("unexpected reply option %d, expecting %d", option, expectedOption)}
	}
	return reply, length, nil
}

func isErrorReply(reply uint32) bool {
	return reply&errBase != 0
}

// optionError consumes the (optional) error message for a failed option
// reply and returns an *OptionUnsupported or *OptionError.
func (c *Client) optionError(opt uint32, reply uint32, length uint32) error {
	message := ""
	if length > 0 {
		buf := make([]byte, length)
		if err := c.recvInto(buf); err != nil {
			return err
		}
		message = string(buf)
	}
	if message == "" {
		message = optErrorReason[reply]
	}
	if reply == repErrUnsup {
		return &OptionUnsupported{Option: opt, Reason: message}
	}
	return &OptionError{Option: opt, Code: reply, Reason: message}
}

func isOptionUnsupported(err error, target **OptionError) bool {
	if ou, ok := err.(*OptionUnsupported); ok {
		*target = &OptionError{Option: ou.Option, Code: repErrUnsup, Reason: ou.Reason}
		return true
	}
	return false
}

func (c *Client) recvMetaContextReply(length uint32) (name string, id uint32, err error) {
	if length < 4 {
		return "", 0, &InvalidLengthError{repMetaContext, length, 4}
	}
	buf := make([]byte, length)
	if err := c.recvInto(buf); err != nil {
		return "", 0, err
	}
	id = binary.BigEndian.Uint32(buf[:4])
	name = string(buf[4:])
	return name, id, nil
}

// formatMetaContextData encodes the export name and a list of queries as
// used by OPT_LIST_META_CONTEXT and OPT_SET_META_CONTEXT.
func formatMetaContextData(exportName string, queries ...string) []byte {
	buf := make([]byte, 0, 8+len(exportName)+8*len(queries))
	buf = appendString32(buf, exportName)
	buf = appendUint32(buf, uint32(len(queries)))
	for _, q := range queries {
		buf = appendString32(buf, q)
	}
	return buf
}

// formatGoOptionData encodes the export name for OPT_GO with no
// information requests (we always read export size and transmission flags
// via the base INFO_EXPORT reply, and accept whatever block size the
// server advertises without opting into INFO_BLOCK_SIZE enforcement).
func formatGoOptionData(exportName string) []byte {
	buf := make([]byte, 0, 6+len(exportName))
	buf = appendString32(buf, exportName)
	buf = appendUint16(buf, 0)
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendString32(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
