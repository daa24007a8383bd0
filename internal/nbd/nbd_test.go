package nbd

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeServer drives the server side of the fixed-newstyle handshake over a
// net.Pipe, enough to exercise Client.Handshake/Read/Write/Close without a
// real qemu-nbd.
type fakeServer struct {
	t    *testing.T
	conn net.Conn
}

func newFakeServer(t *testing.T, conn net.Conn) *fakeServer {
	return &fakeServer{t: t, conn: conn}
}

func (s *fakeServer) write(b []byte) {
	_, err := s.conn.Write(b)
	require.NoError(s.t, err)
}

func (s *fakeServer) writeU16(v uint16) { var b [2]byte; binary.BigEndian.PutUint16(b[:], v); s.write(b[:]) }
func (s *fakeServer) writeU32(v uint32) { var b [4]byte; binary.BigEndian.PutUint32(b[:], v); s.write(b[:]) }
func (s *fakeServer) writeU64(v uint64) { var b [8]byte; binary.BigEndian.PutUint64(b[:], v); s.write(b[:]) }

func (s *fakeServer) read(n int) []byte {
	buf := make([]byte, n)
	_, err := readFull(s.conn, buf)
	require.NoError(s.t, err)
	return buf
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	pos := 0
	for pos < len(buf) {
		n, err := conn.Read(buf[pos:])
		if err != nil {
			return pos, err
		}
		pos += n
	}
	return pos, nil
}

// runHandshake performs the server side of the handshake, with no
// structured reply support (simplest compliant server), reporting
// exportSize and transmissionFlags.
func (s *fakeServer) runHandshake(exportSize uint64, transmissionFlags uint16) {
	// Initial handshake.
	s.writeU64(nbdMagic)
	s.writeU64(ihaveopt)
	s.writeU16(flagFixedNewstyle)

	_ = s.read(4) // client flags

	for {
		hdr := s.read(16)
		magic := binary.BigEndian.Uint64(hdr[0:8])
		opt := binary.BigEndian.Uint32(hdr[8:12])
		dataLen := binary.BigEndian.Uint32(hdr[12:16])
		require.Equal(s.t, ihaveopt, magic)
		if dataLen > 0 {
			_ = s.read(int(dataLen))
		}

		switch opt {
		case optStructuredReply:
			// Reject: simplest server, no structured replies.
			s.writeU64(optionReplyMagic)
			s.writeU32(opt)
			s.writeU32(repErrUnsup)
			s.writeU32(0)
		case optGo:
			// One INFO_EXPORT reply then REP_ACK.
			s.writeU64(optionReplyMagic)
			s.writeU32(opt)
			s.writeU32(repInfo)
			s.writeU32(12) // 2 (info) + 8 (size) + 2 (flags)
			s.writeU16(infoExport)
			s.writeU64(exportSize)
			s.writeU16(transmissionFlags)

			s.writeU64(optionReplyMagic)
			s.writeU32(opt)
			s.writeU32(repAck)
			s.writeU32(0)
			return
		default:
			s.t.Fatalf("unexpected option %d", opt)
		}
	}
}

func pipe(t *testing.T) (client net.Conn, server *fakeServer) {
	c, s := net.Pipe()
	return c, newFakeServer(t, s)
}

func TestHandshakeNegotiatesExportInfo(t *testing.T) {
	clientConn, server := pipe(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.runHandshake(10*1024*1024, FlagHasFlags|FlagSendFlush)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Handshake(ctx, clientConn, "sda")
	require.NoError(t, err)
	<-done

	require.Equal(t, StateTransmission, c.State())
	require.EqualValues(t, 10*1024*1024, c.ExportSize)
	require.True(t, c.TransmissionFlags&FlagSendFlush != 0)
	require.False(t, c.HasBaseAllocation())
}

func TestZeroRejectedWithoutWriteZeroesFlag(t *testing.T) {
	clientConn, server := pipe(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.runHandshake(1024, FlagHasFlags)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Handshake(ctx, clientConn, "")
	require.NoError(t, err)
	<-done

	err = c.Zero(0, 512, true)
	require.Error(t, err)
	var unsupported *UnsupportedRequest
	require.ErrorAs(t, err, &unsupported)
}

func TestReadWriteZeroLengthShortCircuit(t *testing.T) {
	clientConn, server := pipe(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.runHandshake(1024, FlagHasFlags)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Handshake(ctx, clientConn, "")
	require.NoError(t, err)
	<-done

	require.NoError(t, c.Read(0, nil))
	require.NoError(t, c.Write(0, nil))
	require.NoError(t, c.Zero(0, 0, true))
}
