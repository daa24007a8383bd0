package nbd

import (
	"context"
	"fmt"
	"net"
)

// DialTCP dials addr ("host:port") and performs the handshake against
// exportName.
func DialTCP(ctx context.Context, addr, exportName string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("nbd: dialing %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return Handshake(ctx, conn, exportName, opts...)
}

// DialUnix dials a Unix domain socket at path and performs the handshake
// against exportName.
func DialUnix(ctx context.Context, path, exportName string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("nbd: dialing %s: %w", path, err)
	}
	return Handshake(ctx, conn, exportName, opts...)
}
