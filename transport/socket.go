// Package transport owns the single UDP socket a client or server binds,
// the per-peer dispatch table, and the ingress/egress plumbing that feeds
// the reliable and unreliable channel engines. Nothing above this package
// touches net.UDPConn directly.
package transport

import (
	"context"
	"net"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
)

var errUnexpectedConnType = errors.New("transport: ListenPacket did not return a *net.UDPConn")

// RecvBufferSize bounds a single UDP read. A payload plus the 8-byte
// header can never approach this; it only needs to exceed the largest
// configurable MTU by a safe margin.
const RecvBufferSize = 64 * 1024

// UDPBind opens a UDP socket listening on all interfaces at port,
// enabling SO_REUSEADDR so a crashed-and-restarted server can rebind
// immediately.
func UDPBind(port uint16) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctlErr error
			err := c.Control(func(fd uintptr) {
				ctlErr = setSockoptInt(fd, solSocket, soReuseAddr, 1)
			})
			if err != nil {
				return err
			}
			return ctlErr
		},
	}

	addr := &net.UDPAddr{IP: net.IPv4zero, Port: int(port)}
	conn, err := lc.ListenPacket(context.Background(), "udp", addr.String())
	if err != nil {
		return nil, err
	}

	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, errUnexpectedConnType
	}
	return udpConn, nil
}

// UDPConnect dials a UDP "connection" to host:port, letting the caller
// use Write/Read instead of WriteTo/ReadFrom. Used by the client side,
// which only ever talks to one peer.
func UDPConnect(host string, port uint16) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, err
	}
	return net.DialUDP("udp", nil, addr)
}

// SetBufferSizes applies the configured socket receive/send buffer
// sizes via SO_RCVBUF/SO_SNDBUF. The kernel silently caps these at
// net.core.rmem_max/wmem_max; callers should not treat a smaller
// resulting buffer as an error.
func SetBufferSizes(conn *net.UDPConn, rcvBuf, sndBuf int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	ctlErr := raw.Control(func(fd uintptr) {
		if rcvBuf > 0 {
			if e := setSockoptInt(fd, solSocket, soRcvBuf, rcvBuf); e != nil {
				setErr = e
				return
			}
		}
		if sndBuf > 0 {
			setErr = setSockoptInt(fd, solSocket, soSndBuf, sndBuf)
		}
	})
	if ctlErr != nil {
		return ctlErr
	}
	return setErr
}
