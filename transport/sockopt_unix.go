//go:build !windows

package transport

import "golang.org/x/sys/unix"

const (
	solSocket   = unix.SOL_SOCKET
	soReuseAddr = unix.SO_REUSEADDR
	soRcvBuf    = unix.SO_RCVBUF
	soSndBuf    = unix.SO_SNDBUF
)

func setSockoptInt(fd uintptr, level, opt, value int) error {
	return unix.SetsockoptInt(int(fd), level, opt, value)
}
