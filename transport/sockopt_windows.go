//go:build windows

package transport

import "syscall"

const (
	solSocket   = syscall.SOL_SOCKET
	soReuseAddr = syscall.SO_REUSEADDR
	soRcvBuf    = syscall.SO_RCVBUF
	soSndBuf    = syscall.SO_SNDBUF
)

func setSockoptInt(fd uintptr, level, opt, value int) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), level, opt, value)
}
