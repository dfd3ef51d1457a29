//go:build linux

package lib

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// applySockOpts tightens the kernel keep-alive knobs beyond what the
// portable API exposes. TCP_USER_TIMEOUT bounds how long written data
// may stay unacknowledged, aligned with the configured write timeout.
func applySockOpts(conn *net.TCPConn, opts *Options) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(keepAlivePeriod/time.Second))
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(keepAlivePeriod/time.Second))
		if opts.WriteTimeout > 0 {
			unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, int(opts.WriteTimeout/time.Millisecond))
		}
	})
}
