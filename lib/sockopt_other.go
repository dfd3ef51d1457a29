//go:build !linux

package lib

import "net"

// applySockOpts is a no-op where the platform-specific keep-alive
// knobs are unavailable; the portable keep-alive settings still apply.
func applySockOpts(conn *net.TCPConn, opts *Options) {}
