//go:build linux

package sniproxy

import (
	"net"
	"syscall"

	"github.com/rs/zerolog"
)

// enableTFO best-effort enables TCP Fast Open on the client side of
// conn. Failure to enable it is expected on older kernels and is
// logged at debug level but never treated as fatal by callers.
func enableTFO(conn *net.TCPConn, log zerolog.Logger) {
	raw, err := conn.SyscallConn()
	if err != nil {
		log.Debug().Err(err).Msg("tfo: SyscallConn failed")
		return
	}
	var sockErr error
	if ctlErr := raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, 0x17 /* TCP_FASTOPEN_CONNECT */, 1)
	}); ctlErr != nil {
		log.Debug().Err(ctlErr).Msg("tfo: Control failed")
		return
	}
	if sockErr != nil {
		log.Debug().Err(sockErr).Msg("tfo: setsockopt TCP_FASTOPEN_CONNECT failed")
	}
}
