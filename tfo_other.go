//go:build !linux

package sniproxy

import (
	"net"

	"github.com/rs/zerolog"
)

// enableTFO is a no-op on platforms without TCP_FASTOPEN_CONNECT
// support wired up here.
func enableTFO(conn *net.TCPConn, log zerolog.Logger) {}
