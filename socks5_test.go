package sniproxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSocks5Server accepts exactly one connection and hands it to
// handle, which plays back a scripted RFC 1928 exchange. It returns
// the listener's address.
func fakeSocks5Server(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
	return ln.Addr().String()
}

func TestDialSocks5_NoAuthSuccess(t *testing.T) {
	addr := fakeSocks5Server(t, func(conn net.Conn) {
		greeting := make([]byte, 3)
		io.ReadFull(conn, greeting)
		conn.Write([]byte{0x05, 0x00})

		req := make([]byte, 5+len("target.example.com")+2)
		io.ReadFull(conn, req)
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	})

	conn, err := DialSocks5(context.Background(), addr, nil, "target.example.com", 443)
	require.NoError(t, err)
	defer conn.Close()
}

func TestDialSocks5_UserPassSuccess(t *testing.T) {
	addr := fakeSocks5Server(t, func(conn net.Conn) {
		greeting := make([]byte, 4)
		io.ReadFull(conn, greeting)
		conn.Write([]byte{0x05, 0x02})

		authHdr := make([]byte, 2)
		io.ReadFull(conn, authHdr)
		io.ReadFull(conn, make([]byte, int(authHdr[1])))
		pwLen := make([]byte, 1)
		io.ReadFull(conn, pwLen)
		io.ReadFull(conn, make([]byte, int(pwLen[0])))
		conn.Write([]byte{0x01, 0x00})

		req := make([]byte, 5+len("target.example.com")+2)
		io.ReadFull(conn, req)
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	})

	creds := &Socks5Credentials{Username: "alice", Password: "secret"}
	conn, err := DialSocks5(context.Background(), addr, creds, "target.example.com", 443)
	require.NoError(t, err)
	defer conn.Close()
}

func TestDialSocks5_AuthRejected(t *testing.T) {
	addr := fakeSocks5Server(t, func(conn net.Conn) {
		greeting := make([]byte, 4)
		io.ReadFull(conn, greeting)
		conn.Write([]byte{0x05, 0x02})
		authHdr := make([]byte, 2)
		io.ReadFull(conn, authHdr)
		io.ReadFull(conn, make([]byte, int(authHdr[1])))
		pwLen := make([]byte, 1)
		io.ReadFull(conn, pwLen)
		io.ReadFull(conn, make([]byte, int(pwLen[0])))
		conn.Write([]byte{0x01, 0x01}) // non-zero status: rejected
	})

	creds := &Socks5Credentials{Username: "alice", Password: "wrong"}
	_, err := DialSocks5(context.Background(), addr, creds, "target.example.com", 443)
	require.Error(t, err)
	var se *Socks5Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, AuthRejected, se.Kind)
}

func TestDialSocks5_TargetRefused(t *testing.T) {
	addr := fakeSocks5Server(t, func(conn net.Conn) {
		greeting := make([]byte, 3)
		io.ReadFull(conn, greeting)
		conn.Write([]byte{0x05, 0x00})
		req := make([]byte, 5+len("target.example.com")+2)
		io.ReadFull(conn, req)
		conn.Write([]byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0}) // REP 0x05 connection refused
	})

	_, err := DialSocks5(context.Background(), addr, nil, "target.example.com", 443)
	require.Error(t, err)
	var se *Socks5Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, TargetRefused, se.Kind)
	require.Equal(t, byte(0x05), se.Rep)
}

func TestDialSocks5_NoAcceptableMethod(t *testing.T) {
	addr := fakeSocks5Server(t, func(conn net.Conn) {
		greeting := make([]byte, 3)
		io.ReadFull(conn, greeting)
		conn.Write([]byte{0x05, 0xFF})
	})

	_, err := DialSocks5(context.Background(), addr, nil, "target.example.com", 443)
	require.Error(t, err)
	var se *Socks5Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, HandshakeFailed, se.Kind)
}

func TestDialSocks5_ProxyUnreachable(t *testing.T) {
	// Port 0 combined with an already-closed listener address is not
	// guaranteed refused on every platform, so dial a closed listener
	// instead: bind then close, guaranteeing ECONNREFUSED locally.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = DialSocks5(ctx, addr, nil, "target.example.com", 443)
	require.Error(t, err)
	var se *Socks5Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, ProxyUnreachable, se.Kind)
}

func TestDialSocks5_Timeout(t *testing.T) {
	addr := fakeSocks5Server(t, func(conn net.Conn) {
		// Read the greeting but never reply: the client's per-step
		// deadline (socks5StepTimeout) must fire on the method read.
		io.ReadFull(conn, make([]byte, 3))
		select {}
	})

	start := time.Now()
	_, err := DialSocks5(context.Background(), addr, nil, "target.example.com", 443)
	require.Error(t, err)
	require.Less(t, time.Since(start), socks5StepTimeout+2*time.Second)

	var se *Socks5Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, Socks5Timeout, se.Kind)
}
