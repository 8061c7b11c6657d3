package server

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazoe/kazad/internal/protocol/kaza"
	"github.com/kazoe/kazad/pkg/registry"
)

// echoListener accepts one connection, echoes everything it receives and
// closes when the peer does.
func echoListener(t *testing.T) (host string, port uint16) {
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
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return "127.0.0.1", uint16(p)
}

func readSockState(t *testing.T, conn net.Conn) kaza.SockState {
	t.Helper()
	fr := readFrame(t, conn)
	require.Equal(t, kaza.KindSockState, fr.Kind)
	st, err := kaza.ParseSockState(fr.Payload)
	require.NoError(t, err)
	return st
}

func TestProxySocketEndToEnd(t *testing.T) {
	host, port := echoListener(t)

	m := newTestManager(t, registry.New())
	conn := startSession(t, m)
	handshake(t, conn, "alice")

	writeFrame(t, conn, kaza.EncodeSockConnect(kaza.SockConnect{ID: 5, Host: host, Port: port}))

	st := readSockState(t, conn)
	assert.Equal(t, uint16(5), st.ID)
	assert.Equal(t, kaza.SockConnecting, st.State)

	st = readSockState(t, conn)
	assert.Equal(t, kaza.SockConnected, st.State)

	writeFrame(t, conn, kaza.EncodeSockData(kaza.SockData{ID: 5, Data: []byte("GET / HTTP/1.0\r\n\r\n")}))

	fr := readFrame(t, conn)
	require.Equal(t, kaza.KindSockData, fr.Kind)
	d, err := kaza.ParseSockData(fr.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(5), d.ID)
	assert.Equal(t, "GET / HTTP/1.0\r\n\r\n", string(d.Data))
}

func TestProxySocketDialFailure(t *testing.T) {
	m := newTestManager(t, registry.New())
	conn := startSession(t, m)
	handshake(t, conn, "alice")

	// A port nothing listens on: connecting then error.
	writeFrame(t, conn, kaza.EncodeSockConnect(kaza.SockConnect{ID: 9, Host: "127.0.0.1", Port: 1}))

	st := readSockState(t, conn)
	assert.Equal(t, kaza.SockConnecting, st.State)
	st = readSockState(t, conn)
	assert.Equal(t, uint16(9), st.ID)
	assert.Equal(t, kaza.SockError, st.State)
}

func TestProxySocketDuplicateIDDropped(t *testing.T) {
	host, port := echoListener(t)

	m := newTestManager(t, registry.New())
	conn := startSession(t, m)
	handshake(t, conn, "alice")

	writeFrame(t, conn, kaza.EncodeSockConnect(kaza.SockConnect{ID: 5, Host: host, Port: port}))
	readSockState(t, conn)
	readSockState(t, conn)

	// Second connect with the same id is ignored: no extra state frames.
	writeFrame(t, conn, kaza.EncodeSockConnect(kaza.SockConnect{ID: 5, Host: host, Port: port}))
	expectSilence(t, conn, 300*time.Millisecond)
}

func TestProxySocketDataForUnknownID(t *testing.T) {
	m := newTestManager(t, registry.New())
	conn := startSession(t, m)
	handshake(t, conn, "alice")

	writeFrame(t, conn, kaza.EncodeSockData(kaza.SockData{ID: 42, Data: []byte("x")}))
	writeFrame(t, conn, kaza.EncodeCommand("PING"))
	assert.Equal(t, "PONG", readCommand(t, conn))
}

func TestProxySocketRemoteClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("bye")) //nolint:errcheck
		conn.Close()
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, _ := strconv.Atoi(portStr)

	m := newTestManager(t, registry.New())
	conn := startSession(t, m)
	handshake(t, conn, "alice")

	writeFrame(t, conn, kaza.EncodeSockConnect(kaza.SockConnect{ID: 3, Host: "127.0.0.1", Port: uint16(p)}))
	require.Equal(t, kaza.SockConnecting, readSockState(t, conn).State)
	require.Equal(t, kaza.SockConnected, readSockState(t, conn).State)

	fr := readFrame(t, conn)
	require.Equal(t, kaza.KindSockData, fr.Kind)
	d, err := kaza.ParseSockData(fr.Payload)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(d.Data))

	require.Equal(t, kaza.SockDisconnected, readSockState(t, conn).State)
}
