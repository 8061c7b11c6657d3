package server

import (
	"net"
	"strconv"
	"time"

	"github.com/kazoe/kazad/internal/logger"
	"github.com/kazoe/kazad/internal/protocol/kaza"
)

const (
	sockDialTimeout = 10 * time.Second
	sockReadBuffer  = 32 * 1024
)

// handleSockConnect opens an outbound TCP connection for the client and
// registers it under the client-chosen id. The dial and the read pump run
// on their own goroutine; state transitions are reported as SOCK_STATE
// frames.
func (s *Session) handleSockConnect(c kaza.SockConnect) {
	s.sockMu.Lock()
	if _, exists := s.socks[c.ID]; exists {
		s.sockMu.Unlock()
		logger.Warn("proxied socket id already in use",
			logger.KeySession, s.id, logger.KeyChannel, c.ID)
		return
	}
	// Reserve the id before dialing so a duplicate SOCK_CONNECT while the
	// dial is in flight is rejected.
	s.socks[c.ID] = nil
	s.sockMu.Unlock()

	go s.runSocket(c)
}

func (s *Session) runSocket(c kaza.SockConnect) {
	addr := net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
	logger.Debug("proxied socket connecting",
		logger.KeySession, s.id, logger.KeyChannel, c.ID, "addr", addr)

	s.send(kaza.EncodeSockState(kaza.SockState{ID: c.ID, State: kaza.SockConnecting}))

	conn, err := net.DialTimeout("tcp", addr, sockDialTimeout)
	if err != nil {
		logger.Warn("proxied socket dial failed",
			logger.KeySession, s.id,
			logger.KeyChannel, c.ID,
			logger.KeyError, err.Error())
		s.send(kaza.EncodeSockState(kaza.SockState{ID: c.ID, State: kaza.SockError}))
		s.dropSocket(c.ID)
		return
	}

	s.sockMu.Lock()
	if sessionState(s.state.Load()) == stateClosed {
		s.sockMu.Unlock()
		_ = conn.Close()
		return
	}
	s.socks[c.ID] = conn
	s.sockMu.Unlock()

	s.send(kaza.EncodeSockState(kaza.SockState{ID: c.ID, State: kaza.SockConnected}))

	buf := make([]byte, sockReadBuffer)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.send(kaza.EncodeSockData(kaza.SockData{ID: c.ID, Data: data}))
		}
		if err != nil {
			break
		}
	}

	s.send(kaza.EncodeSockState(kaza.SockState{ID: c.ID, State: kaza.SockDisconnected}))
	_ = conn.Close()
	s.dropSocket(c.ID)
	logger.Debug("proxied socket closed",
		logger.KeySession, s.id, logger.KeyChannel, c.ID)
}

// handleSockData forwards client bytes to the outbound socket. Data for an
// unknown or still-connecting id is dropped.
func (s *Session) handleSockData(d kaza.SockData) {
	s.sockMu.Lock()
	conn, ok := s.socks[d.ID]
	s.sockMu.Unlock()

	if !ok || conn == nil {
		logger.Warn("data for unknown proxied socket",
			logger.KeySession, s.id, logger.KeyChannel, d.ID)
		return
	}
	if _, err := conn.Write(d.Data); err != nil {
		logger.Debug("proxied socket write failed",
			logger.KeySession, s.id,
			logger.KeyChannel, d.ID,
			logger.KeyError, err.Error())
	}
}

func (s *Session) dropSocket(id uint16) {
	s.sockMu.Lock()
	delete(s.socks, id)
	s.sockMu.Unlock()
}

func (s *Session) closeSockets() {
	s.sockMu.Lock()
	socks := s.socks
	s.socks = make(map[uint16]net.Conn)
	s.sockMu.Unlock()

	for _, conn := range socks {
		if conn != nil {
			_ = conn.Close()
		}
	}
}
