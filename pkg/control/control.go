// Package control implements the line-based control and provisioning
// service on the second TLS port. The port is server-authenticated only:
// it exists so that operators and not-yet-provisioned clients can reach
// the server before they hold a client certificate.
package control

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/kazoe/kazad/internal/logger"
	"github.com/kazoe/kazad/pkg/metrics"
	"github.com/kazoe/kazad/pkg/pki"
	"github.com/kazoe/kazad/pkg/registry"
)

// Broadcaster pushes operator-initiated commands to connected protocol
// sessions. Implemented by the protocol server's session manager.
type Broadcaster interface {
	Notify(text string, users ...string)
	AskPosition(users ...string)
}

// Config holds the control listener settings plus the connection details
// advertised to provisioned clients.
type Config struct {
	// Port is the TCP port for the control listener.
	Port int

	// Password is the administrative password checked by clientconf?.
	Password string

	// AdvertisedHost and AdvertisedPort are what a provisioned client is
	// told to connect to. The host may differ from the certificate
	// hostname when clients reach the server through a NAT or a relay.
	AdvertisedHost string
	AdvertisedPort int

	// ShutdownTimeout bounds the wait for live connections during Stop.
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Server accepts control connections and runs the line protocol on each.
type Server struct {
	config      Config
	tlsConfig   *tls.Config
	registry    *registry.Registry
	authority   *pki.Authority
	broadcaster Broadcaster
	metrics     *metrics.Collectors

	listenerMu    sync.RWMutex
	listener      net.Listener
	listenerReady chan struct{}

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	activeConns  sync.WaitGroup
	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New creates a control server. The broadcaster and metrics may be nil;
// notify and position? become no-ops without a broadcaster.
func New(cfg Config, tlsConfig *tls.Config, reg *registry.Registry, authority *pki.Authority, b Broadcaster, m *metrics.Collectors) *Server {
	cfg.applyDefaults()
	return &Server{
		config:        cfg,
		tlsConfig:     tlsConfig,
		registry:      reg,
		authority:     authority,
		broadcaster:   b,
		metrics:       m,
		listenerReady: make(chan struct{}),
		conns:         make(map[net.Conn]struct{}),
		shutdown:      make(chan struct{}),
	}
}

// Serve accepts connections until the context is cancelled or Stop is
// called.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on control port %d: %w", s.config.Port, err)
	}
	tlsLn := tls.NewListener(ln, s.tlsConfig)

	s.listenerMu.Lock()
	s.listener = tlsLn
	s.listenerMu.Unlock()
	close(s.listenerReady)

	logger.Info("control server listening", logger.KeyPort, s.config.Port)

	go func() {
		<-ctx.Done()
		s.initiateShutdown()
	}()

	for {
		conn, err := tlsLn.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return s.gracefulShutdown()
			default:
				logger.Debug("control accept failed", logger.KeyError, err.Error())
				continue
			}
		}

		s.trackConn(conn)
		s.activeConns.Add(1)
		go func() {
			defer func() {
				s.untrackConn(conn)
				s.activeConns.Done()
			}()
			s.handleConn(conn)
		}()
	}
}

// Addr returns the bound listener address. It blocks until Serve has
// opened the listener; tests bind port 0 and read the real port here.
func (s *Server) Addr() net.Addr {
	<-s.listenerReady
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	return s.listener.Addr()
}

// Stop initiates shutdown without waiting for Serve to return.
func (s *Server) Stop() {
	s.initiateShutdown()
}

func (s *Server) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		s.listenerMu.Lock()
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				logger.Debug("error closing control listener", logger.KeyError, err.Error())
			}
		}
		s.listenerMu.Unlock()

		s.connMu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.connMu.Unlock()
	})
}

func (s *Server) gracefulShutdown() error {
	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("control server stopped")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		return fmt.Errorf("control shutdown timed out after %s", s.config.ShutdownTimeout)
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) notify(args []string) {
	if s.broadcaster == nil {
		return
	}
	users, text := splitUserFilters(args)
	s.broadcaster.Notify(text, users...)
}

func (s *Server) askPosition(args []string) {
	if s.broadcaster == nil {
		return
	}
	users, _ := splitUserFilters(args)
	s.broadcaster.AskPosition(users...)
}

// splitUserFilters consumes leading /-prefixed tokens as username filters
// and joins the remainder back into the message text.
func splitUserFilters(args []string) (users []string, text string) {
	i := 0
	for ; i < len(args); i++ {
		if !strings.HasPrefix(args[i], "/") {
			break
		}
		users = append(users, strings.TrimPrefix(args[i], "/"))
	}
	return users, strings.Join(args[i:], " ")
}

func (s *Server) constantTimePasswordOK(password string) bool {
	return subtle.ConstantTimeCompare([]byte(password), []byte(s.config.Password)) == 1
}
