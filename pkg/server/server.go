// Package server accepts mutually-authenticated TLS connections and runs
// one protocol session per client: version negotiation, object
// subscriptions with change fan-out, database queries and proxied sockets.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kazoe/kazad/internal/logger"
	"github.com/kazoe/kazad/pkg/bundle"
	"github.com/kazoe/kazad/pkg/database"
	"github.com/kazoe/kazad/pkg/metrics"
	"github.com/kazoe/kazad/pkg/object"
	"github.com/kazoe/kazad/pkg/registry"
)

// Config holds the protocol listener settings.
type Config struct {
	// Port is the TCP port for the mutually-authenticated listener.
	Port int

	// QueueSize caps each session's outbound frame queue. A session that
	// overflows its queue is dropped. 0 means the default of 256.
	QueueSize int

	// ShutdownTimeout bounds the wait for live sessions during Stop.
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Manager owns the main TLS listener and the set of live sessions. It is
// the process-wide connection list of the design: broadcast helpers and
// registry-driven DMZ auto-subscription go through here.
type Manager struct {
	config    Config
	tlsConfig *tls.Config

	registry *registry.Registry
	bundle   *bundle.Bundle
	db       *database.Bridge
	metrics  *metrics.Collectors

	listenerMu    sync.RWMutex
	listener      net.Listener
	listenerReady chan struct{}

	sessionMu sync.Mutex
	sessions  map[*Session]struct{}

	// nextOrigin hands out the per-session change-origin tokens used to
	// suppress fan-out echo to the writer.
	nextOrigin atomic.Uint64

	activeConns  sync.WaitGroup
	shutdownOnce sync.Once
	shutdown     chan struct{}

	shutdownCtx    context.Context
	cancelSessions context.CancelFunc
}

// New creates a Manager. The database bridge and metrics may be nil.
func New(cfg Config, tlsConfig *tls.Config, reg *registry.Registry, bdl *bundle.Bundle, db *database.Bridge, m *metrics.Collectors) *Manager {
	cfg.applyDefaults()

	shutdownCtx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		config:         cfg,
		tlsConfig:      tlsConfig,
		registry:       reg,
		bundle:         bdl,
		db:             db,
		metrics:        m,
		listenerReady:  make(chan struct{}),
		sessions:       make(map[*Session]struct{}),
		shutdown:       make(chan struct{}),
		shutdownCtx:    shutdownCtx,
		cancelSessions: cancel,
	}

	// Late registrations reach every DMZ session.
	reg.OnObjectAdded(func(o *object.Object) {
		for _, s := range mgr.snapshotSessions() {
			s.autoSubscribe(o)
		}
	})

	return mgr
}

// Serve accepts connections until the context is cancelled or Stop is
// called. Each accepted connection runs its session on its own goroutine.
func (m *Manager) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", m.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", m.config.Port, err)
	}
	tlsLn := tls.NewListener(ln, m.tlsConfig)

	m.listenerMu.Lock()
	m.listener = tlsLn
	m.listenerMu.Unlock()
	close(m.listenerReady)

	logger.Info("protocol server listening", logger.KeyPort, m.config.Port)

	go func() {
		<-ctx.Done()
		m.initiateShutdown()
	}()

	for {
		conn, err := tlsLn.Accept()
		if err != nil {
			select {
			case <-m.shutdown:
				return m.gracefulShutdown()
			default:
				logger.Debug("accept failed", logger.KeyError, err.Error())
				continue
			}
		}

		s := newSession(m, conn)
		m.addSession(s)
		m.activeConns.Add(1)
		m.metrics.SessionOpened()

		go func() {
			defer func() {
				m.removeSession(s)
				m.activeConns.Done()
				m.metrics.SessionClosed()
			}()
			s.run(m.shutdownCtx)
		}()
	}
}

// Addr returns the bound listener address. It blocks until Serve has
// opened the listener; tests bind port 0 and read the real port here.
func (m *Manager) Addr() net.Addr {
	<-m.listenerReady
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	return m.listener.Addr()
}

// Stop initiates shutdown without waiting for Serve to return.
func (m *Manager) Stop() {
	m.initiateShutdown()
}

func (m *Manager) initiateShutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdown)
		m.listenerMu.Lock()
		if m.listener != nil {
			if err := m.listener.Close(); err != nil {
				logger.Debug("error closing listener", logger.KeyError, err.Error())
			}
		}
		m.listenerMu.Unlock()
		m.cancelSessions()
	})
}

func (m *Manager) gracefulShutdown() error {
	for _, s := range m.snapshotSessions() {
		s.close("server shutdown")
	}

	done := make(chan struct{})
	go func() {
		m.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("protocol server stopped")
		return nil
	case <-time.After(m.config.ShutdownTimeout):
		return fmt.Errorf("shutdown timed out after %s", m.config.ShutdownTimeout)
	}
}

func (m *Manager) addSession(s *Session) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	m.sessions[s] = struct{}{}
}

func (m *Manager) removeSession(s *Session) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	delete(m.sessions, s)
}

func (m *Manager) snapshotSessions() []*Session {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Notify broadcasts a NOTIFY command. With no users every ready session is
// notified; otherwise only sessions whose username matches one of the
// given names (compared lowercase).
func (m *Manager) Notify(text string, users ...string) {
	for _, s := range m.snapshotSessions() {
		if s.matchesUser(users) {
			s.sendCommand("NOTIFY:" + text)
		}
	}
}

// BroadcastObjectList pushes a fresh registry snapshot to every ready
// session. Configuration loaders call this after bulk registrations so
// connected clients pick up the new object set without resubscribing.
func (m *Manager) BroadcastObjectList() {
	for _, s := range m.snapshotSessions() {
		if sessionState(s.state.Load()) == stateReady {
			s.sendObjectList()
		}
	}
}

// AskPosition asks the selected clients to report their GPS position.
func (m *Manager) AskPosition(users ...string) {
	for _, s := range m.snapshotSessions() {
		if s.matchesUser(users) {
			s.sendCommand("POSITION?")
		}
	}
}

func matchUser(name string, users []string) bool {
	if len(users) == 0 {
		return true
	}
	name = strings.ToLower(name)
	for _, u := range users {
		if strings.ToLower(u) == name {
			return true
		}
	}
	return false
}
