package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kazoe/kazad/internal/logger"
	"github.com/kazoe/kazad/internal/protocol/kaza"
	"github.com/kazoe/kazad/pkg/object"
)

type sessionState int32

const (
	stateAwaitVersion sessionState = iota
	stateReady
	stateClosed
)

// Session is one accepted protocol connection. The reader goroutine owns
// all dispatch; a single writer goroutine drains the outbound queue so a
// slow client never blocks an object writer.
type Session struct {
	mgr  *Manager
	conn net.Conn

	id     string
	origin uint64

	state atomic.Int32

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	user    string
	device  string
	channel uint32

	objs      map[string]*object.Object
	ids       map[string]uint16
	names     map[uint16]string
	cancels   map[string]func()
	nextIndex uint16
	dmz       bool

	sockMu sync.Mutex
	socks  map[uint16]net.Conn
}

func newSession(m *Manager, conn net.Conn) *Session {
	return &Session{
		mgr:     m,
		conn:    conn,
		id:      uuid.NewString()[:8],
		origin:  m.nextOrigin.Add(1),
		out:     make(chan []byte, m.config.QueueSize),
		done:    make(chan struct{}),
		objs:    make(map[string]*object.Object),
		ids:     make(map[string]uint16),
		names:   make(map[uint16]string),
		cancels: make(map[string]func()),
		socks:   make(map[uint16]net.Conn),
	}
}

// run reads frames until the connection dies or a protocol violation
// occurs. It recovers panics so one misbehaving client cannot take the
// process down.
func (s *Session) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in session handler",
				logger.KeySession, s.id,
				"error", r,
				"stack", string(debug.Stack()))
		}
		s.close("session ended")
		s.wg.Wait()
	}()

	logger.Debug("session connected",
		logger.KeySession, s.id,
		logger.KeyClientIP, remoteIP(s.conn))

	s.wg.Add(1)
	go s.writeLoop()

	go func() {
		select {
		case <-ctx.Done():
			s.close("server shutdown")
		case <-s.done:
		}
	}()

	for {
		fr, err := kaza.ReadFrame(s.conn)
		if err != nil {
			if err == io.EOF {
				logger.Debug("session closed by client", logger.KeySession, s.id)
			} else if s.state.Load() != int32(stateClosed) {
				logger.Debug("session read failed",
					logger.KeySession, s.id, logger.KeyError, err.Error())
			}
			return
		}

		s.mgr.metrics.FrameReceived(fr.Kind.String())
		if !s.dispatch(ctx, fr) {
			return
		}
	}
}

// dispatch handles one frame. It returns false when the session must end.
func (s *Session) dispatch(ctx context.Context, fr kaza.Frame) bool {
	if sessionState(s.state.Load()) == stateAwaitVersion {
		if fr.Kind != kaza.KindVersion {
			logger.Warn("frame before version negotiation",
				logger.KeySession, s.id, logger.KeyFrame, fr.Kind.String())
			return false
		}
		return s.handleVersion(fr.Payload)
	}

	switch fr.Kind {
	case kaza.KindCommand:
		cmd, err := kaza.ParseCommand(fr.Payload)
		if err != nil {
			logger.Warn("malformed command frame",
				logger.KeySession, s.id, logger.KeyError, err.Error())
			return false
		}
		return s.handleCommand(cmd)

	case kaza.KindObject:
		u, err := kaza.ParseObject(fr.Payload)
		if err != nil {
			logger.Warn("malformed object frame",
				logger.KeySession, s.id, logger.KeyError, err.Error())
			return false
		}
		s.handleObjectWrite(u)
		return true

	case kaza.KindDBQuery:
		q, err := kaza.ParseDBQuery(fr.Payload)
		if err != nil {
			logger.Warn("malformed db query frame",
				logger.KeySession, s.id, logger.KeyError, err.Error())
			return false
		}
		s.handleDBQuery(ctx, q)
		return true

	case kaza.KindSockConnect:
		c, err := kaza.ParseSockConnect(fr.Payload)
		if err != nil {
			logger.Warn("malformed sock connect frame",
				logger.KeySession, s.id, logger.KeyError, err.Error())
			return false
		}
		s.handleSockConnect(c)
		return true

	case kaza.KindSockData:
		d, err := kaza.ParseSockData(fr.Payload)
		if err != nil {
			logger.Warn("malformed sock data frame",
				logger.KeySession, s.id, logger.KeyError, err.Error())
			return false
		}
		s.handleSockData(d)
		return true

	default:
		// Server-originated kinds echoed back; not fatal.
		logger.Debug("ignoring unexpected frame",
			logger.KeySession, s.id, logger.KeyFrame, fr.Kind.String())
		return true
	}
}

func (s *Session) handleVersion(payload []byte) bool {
	v, err := kaza.ParseVersion(payload)
	if err != nil {
		logger.Warn("malformed version frame",
			logger.KeySession, s.id, logger.KeyError, err.Error())
		return false
	}

	if v.Major != kaza.VersionMajor {
		logger.Warn("incompatible protocol version",
			logger.KeySession, s.id,
			"client_version", fmt.Sprintf("%d.%d", v.Major, v.Minor),
			"server_version", fmt.Sprintf("%d.%d", kaza.VersionMajor, kaza.VersionMinor))
		s.send(kaza.EncodeVersionBad(fmt.Sprintf("unsupported protocol version %d.%d", v.Major, v.Minor)))
		// Grace period so the rejection reaches the client before close.
		time.Sleep(time.Second)
		return false
	}

	s.mu.Lock()
	s.user = v.User
	s.device = v.Device
	s.channel = v.Channel
	s.mu.Unlock()
	s.state.Store(int32(stateReady))

	logger.Info("session ready",
		logger.KeySession, s.id,
		logger.KeyUser, v.User,
		logger.KeyDevice, v.Device,
		logger.KeyChannel, int(v.Channel))

	s.send(kaza.EncodeVersionOK(""))

	sum, err := s.mgr.bundle.Checksum()
	if err != nil {
		logger.Warn("failed to checksum client bundle",
			logger.KeySession, s.id, logger.KeyError, err.Error())
	}
	s.sendCommand("APP:" + sum)
	return true
}

func (s *Session) handleCommand(cmd string) bool {
	parts := strings.Split(cmd, ":")
	verb := parts[0]

	switch verb {
	case "APP?":
		data, err := s.mgr.bundle.Read()
		if err != nil {
			logger.Error("failed to read client bundle",
				logger.KeySession, s.id, logger.KeyError, err.Error())
			return false
		}
		s.send(kaza.EncodeFile(kaza.FilePayload{Name: s.mgr.bundle.Filename(), Data: data}))

	case "OBJLIST?":
		s.sendObjectList()

	case "OBJ":
		if len(parts) != 3 {
			logger.Warn("malformed OBJ command",
				logger.KeySession, s.id, logger.KeyVerb, cmd)
			return true
		}
		index, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			logger.Warn("invalid subscription index",
				logger.KeySession, s.id, logger.KeyIndex, parts[2])
			return true
		}
		s.subscribe(parts[1], uint16(index), true)

	case "DMZ":
		s.enableDMZ()
		s.sendCommand("DMZ:OK")

	case "LISTOBJECTS":
		s.sendCommand("LISTOBJECTS:" + strings.Join(s.mgr.registry.Keys(), ","))

	case "ALARMS":
		if len(parts) != 2 {
			logger.Warn("malformed ALARMS command",
				logger.KeySession, s.id, logger.KeyVerb, cmd)
			return true
		}
		s.sendAlarms(parts[1])

	case "PING":
		s.sendCommand("PONG")

	case "NOTIFY", "POSITION?":
		// Server-originated; clients should not send them.

	default:
		logger.Warn("unknown command",
			logger.KeySession, s.id, logger.KeyVerb, verb)
	}
	return true
}

// sendObjectList pushes a full registry snapshot. Taking a snapshot does
// not subscribe to anything.
func (s *Session) sendObjectList() {
	objs := s.mgr.registry.Objects()
	entries := make([]kaza.ObjectListEntry, 0, len(objs))
	for _, o := range objs {
		entries = append(entries, kaza.ObjectListEntry{
			Name:  o.Name(),
			Value: o.Value(),
			Unit:  o.Unit(),
		})
	}
	s.send(kaza.EncodeObjectList(entries))
}

// subscribe wires an object's change events to this session under the
// given index. A name already subscribed keeps its original index; the
// descriptor and current value are still re-sent so clients can re-sync.
func (s *Session) subscribe(name string, index uint16, sendDesc bool) {
	obj := s.mgr.registry.Lookup(name)
	if obj == nil {
		logger.Warn("subscribe to unknown object",
			logger.KeySession, s.id, logger.KeyObject, name)
		return
	}

	s.mu.Lock()
	if existing, ok := s.ids[name]; ok {
		index = existing
	} else {
		if taken, ok := s.names[index]; ok {
			s.mu.Unlock()
			logger.Warn("subscription index already in use",
				logger.KeySession, s.id,
				logger.KeyIndex, int(index),
				logger.KeyObject, taken)
			return
		}
		s.objs[name] = obj
		s.ids[name] = index
		s.names[index] = name

		id := index
		s.cancels[name] = obj.Watch(func(ch object.Change) {
			if ch.Origin == s.origin {
				return
			}
			s.send(kaza.EncodeObject(kaza.ObjectUpdate{ID: id, Value: ch.Value}))
		})

		logger.Debug("subscribed",
			logger.KeySession, s.id,
			logger.KeyObject, name,
			logger.KeyIndex, int(index))
	}
	s.mu.Unlock()

	if sendDesc {
		s.sendCommand("OBJDESC:" + name + ":" + obj.Unit())
	}
	if v := obj.Value(); v.IsValid() {
		s.send(kaza.EncodeObject(kaza.ObjectUpdate{ID: index, Value: v}))
	}
}

// enableDMZ subscribes the session to every registered object and marks it
// for auto-subscription of future registrations. Descriptors are not sent;
// the client is expected to have taken an OBJLIST? snapshot first.
func (s *Session) enableDMZ() {
	s.mu.Lock()
	s.dmz = true
	s.mu.Unlock()

	for _, o := range s.mgr.registry.Objects() {
		s.subscribe(o.Name(), s.nextFreeIndex(), false)
	}
}

// autoSubscribe is invoked by the manager when a new object is registered.
func (s *Session) autoSubscribe(o *object.Object) {
	s.mu.Lock()
	dmz := s.dmz
	s.mu.Unlock()
	if !dmz || sessionState(s.state.Load()) != stateReady {
		return
	}
	s.subscribe(o.Name(), s.nextFreeIndex(), false)
}

func (s *Session) nextFreeIndex() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if _, used := s.names[s.nextIndex]; !used {
			idx := s.nextIndex
			s.nextIndex++
			return idx
		}
		s.nextIndex++
	}
}

// handleObjectWrite applies a client write to the subscribed object. The
// fan-out skips this session (origin token); when the client asked for
// confirmation the accepted value is echoed back with confirm set.
func (s *Session) handleObjectWrite(u kaza.ObjectUpdate) {
	s.mu.Lock()
	name, ok := s.names[u.ID]
	obj := s.objs[name]
	s.mu.Unlock()

	if !ok || obj == nil {
		logger.Warn("object write for unknown id",
			logger.KeySession, s.id, logger.KeyIndex, int(u.ID))
		return
	}

	obj.ChangeValue(u.Value, s.origin)
	s.mgr.metrics.ObjectChanged()

	if u.Confirm {
		s.send(kaza.EncodeObject(kaza.ObjectUpdate{ID: u.ID, Value: u.Value, Confirm: true}))
	}
}

// handleDBQuery runs the SQL verbatim. On failure nothing is sent back.
func (s *Session) handleDBQuery(ctx context.Context, q kaza.DBQuery) {
	if s.mgr.db == nil {
		logger.Debug("db query dropped, bridge disabled", logger.KeySession, s.id)
		return
	}

	res, err := s.mgr.db.Query(ctx, q.SQL)
	if err != nil {
		logger.Warn("db query failed",
			logger.KeySession, s.id, logger.KeyError, err.Error())
		return
	}

	s.send(kaza.EncodeDBResult(kaza.DBResult{
		ID:      q.ID,
		Columns: res.Columns,
		Rows:    res.Rows,
	}))
}

// sendAlarms builds the newline digest of alarms visible to the user,
// compresses it and replies base64-encoded.
func (s *Session) sendAlarms(user string) {
	var lines []string
	for _, a := range s.mgr.registry.Alarms() {
		if !a.VisibleTo(user) {
			continue
		}
		lines = append(lines, a.Title+": "+a.Message)
	}

	digest := kaza.Compress([]byte(strings.Join(lines, "\n")))
	s.sendCommand("ALARM:" + base64.StdEncoding.EncodeToString(digest))
}

func (s *Session) sendCommand(cmd string) {
	s.send(kaza.EncodeCommand(cmd))
}

// send enqueues an encoded frame. A full queue means the client cannot
// keep up; the session is dropped rather than blocking the writer.
func (s *Session) send(frame []byte) {
	if sessionState(s.state.Load()) == stateClosed {
		return
	}
	select {
	case s.out <- frame:
	default:
		logger.Warn("outbound queue overflow, dropping session",
			logger.KeySession, s.id)
		s.mgr.metrics.SessionDropped()
		s.close("outbound queue overflow")
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case b := <-s.out:
			if _, err := s.conn.Write(b); err != nil {
				s.close("write failed")
				return
			}
			s.mgr.metrics.FrameSent(kaza.Kind(b[4]).String())
		case <-s.done:
			// Flush what is already queued; writes to the closed socket
			// fail silently.
			for {
				select {
				case b := <-s.out:
					if _, err := s.conn.Write(b); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// matchesUser reports whether broadcasts filtered by the given usernames
// reach this session.
func (s *Session) matchesUser(users []string) bool {
	if sessionState(s.state.Load()) != stateReady {
		return false
	}
	s.mu.Lock()
	name := s.user
	s.mu.Unlock()
	return matchUser(name, users)
}

// close tears the session down exactly once. Watcher cancellation runs on
// its own goroutine: close may be reached from inside a change callback,
// which already holds the object's watcher lock.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosed))
		close(s.done)
		_ = s.conn.Close()

		go func() {
			s.mu.Lock()
			cancels := s.cancels
			s.cancels = make(map[string]func())
			s.mu.Unlock()
			for _, cancel := range cancels {
				cancel()
			}
			s.closeSockets()
		}()

		logger.Debug("session closed",
			logger.KeySession, s.id, "reason", reason)
	})
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
