package control

import (
	"bufio"
	"fmt"
	"net"
	"runtime/debug"
	"strings"

	"github.com/kazoe/kazad/internal/logger"
	"github.com/kazoe/kazad/pkg/object"
)

// objNameColumns is the fixed column width of the object name in obj?
// listings; values and units start at column 81.
const objNameColumns = 80

// handleConn runs the line protocol on one accepted connection. Commands
// arrive one per newline-terminated line; replies are written directly.
func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger.Debug("control connection opened", logger.KeyClientIP, remote)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in control connection",
				logger.KeyClientIP, remote,
				logger.KeyError, fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()))
		}
		_ = conn.Close()
		logger.Debug("control connection closed", logger.KeyClientIP, remote)
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if closeAfter := s.handleLine(conn, scanner.Text()); closeAfter {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("control read failed",
			logger.KeyClientIP, remote, logger.KeyError, err.Error())
	}
}

// handleLine dispatches one command line. The returned flag asks the
// caller to close the connection.
//
// clientconf? is matched case-sensitively before the line is lowercased:
// its arguments carry passwords and a username whose case matters.
func (s *Server) handleLine(conn net.Conn, line string) (closeAfter bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	logger.Debug("control command", logger.KeyVerb, firstToken(trimmed))

	if strings.HasPrefix(trimmed, "clientconf?") {
		s.metrics.ControlCommand("clientconf?")
		parts := strings.Split(trimmed, " ")
		if len(parts) != 4 {
			logger.Warn("invalid clientconf? format")
			s.write(conn, "ERROR: Invalid format. Expected: clientconf? adminpass username userpass\n")
			return true
		}
		return s.clientConf(conn, parts[1], parts[2], parts[3])
	}

	fields := strings.Fields(trimmed)
	verb := strings.ToLower(fields[0])
	args := fields[1:]

	switch verb {
	case "obj?":
		s.metrics.ControlCommand("obj?")
		s.listObjects(conn, args)
	case "refresh":
		s.metrics.ControlCommand("refresh")
		s.refresh(conn, args)
	case "notify":
		s.metrics.ControlCommand("notify")
		s.notify(args)
	case "position?":
		s.metrics.ControlCommand("position?")
		s.askPosition(args)
	default:
		logger.Debug("unknown control command", logger.KeyVerb, verb)
	}
	return false
}

// listObjects writes one line per object, the name left-justified in a
// fixed-width column followed by the stringified value and unit, then a
// terminating blank line. With an argument only the named object is
// listed; an unknown name yields just the blank line.
func (s *Server) listObjects(conn net.Conn, args []string) {
	names := s.registry.Keys()
	if len(args) > 0 {
		names = []string{args[0]}
	}

	var b strings.Builder
	for _, name := range names {
		obj := s.registry.Lookup(name)
		if obj == nil {
			logger.Warn("object not found", logger.KeyObject, name)
			continue
		}
		fmt.Fprintf(&b, "%-*s%s %s\n", objNameColumns, obj.Name(), obj.Value().String(), obj.Unit())
	}
	b.WriteString("\n")
	s.write(conn, b.String())
}

// refresh forces an object back to the invalid value, which fans out to
// subscribers like any other change.
func (s *Server) refresh(conn net.Conn, args []string) {
	if len(args) != 1 {
		logger.Warn("invalid refresh query", logger.KeyCount, len(args))
		return
	}

	obj := s.registry.Lookup(args[0])
	if obj == nil {
		logger.Warn("object not found for refresh", logger.KeyObject, args[0])
		s.write(conn, "ERROR: Object not found\n\n")
		return
	}
	obj.SetValue(object.Invalid())
	s.write(conn, "OK\n\n")
}

// clientConf authenticates the operator and returns the connection bundle
// for a user: advertised endpoint, client certificate and key, and the CA
// certificate, in a fixed XML shape the provisioning tools parse. The
// user password is accepted for command compatibility; client keys are
// written unencrypted.
func (s *Server) clientConf(conn net.Conn, adminPassword, username, _ string) (closeAfter bool) {
	logger.Info("processing clientconf request", logger.KeyUser, username)

	if !s.constantTimePasswordOK(adminPassword) {
		logger.Warn("control authentication failed", logger.KeyUser, username)
		s.write(conn, "ERROR: Authentication failed\n")
		return true
	}

	certPEM, keyPEM, err := s.authority.EnsureClientCredentials(username)
	if err != nil {
		logger.Error("failed to issue client credentials",
			logger.KeyUser, username, logger.KeyError, err.Error())
		s.write(conn, "ERROR: Failed to generate client certificate\n")
		return true
	}

	caPEM, err := s.authority.CACertPEM()
	if err != nil {
		logger.Error("failed to read CA certificate", logger.KeyError, err.Error())
		s.write(conn, "ERROR: Failed to read CA certificate\n")
		return true
	}

	var b strings.Builder
	b.WriteString("<?xml version='1.0'?>\n")
	b.WriteString("<param>\n")
	fmt.Fprintf(&b, "\t<sslhost>%s</sslhost>\n", strings.TrimSpace(s.config.AdvertisedHost))
	fmt.Fprintf(&b, "\t<sslport>%d</sslport>\n", s.config.AdvertisedPort)
	fmt.Fprintf(&b, "\t<certificate>%s</certificate>\n", certPEM)
	fmt.Fprintf(&b, "\t<key>%s</key>\n", keyPEM)
	fmt.Fprintf(&b, "\t<ca>%s</ca>\n", caPEM)
	b.WriteString("</param>\n")
	s.write(conn, b.String())

	logger.Info("client configuration delivered", logger.KeyUser, username)
	return false
}

func (s *Server) write(conn net.Conn, data string) {
	if _, err := conn.Write([]byte(data)); err != nil {
		logger.Debug("control write failed", logger.KeyError, err.Error())
	}
}

func firstToken(line string) string {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return line[:i]
	}
	return line
}
