package logger

import (
	"log/slog"
)

// Standard field keys for structured logging. Use these keys consistently
// across all log statements so aggregated logs stay queryable.
const (
	// Session and connection
	KeySession  = "session"   // protocol session identifier
	KeyUser     = "user"      // authenticated username (certificate CN)
	KeyDevice   = "device"    // client device name from the VERSION frame
	KeyClientIP = "client_ip" // client IP address, without port

	// Protocol
	KeyFrame   = "frame"   // frame kind name (VERSION, COMMAND, OBJECT, ...)
	KeyVerb    = "verb"    // command verb (APP?, OBJLIST?, DMZ, ...)
	KeyObject  = "object"  // object name
	KeyIndex   = "index"   // subscription index
	KeyChannel = "channel" // proxied socket channel

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyPort       = "port"
	KeyPath       = "path"
	KeyCount      = "count"
	KeySize       = "size"
)

// Session returns a slog.Attr for the protocol session identifier
func Session(id string) slog.Attr {
	return slog.String(KeySession, id)
}

// User returns a slog.Attr for the authenticated username
func User(name string) slog.Attr {
	return slog.String(KeyUser, name)
}

// Device returns a slog.Attr for the client device name
func Device(name string) slog.Attr {
	return slog.String(KeyDevice, name)
}

// ClientIP returns a slog.Attr for the client IP address
func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}

// Frame returns a slog.Attr for a frame kind name
func Frame(kind string) slog.Attr {
	return slog.String(KeyFrame, kind)
}

// Verb returns a slog.Attr for a command verb
func Verb(v string) slog.Attr {
	return slog.String(KeyVerb, v)
}

// Object returns a slog.Attr for an object name
func Object(name string) slog.Attr {
	return slog.String(KeyObject, name)
}

// Index returns a slog.Attr for a subscription index
func Index(i uint16) slog.Attr {
	return slog.Int(KeyIndex, int(i))
}

// Channel returns a slog.Attr for a proxied socket channel
func Channel(c uint16) slog.Attr {
	return slog.Int(KeyChannel, int(c))
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Port returns a slog.Attr for a listening or remote port
func Port(p int) slog.Attr {
	return slog.Int(KeyPort, p)
}

// Path returns a slog.Attr for a filesystem path
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Count returns a slog.Attr for a generic count
func Count(n int) slog.Attr {
	return slog.Int(KeyCount, n)
}

// Size returns a slog.Attr for a byte size
func Size(n int) slog.Attr {
	return slog.Int(KeySize, n)
}
