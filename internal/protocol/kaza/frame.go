// Package kaza implements the binary frame protocol spoken on the main TLS
// port. Every frame is a 32-bit big-endian length (covering everything that
// follows), a one-byte kind tag and a kind-specific payload. Strings inside
// payloads carry their own 32-bit big-endian byte count.
package kaza

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Kind tags a frame's payload type. The numeric values are wire constants.
type Kind uint8

const (
	KindVersion     Kind = 1
	KindVersionOK   Kind = 2
	KindVersionBad  Kind = 3
	KindCommand     Kind = 4
	KindObject      Kind = 5
	KindObjectList  Kind = 6
	KindFile        Kind = 7
	KindDBQuery     Kind = 8
	KindDBResult    Kind = 9
	KindSockConnect Kind = 10
	KindSockData    Kind = 11
	KindSockState   Kind = 12
)

func (k Kind) String() string {
	switch k {
	case KindVersion:
		return "VERSION"
	case KindVersionOK:
		return "VERSION_OK"
	case KindVersionBad:
		return "VERSION_BAD"
	case KindCommand:
		return "COMMAND"
	case KindObject:
		return "OBJECT"
	case KindObjectList:
		return "OBJECT_LIST"
	case KindFile:
		return "FILE"
	case KindDBQuery:
		return "DB_QUERY"
	case KindDBResult:
		return "DB_RESULT"
	case KindSockConnect:
		return "SOCK_CONNECT"
	case KindSockData:
		return "SOCK_DATA"
	case KindSockState:
		return "SOCK_STATE"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Protocol version spoken by this server. Major mismatch is fatal; minor
// differences are accepted.
const (
	VersionMajor = 1
	VersionMinor = 0
)

// MaxFrameSize caps the declared frame length. Anything larger is treated
// as a protocol violation.
const MaxFrameSize = 16 << 20

// Tunnelled socket states reported in SOCK_STATE frames.
const (
	SockDisconnected uint8 = 0
	SockConnecting   uint8 = 1
	SockConnected    uint8 = 2
	SockError        uint8 = 3
)

// Frame is one decoded wire unit.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// ReadFrame blocks until a whole frame is available on r. It returns an
// error for truncated streams and for frames exceeding MaxFrameSize.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length < 1 {
		return Frame{}, fmt.Errorf("frame length %d below minimum", length)
	}
	if length > MaxFrameSize {
		return Frame{}, fmt.Errorf("frame length %d exceeds cap %d", length, MaxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("short frame body: %w", err)
	}

	return Frame{Kind: Kind(body[0]), Payload: body[1:]}, nil
}

// AppendFrame appends the wire encoding of a frame with the given kind and
// payload to buf.
func AppendFrame(buf []byte, kind Kind, payload []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(1+len(payload)))
	buf = append(buf, byte(kind))
	return append(buf, payload...)
}

// EncodeFrame returns the wire encoding of a frame.
func EncodeFrame(kind Kind, payload []byte) []byte {
	return AppendFrame(nil, kind, payload)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// readString decodes a length-prefixed string from the front of b and
// returns it with the number of bytes consumed.
func readString(b []byte) (string, int, error) {
	if len(b) < 4 {
		return "", 0, fmt.Errorf("short string length")
	}
	n := binary.BigEndian.Uint32(b)
	if uint32(len(b)-4) < n {
		return "", 0, fmt.Errorf("string length %d exceeds payload", n)
	}
	return string(b[4 : 4+n]), 4 + int(n), nil
}
