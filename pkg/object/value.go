// Package object implements the typed values, live objects and alarms that
// make up the telemetry state of the server. Objects carry a tagged dynamic
// value, a unit string and a set of change watchers; internal objects
// additionally persist their value across restarts.
package object

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind identifies the dynamic type carried by a Value. The numeric values
// are the wire tags used by the binary protocol.
type Kind uint8

const (
	KindInvalid   Kind = 0
	KindInt       Kind = 1
	KindDouble    Kind = 2
	KindBool      Kind = 3
	KindString    Kind = 4
	KindTimestamp Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindInt:
		return "int"
	case KindDouble:
		return "double"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a tagged dynamic value. The zero Value is the invalid value,
// which is a legitimate protocol state (unknown / not yet measured), not
// an error.
type Value struct {
	kind Kind
	num  uint64 // int64 bits, float64 bits, bool, or ms since epoch
	str  string
}

// Invalid returns the invalid value.
func Invalid() Value {
	return Value{}
}

// NewInt returns an integer value.
func NewInt(v int64) Value {
	return Value{kind: KindInt, num: uint64(v)}
}

// NewDouble returns a floating-point value.
func NewDouble(v float64) Value {
	return Value{kind: KindDouble, num: math.Float64bits(v)}
}

// NewBool returns a boolean value.
func NewBool(v bool) Value {
	var n uint64
	if v {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

// NewString returns a string value.
func NewString(v string) Value {
	return Value{kind: KindString, str: v}
}

// NewTimestamp returns a timestamp value with millisecond precision.
func NewTimestamp(t time.Time) Value {
	return Value{kind: KindTimestamp, num: uint64(t.UnixMilli())}
}

// Kind returns the dynamic type tag.
func (v Value) Kind() Kind {
	return v.kind
}

// IsValid reports whether the value carries data.
func (v Value) IsValid() bool {
	return v.kind != KindInvalid
}

// Int returns the integer payload, or 0 for other kinds.
func (v Value) Int() int64 {
	if v.kind != KindInt {
		return 0
	}
	return int64(v.num)
}

// Double returns the floating-point payload, or 0 for other kinds.
func (v Value) Double() float64 {
	if v.kind != KindDouble {
		return 0
	}
	return math.Float64frombits(v.num)
}

// Bool returns the boolean payload, or false for other kinds.
func (v Value) Bool() bool {
	return v.kind == KindBool && v.num != 0
}

// Str returns the string payload, or "" for other kinds.
func (v Value) Str() string {
	if v.kind != KindString {
		return ""
	}
	return v.str
}

// Time returns the timestamp payload, or the zero time for other kinds.
func (v Value) Time() time.Time {
	if v.kind != KindTimestamp {
		return time.Time{}
	}
	return time.UnixMilli(int64(v.num))
}

// String renders the value for display, as used by the control service.
// The invalid value renders empty.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(int64(v.num), 10)
	case KindDouble:
		return strconv.FormatFloat(math.Float64frombits(v.num), 'g', -1, 64)
	case KindBool:
		if v.num != 0 {
			return "true"
		}
		return "false"
	case KindString:
		return v.str
	case KindTimestamp:
		return time.UnixMilli(int64(v.num)).UTC().Format("2006-01-02 15:04:05.000")
	default:
		return ""
	}
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	if v.kind == KindString {
		return v.str == o.str
	}
	return v.num == o.num
}

// AppendBinary appends the wire encoding of v: a one-byte kind tag followed
// by the kind-specific payload. Strings are length-prefixed with a uint32
// big-endian byte count.
func (v Value) AppendBinary(buf []byte) []byte {
	buf = append(buf, byte(v.kind))
	switch v.kind {
	case KindInvalid:
		// tag only
	case KindInt, KindTimestamp:
		buf = binary.BigEndian.AppendUint64(buf, v.num)
	case KindDouble:
		buf = binary.BigEndian.AppendUint64(buf, v.num)
	case KindBool:
		var b byte
		if v.num != 0 {
			b = 1
		}
		buf = append(buf, b)
	case KindString:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.str)))
		buf = append(buf, v.str...)
	}
	return buf
}

// MarshalBinary returns the wire encoding of v.
func (v Value) MarshalBinary() ([]byte, error) {
	return v.AppendBinary(nil), nil
}

// DecodeValue decodes a wire-encoded value from the front of b and returns
// it along with the number of bytes consumed.
func DecodeValue(b []byte) (Value, int, error) {
	if len(b) < 1 {
		return Value{}, 0, fmt.Errorf("value: short buffer")
	}
	kind := Kind(b[0])
	rest := b[1:]

	switch kind {
	case KindInvalid:
		return Value{}, 1, nil
	case KindInt, KindTimestamp, KindDouble:
		if len(rest) < 8 {
			return Value{}, 0, fmt.Errorf("value: short %s payload", kind)
		}
		return Value{kind: kind, num: binary.BigEndian.Uint64(rest)}, 9, nil
	case KindBool:
		if len(rest) < 1 {
			return Value{}, 0, fmt.Errorf("value: short bool payload")
		}
		var n uint64
		if rest[0] != 0 {
			n = 1
		}
		return Value{kind: KindBool, num: n}, 2, nil
	case KindString:
		if len(rest) < 4 {
			return Value{}, 0, fmt.Errorf("value: short string length")
		}
		n := binary.BigEndian.Uint32(rest)
		if uint32(len(rest)-4) < n {
			return Value{}, 0, fmt.Errorf("value: string length %d exceeds buffer", n)
		}
		return Value{kind: KindString, str: string(rest[4 : 4+n])}, 5 + int(n), nil
	default:
		return Value{}, 0, fmt.Errorf("value: unknown kind %d", b[0])
	}
}
