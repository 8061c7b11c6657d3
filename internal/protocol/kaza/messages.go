package kaza

import (
	"encoding/binary"
	"fmt"

	"github.com/kazoe/kazad/pkg/object"
)

// Version is the opening frame sent by a client.
type Version struct {
	Major   uint8
	Minor   uint8
	User    string
	Device  string
	Channel uint32
}

// EncodeVersion encodes a VERSION frame.
func EncodeVersion(v Version) []byte {
	var p []byte
	p = append(p, v.Major, v.Minor)
	p = appendString(p, v.User)
	p = appendString(p, v.Device)
	p = binary.BigEndian.AppendUint32(p, v.Channel)
	return EncodeFrame(KindVersion, p)
}

// ParseVersion decodes a VERSION payload.
func ParseVersion(p []byte) (Version, error) {
	if len(p) < 2 {
		return Version{}, fmt.Errorf("version: short payload")
	}
	v := Version{Major: p[0], Minor: p[1]}
	rest := p[2:]

	user, n, err := readString(rest)
	if err != nil {
		return Version{}, fmt.Errorf("version: user: %w", err)
	}
	rest = rest[n:]

	device, n, err := readString(rest)
	if err != nil {
		return Version{}, fmt.Errorf("version: device: %w", err)
	}
	rest = rest[n:]

	if len(rest) < 4 {
		return Version{}, fmt.Errorf("version: short channel")
	}
	v.User = user
	v.Device = device
	v.Channel = binary.BigEndian.Uint32(rest)
	return v, nil
}

// EncodeVersionOK encodes a VERSION_OK frame. The reason is optional.
func EncodeVersionOK(reason string) []byte {
	var p []byte
	if reason != "" {
		p = appendString(p, reason)
	}
	return EncodeFrame(KindVersionOK, p)
}

// EncodeVersionBad encodes a VERSION_BAD frame. The reason is optional.
func EncodeVersionBad(reason string) []byte {
	var p []byte
	if reason != "" {
		p = appendString(p, reason)
	}
	return EncodeFrame(KindVersionBad, p)
}

// ParseReason decodes the optional reason of a VERSION_OK / VERSION_BAD
// payload.
func ParseReason(p []byte) (string, error) {
	if len(p) == 0 {
		return "", nil
	}
	s, _, err := readString(p)
	return s, err
}

// EncodeCommand encodes a COMMAND frame carrying a single string.
func EncodeCommand(cmd string) []byte {
	return EncodeFrame(KindCommand, appendString(nil, cmd))
}

// ParseCommand decodes a COMMAND payload.
func ParseCommand(p []byte) (string, error) {
	s, _, err := readString(p)
	if err != nil {
		return "", fmt.Errorf("command: %w", err)
	}
	return s, nil
}

// ObjectUpdate is an OBJECT frame: a subscription index, a tagged value and
// a confirmation flag.
type ObjectUpdate struct {
	ID      uint16
	Value   object.Value
	Confirm bool
}

// EncodeObject encodes an OBJECT frame.
func EncodeObject(u ObjectUpdate) []byte {
	var p []byte
	p = binary.BigEndian.AppendUint16(p, u.ID)
	p = u.Value.AppendBinary(p)
	var c byte
	if u.Confirm {
		c = 1
	}
	p = append(p, c)
	return EncodeFrame(KindObject, p)
}

// ParseObject decodes an OBJECT payload.
func ParseObject(p []byte) (ObjectUpdate, error) {
	if len(p) < 2 {
		return ObjectUpdate{}, fmt.Errorf("object: short payload")
	}
	u := ObjectUpdate{ID: binary.BigEndian.Uint16(p)}

	v, n, err := object.DecodeValue(p[2:])
	if err != nil {
		return ObjectUpdate{}, fmt.Errorf("object: %w", err)
	}
	u.Value = v

	rest := p[2+n:]
	if len(rest) < 1 {
		return ObjectUpdate{}, fmt.Errorf("object: missing confirm flag")
	}
	u.Confirm = rest[0] != 0
	return u, nil
}

// ObjectListEntry is one (name, value, unit) triple of an OBJECT_LIST
// snapshot.
type ObjectListEntry struct {
	Name  string
	Value object.Value
	Unit  string
}

// EncodeObjectList encodes an OBJECT_LIST frame. The tuple block is
// compressed as a whole.
func EncodeObjectList(entries []ObjectListEntry) []byte {
	var block []byte
	block = binary.BigEndian.AppendUint32(block, uint32(len(entries)))
	for _, e := range entries {
		block = appendString(block, e.Name)
		block = e.Value.AppendBinary(block)
		block = appendString(block, e.Unit)
	}
	return EncodeFrame(KindObjectList, Compress(block))
}

// ParseObjectList decodes an OBJECT_LIST payload.
func ParseObjectList(p []byte) ([]ObjectListEntry, error) {
	block, err := Decompress(p)
	if err != nil {
		return nil, fmt.Errorf("object list: %w", err)
	}
	if len(block) < 4 {
		return nil, fmt.Errorf("object list: short block")
	}

	count := binary.BigEndian.Uint32(block)
	rest := block[4:]

	entries := make([]ObjectListEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		name, n, err := readString(rest)
		if err != nil {
			return nil, fmt.Errorf("object list entry %d: name: %w", i, err)
		}
		rest = rest[n:]

		v, n, err := object.DecodeValue(rest)
		if err != nil {
			return nil, fmt.Errorf("object list entry %d: value: %w", i, err)
		}
		rest = rest[n:]

		unit, n, err := readString(rest)
		if err != nil {
			return nil, fmt.Errorf("object list entry %d: unit: %w", i, err)
		}
		rest = rest[n:]

		entries = append(entries, ObjectListEntry{Name: name, Value: v, Unit: unit})
	}
	return entries, nil
}

// FilePayload is a FILE frame: a filename and its contents.
type FilePayload struct {
	Name string
	Data []byte
}

// EncodeFile encodes a FILE frame.
func EncodeFile(f FilePayload) []byte {
	var p []byte
	p = appendString(p, f.Name)
	p = binary.BigEndian.AppendUint32(p, uint32(len(f.Data)))
	p = append(p, f.Data...)
	return EncodeFrame(KindFile, p)
}

// ParseFile decodes a FILE payload.
func ParseFile(p []byte) (FilePayload, error) {
	name, n, err := readString(p)
	if err != nil {
		return FilePayload{}, fmt.Errorf("file: name: %w", err)
	}
	rest := p[n:]

	if len(rest) < 4 {
		return FilePayload{}, fmt.Errorf("file: short size")
	}
	size := binary.BigEndian.Uint32(rest)
	rest = rest[4:]
	if uint32(len(rest)) < size {
		return FilePayload{}, fmt.Errorf("file: size %d exceeds payload", size)
	}

	return FilePayload{Name: name, Data: rest[:size]}, nil
}

// DBQuery is a DB_QUERY frame: a correlation id and a verbatim SQL string.
type DBQuery struct {
	ID  uint32
	SQL string
}

// EncodeDBQuery encodes a DB_QUERY frame.
func EncodeDBQuery(q DBQuery) []byte {
	var p []byte
	p = binary.BigEndian.AppendUint32(p, q.ID)
	p = appendString(p, q.SQL)
	return EncodeFrame(KindDBQuery, p)
}

// ParseDBQuery decodes a DB_QUERY payload.
func ParseDBQuery(p []byte) (DBQuery, error) {
	if len(p) < 4 {
		return DBQuery{}, fmt.Errorf("db query: short payload")
	}
	q := DBQuery{ID: binary.BigEndian.Uint32(p)}
	sql, _, err := readString(p[4:])
	if err != nil {
		return DBQuery{}, fmt.Errorf("db query: %w", err)
	}
	q.SQL = sql
	return q, nil
}

// DBResult is a DB_RESULT frame: the correlation id, column names and the
// row values in row-major order.
type DBResult struct {
	ID      uint32
	Columns []string
	Rows    [][]object.Value
}

// EncodeDBResult encodes a DB_RESULT frame.
func EncodeDBResult(r DBResult) []byte {
	var p []byte
	p = binary.BigEndian.AppendUint32(p, r.ID)
	p = binary.BigEndian.AppendUint32(p, uint32(len(r.Columns)))
	for _, c := range r.Columns {
		p = appendString(p, c)
	}
	p = binary.BigEndian.AppendUint32(p, uint32(len(r.Rows)))
	for _, row := range r.Rows {
		for _, v := range row {
			p = v.AppendBinary(p)
		}
	}
	return EncodeFrame(KindDBResult, p)
}

// ParseDBResult decodes a DB_RESULT payload.
func ParseDBResult(p []byte) (DBResult, error) {
	if len(p) < 8 {
		return DBResult{}, fmt.Errorf("db result: short payload")
	}
	r := DBResult{ID: binary.BigEndian.Uint32(p)}

	colCount := binary.BigEndian.Uint32(p[4:])
	rest := p[8:]

	r.Columns = make([]string, 0, colCount)
	for i := uint32(0); i < colCount; i++ {
		c, n, err := readString(rest)
		if err != nil {
			return DBResult{}, fmt.Errorf("db result: column %d: %w", i, err)
		}
		r.Columns = append(r.Columns, c)
		rest = rest[n:]
	}

	if len(rest) < 4 {
		return DBResult{}, fmt.Errorf("db result: short row count")
	}
	rowCount := binary.BigEndian.Uint32(rest)
	rest = rest[4:]

	r.Rows = make([][]object.Value, 0, rowCount)
	for i := uint32(0); i < rowCount; i++ {
		row := make([]object.Value, 0, colCount)
		for j := uint32(0); j < colCount; j++ {
			v, n, err := object.DecodeValue(rest)
			if err != nil {
				return DBResult{}, fmt.Errorf("db result: row %d col %d: %w", i, j, err)
			}
			row = append(row, v)
			rest = rest[n:]
		}
		r.Rows = append(r.Rows, row)
	}
	return r, nil
}

// SockConnect asks the server to open an outbound TCP connection.
type SockConnect struct {
	ID   uint16
	Host string
	Port uint16
}

// EncodeSockConnect encodes a SOCK_CONNECT frame.
func EncodeSockConnect(c SockConnect) []byte {
	var p []byte
	p = binary.BigEndian.AppendUint16(p, c.ID)
	p = appendString(p, c.Host)
	p = binary.BigEndian.AppendUint16(p, c.Port)
	return EncodeFrame(KindSockConnect, p)
}

// ParseSockConnect decodes a SOCK_CONNECT payload.
func ParseSockConnect(p []byte) (SockConnect, error) {
	if len(p) < 2 {
		return SockConnect{}, fmt.Errorf("sock connect: short payload")
	}
	c := SockConnect{ID: binary.BigEndian.Uint16(p)}

	host, n, err := readString(p[2:])
	if err != nil {
		return SockConnect{}, fmt.Errorf("sock connect: host: %w", err)
	}
	rest := p[2+n:]
	if len(rest) < 2 {
		return SockConnect{}, fmt.Errorf("sock connect: short port")
	}
	c.Host = host
	c.Port = binary.BigEndian.Uint16(rest)
	return c, nil
}

// SockData carries tunnelled bytes in either direction.
type SockData struct {
	ID   uint16
	Data []byte
}

// EncodeSockData encodes a SOCK_DATA frame.
func EncodeSockData(d SockData) []byte {
	var p []byte
	p = binary.BigEndian.AppendUint16(p, d.ID)
	p = append(p, d.Data...)
	return EncodeFrame(KindSockData, p)
}

// ParseSockData decodes a SOCK_DATA payload.
func ParseSockData(p []byte) (SockData, error) {
	if len(p) < 2 {
		return SockData{}, fmt.Errorf("sock data: short payload")
	}
	return SockData{ID: binary.BigEndian.Uint16(p), Data: p[2:]}, nil
}

// SockState reports a tunnelled socket state change.
type SockState struct {
	ID    uint16
	State uint8
}

// EncodeSockState encodes a SOCK_STATE frame.
func EncodeSockState(s SockState) []byte {
	var p []byte
	p = binary.BigEndian.AppendUint16(p, s.ID)
	p = append(p, s.State)
	return EncodeFrame(KindSockState, p)
}

// ParseSockState decodes a SOCK_STATE payload.
func ParseSockState(p []byte) (SockState, error) {
	if len(p) < 3 {
		return SockState{}, fmt.Errorf("sock state: short payload")
	}
	return SockState{ID: binary.BigEndian.Uint16(p), State: p[2]}, nil
}
