package kaza

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Compress wraps b in the compressed-block layout used by OBJECT_LIST
// payloads and alarm digests: a 32-bit big-endian uncompressed length
// followed by a zlib stream.
func Compress(b []byte) []byte {
	var buf bytes.Buffer

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	buf.Write(hdr[:])

	zw := zlib.NewWriter(&buf)
	zw.Write(b) //nolint:errcheck // bytes.Buffer writes cannot fail
	zw.Close()

	return buf.Bytes()
}

// Decompress reverses Compress, validating the declared uncompressed
// length against both MaxFrameSize and the actual inflated size.
func Decompress(b []byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("compressed block: short header")
	}

	want := binary.BigEndian.Uint32(b)
	if want > MaxFrameSize {
		return nil, fmt.Errorf("compressed block: declared size %d exceeds cap", want)
	}

	zr, err := zlib.NewReader(bytes.NewReader(b[4:]))
	if err != nil {
		return nil, fmt.Errorf("compressed block: %w", err)
	}
	defer zr.Close()

	out := make([]byte, 0, want)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, io.LimitReader(zr, int64(want)+1)); err != nil {
		return nil, fmt.Errorf("compressed block: inflate: %w", err)
	}

	if uint32(buf.Len()) != want {
		return nil, fmt.Errorf("compressed block: declared %d bytes, got %d", want, buf.Len())
	}
	return buf.Bytes(), nil
}
