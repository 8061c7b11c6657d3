// Package bundle serves the client application bundle: the file pushed to
// clients over a FILE frame, identified by the base64 MD5 checksum that the
// server announces right after version negotiation.
package bundle

import (
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

// Bundle points at the on-disk client application file.
type Bundle struct {
	path string
}

// New creates a bundle for the configured path. The file may appear or
// change after startup; reads always hit the disk.
func New(path string) *Bundle {
	return &Bundle{path: path}
}

// Path returns the configured bundle path.
func (b *Bundle) Path() string {
	return b.path
}

// Filename returns the base name sent in the FILE frame.
func (b *Bundle) Filename() string {
	return filepath.Base(b.path)
}

// Read returns the current bundle contents.
func (b *Bundle) Read() ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read client bundle %q: %w", b.path, err)
	}
	return data, nil
}

// Checksum returns the base64-encoded MD5 of the bundle contents, as
// announced in the APP command after VERSION_OK.
func (b *Bundle) Checksum() (string, error) {
	data, err := b.Read()
	if err != nil {
		return "", err
	}
	sum := md5.Sum(data)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}
