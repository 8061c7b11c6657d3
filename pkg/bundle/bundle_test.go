package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBundle(t *testing.T, contents string) *Bundle {
	t.Helper()

	path := filepath.Join(t.TempDir(), "client.qml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return New(path)
}

func TestFilename(t *testing.T) {
	b := New("/opt/kaza/client.qml")
	assert.Equal(t, "client.qml", b.Filename())
}

func TestReadReturnsContents(t *testing.T) {
	b := writeBundle(t, "import QtQuick 2.0")

	data, err := b.Read()
	require.NoError(t, err)
	assert.Equal(t, "import QtQuick 2.0", string(data))
}

func TestReadMissingFile(t *testing.T) {
	b := New(filepath.Join(t.TempDir(), "absent.qml"))

	_, err := b.Read()
	assert.Error(t, err)

	_, err = b.Checksum()
	assert.Error(t, err)
}

func TestChecksumIsStable(t *testing.T) {
	b := writeBundle(t, "same contents")

	first, err := b.Checksum()
	require.NoError(t, err)
	second, err := b.Checksum()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)
}

func TestChecksumTracksContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.qml")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))
	b := New(path)

	before, err := b.Checksum()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0644))
	after, err := b.Checksum()
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
}

func TestKnownChecksum(t *testing.T) {
	// md5("") = d41d8cd98f00b204e9800998ecf8427e
	b := writeBundle(t, "")

	sum, err := b.Checksum()
	require.NoError(t, err)
	assert.Equal(t, "1B2M2Y8AsgTpgAmY7PhCfg==", sum)
}
