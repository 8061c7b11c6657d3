package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazoe/kazad/pkg/object"
)

func openTestBridge(t *testing.T) *Bridge {
	t.Helper()

	b, err := Open(Config{
		Driver: "sqlite",
		Name:   filepath.Join(t.TempDir(), "kaza.db"),
	})
	require.NoError(t, err)
	require.NotNil(t, b)
	t.Cleanup(func() { b.Close() })

	ctx := context.Background()
	require.NoError(t, b.Exec(ctx, `CREATE TABLE readings (name TEXT, value REAL, count INTEGER, note TEXT)`))
	require.NoError(t, b.Exec(ctx, `INSERT INTO readings VALUES ('temp', 22.5, 3, NULL), ('hum', 40.0, 7, 'ok')`))
	return b
}

func TestOpenDisabledWhenDriverEmpty(t *testing.T) {
	b, err := Open(Config{})
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	assert.Error(t, err)
}

func TestOpenAcceptsLegacyDriverName(t *testing.T) {
	b, err := Open(Config{
		Driver: "QSQLITE",
		Name:   filepath.Join(t.TempDir(), "legacy.db"),
	})
	require.NoError(t, err)
	require.NotNil(t, b)
	b.Close()
}

func TestQueryReturnsTaggedValues(t *testing.T) {
	b := openTestBridge(t)

	res, err := b.Query(context.Background(), `SELECT name, value, count, note FROM readings ORDER BY name`)
	require.NoError(t, err)

	assert.Equal(t, []string{"name", "value", "count", "note"}, res.Columns)
	require.Len(t, res.Rows, 2)

	hum := res.Rows[0]
	assert.Equal(t, "hum", hum[0].Str())
	assert.Equal(t, 40.0, hum[1].Double())
	assert.Equal(t, int64(7), hum[2].Int())
	assert.Equal(t, "ok", hum[3].Str())

	temp := res.Rows[1]
	assert.Equal(t, "temp", temp[0].Str())
	assert.False(t, temp[3].IsValid(), "NULL maps to the invalid value")
}

func TestQueryEmptyResultSet(t *testing.T) {
	b := openTestBridge(t)

	res, err := b.Query(context.Background(), `SELECT name FROM readings WHERE name = 'missing'`)
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, res.Columns)
	assert.Empty(t, res.Rows)
}

func TestQuerySQLErrorSurfaces(t *testing.T) {
	b := openTestBridge(t)

	_, err := b.Query(context.Background(), `SELECT * FROM no_such_table`)
	assert.Error(t, err)
}

func TestToValue(t *testing.T) {
	assert.Equal(t, object.Invalid(), toValue(nil))
	assert.Equal(t, int64(5), toValue(int64(5)).Int())
	assert.Equal(t, 2.5, toValue(2.5).Double())
	assert.True(t, toValue(true).Bool())
	assert.Equal(t, "x", toValue("x").Str())
	assert.Equal(t, "bytes", toValue([]byte("bytes")).Str())
}
