package control

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazoe/kazad/pkg/metrics"
	"github.com/kazoe/kazad/pkg/object"
	"github.com/kazoe/kazad/pkg/pki"
	"github.com/kazoe/kazad/pkg/registry"
)

const adminPassword = "S3cret"

type recordedCall struct {
	verb  string
	text  string
	users []string
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (f *fakeBroadcaster) Notify(text string, users ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{verb: "notify", text: text, users: users})
}

func (f *fakeBroadcaster) AskPosition(users ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{verb: "position", users: users})
}

func (f *fakeBroadcaster) snapshot() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall{}, f.calls...)
}

func newTestServer(reg *registry.Registry, authority *pki.Authority, b Broadcaster) *Server {
	return New(Config{
		Password:       adminPassword,
		AdvertisedHost: "kaza.example",
		AdvertisedPort: 1756,
	}, &tls.Config{}, reg, authority, b, metrics.New())
}

// startConn wires a pipe straight into the connection handler, bypassing
// the TLS listener.
func startConn(t *testing.T, s *Server) (net.Conn, *bufio.Reader) {
	t.Helper()

	client, server := net.Pipe()
	go s.handleConn(server)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
	return client, bufio.NewReader(client)
}

func sendLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	_, err := conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\n")
}

func objectRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(object.New("temp", "°C", object.NewDouble(22.5))))
	require.NoError(t, reg.Register(object.New("door", "", object.NewBool(true))))
	return reg
}

func TestObjListing(t *testing.T) {
	s := newTestServer(objectRegistry(t), nil, nil)
	conn, r := startConn(t, s)

	sendLine(t, conn, "obj?")
	assert.Equal(t, fmt.Sprintf("%-80s22.5 °C", "temp"), readLine(t, r))
	assert.Equal(t, fmt.Sprintf("%-80strue ", "door"), readLine(t, r))
	assert.Equal(t, "", readLine(t, r))
}

func TestObjListingSingle(t *testing.T) {
	s := newTestServer(objectRegistry(t), nil, nil)
	conn, r := startConn(t, s)

	sendLine(t, conn, "obj? temp")
	assert.Equal(t, fmt.Sprintf("%-80s22.5 °C", "temp"), readLine(t, r))
	assert.Equal(t, "", readLine(t, r))

	// Unknown name yields only the terminating blank line.
	sendLine(t, conn, "obj? missing")
	assert.Equal(t, "", readLine(t, r))
}

func TestRefresh(t *testing.T) {
	reg := objectRegistry(t)
	obj := reg.Lookup("temp")

	var changes []object.Change
	var mu sync.Mutex
	obj.Watch(func(c object.Change) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, c)
	})

	s := newTestServer(reg, nil, nil)
	conn, r := startConn(t, s)

	sendLine(t, conn, "refresh temp")
	assert.Equal(t, "OK", readLine(t, r))
	assert.Equal(t, "", readLine(t, r))

	assert.False(t, obj.Value().IsValid())
	mu.Lock()
	require.Len(t, changes, 1)
	assert.False(t, changes[0].Value.IsValid())
	mu.Unlock()

	sendLine(t, conn, "refresh missing")
	assert.Equal(t, "ERROR: Object not found", readLine(t, r))
	assert.Equal(t, "", readLine(t, r))

	// Malformed refresh is ignored and the connection stays alive.
	sendLine(t, conn, "refresh")
	sendLine(t, conn, "obj? missing")
	assert.Equal(t, "", readLine(t, r))
}

func TestNotifyAndPosition(t *testing.T) {
	b := &fakeBroadcaster{}
	s := newTestServer(objectRegistry(t), nil, b)
	conn, r := startConn(t, s)

	sendLine(t, conn, "notify /Alice /bob heating restored")
	sendLine(t, conn, "notify maintenance at noon")
	sendLine(t, conn, "position? /alice")
	sendLine(t, conn, "position?")

	// obj? replies in order, so its blank line proves the previous
	// commands were dispatched.
	sendLine(t, conn, "obj? missing")
	assert.Equal(t, "", readLine(t, r))

	calls := b.snapshot()
	require.Len(t, calls, 4)
	assert.Equal(t, recordedCall{verb: "notify", text: "heating restored", users: []string{"Alice", "bob"}}, calls[0])
	assert.Equal(t, recordedCall{verb: "notify", text: "maintenance at noon"}, calls[1])
	assert.Equal(t, recordedCall{verb: "position", users: []string{"alice"}}, calls[2])
	assert.Equal(t, recordedCall{verb: "position"}, calls[3])
}

func TestUnknownCommandIgnored(t *testing.T) {
	s := newTestServer(objectRegistry(t), nil, nil)
	conn, r := startConn(t, s)

	sendLine(t, conn, "bogus command")
	sendLine(t, conn, "obj? missing")
	assert.Equal(t, "", readLine(t, r))
}

func TestClientConfInvalidFormat(t *testing.T) {
	for _, line := range []string{
		"clientconf?",
		"clientconf? adminpass bob",
		"clientconf? adminpass bob hunter2 extra",
	} {
		t.Run(fmt.Sprintf("%d tokens", len(strings.Fields(line))), func(t *testing.T) {
			s := newTestServer(objectRegistry(t), nil, nil)
			conn, r := startConn(t, s)

			sendLine(t, conn, line)
			assert.Equal(t, "ERROR: Invalid format. Expected: clientconf? adminpass username userpass", readLine(t, r))

			_, err := r.ReadString('\n')
			assert.Error(t, err, "connection should be closed")
		})
	}
}

func TestClientConfBadPassword(t *testing.T) {
	s := newTestServer(objectRegistry(t), nil, nil)
	conn, r := startConn(t, s)

	sendLine(t, conn, "clientconf? wrong bob hunter2")
	assert.Equal(t, "ERROR: Authentication failed", readLine(t, r))

	_, err := r.ReadString('\n')
	assert.Error(t, err, "connection should be closed")
}

func TestClientConfOverTLS(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping CA generation in short mode")
	}

	dir := t.TempDir()
	authority := pki.NewAuthority(dir, "localhost", "key-password")
	require.NoError(t, authority.EnsureServerCredentials())
	tlsConfig, err := authority.ControlTLSConfig()
	require.NoError(t, err)

	s := New(Config{
		Password:       adminPassword,
		AdvertisedHost: "kaza.example",
		AdvertisedPort: 1756,
	}, tlsConfig, registry.New(), authority, nil, metrics.New())

	serveErr := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { serveErr <- s.Serve(ctx) }()

	_, port, err := net.SplitHostPort(s.Addr().String())
	require.NoError(t, err)

	dial := func() *tls.Conn {
		conn, err := tls.Dial("tcp", "localhost:"+port, &tls.Config{InsecureSkipVerify: true})
		require.NoError(t, err)
		require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
		return conn
	}

	conn := dial()
	_, err = conn.Write([]byte("clientconf? " + adminPassword + " bob hunter2\n"))
	require.NoError(t, err)

	reply := readUntil(t, bufio.NewReader(conn), "</param>")
	conn.Close()

	assert.Contains(t, reply, "<?xml version='1.0'?>")
	assert.Contains(t, reply, "\t<sslhost>kaza.example</sslhost>")
	assert.Contains(t, reply, "\t<sslport>1756</sslport>")
	assert.Contains(t, reply, "BEGIN CERTIFICATE")
	assert.Contains(t, reply, "BEGIN PRIVATE KEY")

	// The issued certificate chains to the CA.
	certPEM := between(t, reply, "<certificate>", "</certificate>")
	block, _ := pem.Decode([]byte(certPEM))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "bob", cert.Subject.CommonName)

	caPEM, err := authority.CACertPEM()
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(caPEM))
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err)

	// A second request reuses the files instead of reissuing.
	onDisk, err := os.ReadFile(filepath.Join(dir, "bob.cert.pem"))
	require.NoError(t, err)

	conn = dial()
	_, err = conn.Write([]byte("clientconf? " + adminPassword + " bob hunter2\n"))
	require.NoError(t, err)
	reply = readUntil(t, bufio.NewReader(conn), "</param>")
	conn.Close()
	assert.Contains(t, reply, string(onDisk))

	after, err := os.ReadFile(filepath.Join(dir, "bob.cert.pem"))
	require.NoError(t, err)
	assert.Equal(t, onDisk, after)

	s.Stop()
	select {
	case err := <-serveErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func readUntil(t *testing.T, r *bufio.Reader, marker string) string {
	t.Helper()
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		b.WriteString(line)
		if strings.Contains(line, marker) {
			return b.String()
		}
	}
}

func between(t *testing.T, s, start, end string) string {
	t.Helper()
	i := strings.Index(s, start)
	require.GreaterOrEqual(t, i, 0)
	rest := s[i+len(start):]
	j := strings.Index(rest, end)
	require.GreaterOrEqual(t, j, 0)
	return rest[:j]
}

func TestSplitUserFilters(t *testing.T) {
	users, text := splitUserFilters([]string{"/alice", "/bob", "hello", "world"})
	assert.Equal(t, []string{"alice", "bob"}, users)
	assert.Equal(t, "hello world", text)

	users, text = splitUserFilters([]string{"hello"})
	assert.Empty(t, users)
	assert.Equal(t, "hello", text)

	users, text = splitUserFilters(nil)
	assert.Empty(t, users)
	assert.Equal(t, "", text)
}
