package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorsAreNoOps(t *testing.T) {
	var c *Collectors

	assert.NotPanics(t, func() {
		c.SessionOpened()
		c.SessionClosed()
		c.FrameReceived("COMMAND")
		c.FrameSent("OBJECT")
		c.ObjectChanged()
		c.SessionDropped()
		c.ControlCommand("obj?")
	})
	assert.Nil(t, c.Registry())
}

func TestCollectorsExposeSeries(t *testing.T) {
	c := New()

	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	c.FrameReceived("COMMAND")
	c.FrameSent("OBJECT")
	c.ObjectChanged()
	c.ControlCommand("notify")

	handler := promhttp.HandlerFor(c.Registry(), promhttp.HandlerOpts{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "kazad_active_sessions 1")
	assert.Contains(t, body, `kazad_frames_received_total{kind="COMMAND"} 1`)
	assert.Contains(t, body, `kazad_frames_sent_total{kind="OBJECT"} 1`)
	assert.Contains(t, body, "kazad_object_changes_total 1")
	assert.Contains(t, body, `kazad_control_commands_total{verb="notify"} 1`)
}

func TestServerRoutes(t *testing.T) {
	s := NewServer(New(), 0)

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())

	rec = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}
