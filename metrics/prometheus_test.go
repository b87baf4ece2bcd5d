package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewClient(reg)

	m.FramesSent.Add(3)
	m.InboundEvents.WithLabelValues("status").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.FramesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InboundEvents.WithLabelValues("status")))

	// a second instance on its own registry must not collide
	assert.NotPanics(t, func() { NewClient(prometheus.NewRegistry()) })
}

func TestHandlerServesServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewServer(reg)
	m.ActiveSessions.Set(2)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "livevoice_server_active_sessions 2")
}
