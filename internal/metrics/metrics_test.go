package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Metrics = Noop{}
	m.ObserveRequest("download", "EXEC", 200)
	m.ObserveJob("download", "completed", time.Second)
	m.SetGuardBusy("install", true)
	m.AddDownloadedBytes(10)
	m.IncNotification("download", true)
}

func TestPromMetrics(t *testing.T) {
	withTestRegistry(t)
	p := NewProm("deploy_agent")

	p.ObserveRequest("download", "EXEC", 200)
	p.ObserveRequest("download", "EXEC", 200)
	p.ObserveRequest("install", "EXEC", 500)
	p.ObserveJob("download", "failed", 2*time.Second)
	p.SetGuardBusy("download", true)
	p.SetGuardBusy("install", true)
	p.SetGuardBusy("install", false)
	p.AddDownloadedBytes(4096)
	p.AddDownloadedBytes(-1)
	p.IncNotification("install", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.requests.WithLabelValues("download", "EXEC", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.requests.WithLabelValues("install", "EXEC", "500")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.jobs.WithLabelValues("download", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.guards.WithLabelValues("download")))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.guards.WithLabelValues("install")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(p.downloaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.notifications.WithLabelValues("install", "error")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	withTestRegistry(t)
	p := NewProm("deploy_agent")
	p.SetGuardBusy("download", true)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `deploy_agent_guard_busy{category="download"} 1`))
}
