package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deploy-agent/internal/command"
)

type recordingDispatcher struct {
	reqs []*command.Request
	resp *command.Response
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, req *command.Request) *command.Response {
	d.reqs = append(d.reqs, req)
	if d.resp != nil {
		return d.resp
	}
	return command.OK("")
}

func newTestRouter(d Dispatcher, checks map[string]HealthCheck) http.Handler {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("deploy_agent_up 1\n"))
	})
	return NewRouter(d, checks, metrics, nil)
}

func TestHealthHandler(t *testing.T) {
	t.Run("all checks pass", func(t *testing.T) {
		router := newTestRouter(&recordingDispatcher{}, map[string]HealthCheck{
			"nats":   func(ctx context.Context) error { return nil },
			"docker": func(ctx context.Context) error { return nil },
		})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, map[string]string{"nats": "ok", "docker": "ok"}, resp.Checks)
	})

	t.Run("failing check degrades", func(t *testing.T) {
		router := newTestRouter(&recordingDispatcher{}, map[string]HealthCheck{
			"nats": func(ctx context.Context) error { return errors.New("nats not connected") },
		})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "nats not connected", resp.Checks["nats"])
	})
}

func TestMetricsRoute(t *testing.T) {
	router := newTestRouter(&recordingDispatcher{}, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deploy_agent_up")
}

func TestDeployBridgeMapsMethodsToVerbs(t *testing.T) {
	d := &recordingDispatcher{}
	router := newTestRouter(d, nil)

	tests := []struct {
		method string
		path   string
		verb   command.Verb
		res    []string
	}{
		{http.MethodGet, "/api/deploy/download", command.VerbGet, []string{"download"}},
		{http.MethodPost, "/api/deploy/modules/start/3", command.VerbExec, []string{"modules", "start", "3"}},
		{http.MethodDelete, "/api/deploy/download", command.VerbDel, []string{"download"}},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, tt.path)
	}

	require.Len(t, d.reqs, len(tests))
	for i, tt := range tests {
		assert.Equal(t, tt.verb, d.reqs[i].Verb)
		assert.Equal(t, tt.res, d.reqs[i].Resources)
		assert.Equal(t, defaultRequester, d.reqs[i].RequesterClientID)
		assert.NotEmpty(t, d.reqs[i].ID)
	}
}

func TestDeployBridgePassesMetrics(t *testing.T) {
	d := &recordingDispatcher{}
	router := newTestRouter(d, nil)

	body := strings.NewReader(`{"dp.name":"web","job.id":12}`)
	req := httptest.NewRequest(http.MethodPost, "/api/deploy/uninstall", body)
	req.Header.Set(RequesterHeader, "operator")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, d.reqs, 1)
	assert.Equal(t, "operator", d.reqs[0].RequesterClientID)
	assert.Equal(t, "web", d.reqs[0].Metrics["dp.name"])
	assert.Equal(t, json.Number("12"), d.reqs[0].Metrics["job.id"])
}

func TestDeployBridgeReplyCarriesResponseCode(t *testing.T) {
	resp := command.Fail(command.CodeError, "Another resource is already in download", nil)
	resp.AddMetric("download.status", "IN_PROGRESS")
	router := newTestRouter(&recordingDispatcher{resp: resp}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/deploy/download", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, float64(500), payload["response_code"])
	assert.Equal(t, "Another resource is already in download", payload["body"])
}

func TestDeployBridgeRejectsInvalidBody(t *testing.T) {
	d := &recordingDispatcher{}
	router := newTestRouter(d, nil)

	for _, body := range []string{"{", "null", "[1]"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/deploy/download", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, d.reqs)
}

func TestDeployBridgeRejectsOtherMethods(t *testing.T) {
	router := newTestRouter(&recordingDispatcher{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/deploy/download", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
