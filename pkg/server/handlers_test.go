package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terminusa/monitor/pkg/alert"
	"github.com/terminusa/monitor/pkg/backup"
	"github.com/terminusa/monitor/pkg/config"
	"github.com/terminusa/monitor/pkg/metric"
	"github.com/terminusa/monitor/pkg/selfmon"
	"github.com/terminusa/monitor/pkg/store/memory"
)

func testRouter(t *testing.T, st *memory.Store) (*mux.Router, *selfmon.Tracker) {
	t.Helper()

	tracker := selfmon.New()
	cfg := &config.Config{
		Backup: config.Backup{Dir: t.TempDir(), Retention: 720 * time.Hour},
		Alerting: config.Alerting{
			EvaluationInterval: time.Minute,
			DispatchTimeout:    time.Second,
			NotifyResolved:     true,
		},
	}
	engine := alert.NewEngine(st, nil, nil, tracker, zap.NewNop(), cfg.Alerting)
	snapshotter := backup.New(st, engine, cfg, zap.NewNop())
	hub := alert.NewHub("websocket", zap.NewNop())

	router := mux.NewRouter()
	SetupRoutes(router, st, engine, snapshotter, tracker, hub)
	return router, tracker
}

func TestHandleHealth(t *testing.T) {
	router, tracker := testRouter(t, memory.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, selfmon.StatusOK, health.Status)

	// A failed restore flips the endpoint to 503.
	tracker.RecordRestoreFailure()
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleQueryRange_RawSamples(t *testing.T) {
	st := memory.New()
	router, _ := testRouter(t, st)

	base := time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.WriteSamples(context.Background(), []metric.Sample{
		{Metric: "cpu", Timestamp: base, Value: 10},
		{Metric: "cpu", Timestamp: base.Add(time.Minute), Value: 20},
	}))

	url := "/v1/query/range?metric=cpu&from=" + base.Format(time.RFC3339) +
		"&to=" + base.Add(time.Hour).Format(time.RFC3339)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", url, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RangeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Len(t, resp.Samples, 2)
	assert.Empty(t, resp.Aggregates)
}

func TestHandleQueryRange_AggregateTier(t *testing.T) {
	st := memory.New()
	router, _ := testRouter(t, st)

	window := time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpsertAggregate(context.Background(), metric.Aggregate{
		Metric: "cpu", Window: metric.Tier5Min, WindowStart: window,
		Sum: 60, Count: 3, Min: 10, Max: 30,
	}))

	url := "/v1/query/range?metric=cpu&tier=5min&from=" + window.Add(-time.Hour).Format(time.RFC3339) +
		"&to=" + window.Add(time.Hour).Format(time.RFC3339)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", url, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RangeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Aggregates, 1)
	assert.Equal(t, float64(20), resp.Aggregates[0].Avg())
}

func TestHandleQueryRange_BadRequests(t *testing.T) {
	router, _ := testRouter(t, memory.New())

	for name, url := range map[string]string{
		"missing metric": "/v1/query/range",
		"unknown tier":   "/v1/query/range?metric=cpu&tier=2min",
		"inverted range": "/v1/query/range?metric=cpu&from=2025-03-17T13:00:00Z&to=2025-03-17T12:00:00Z",
		"bad limit":      "/v1/query/range?metric=cpu&limit=x",
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", url, nil))
		assert.Equalf(t, http.StatusBadRequest, rec.Code, "case %s", name)
	}
}

func TestHandleAlerts_Empty(t *testing.T) {
	router, _ := testRouter(t, memory.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/alerts", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AlertsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Active)
	assert.Empty(t, resp.Resolved)
}

func TestHandleSnapshots_CreateAndList(t *testing.T) {
	st := memory.New()
	router, _ := testRouter(t, st)

	require.NoError(t, st.WriteSamples(context.Background(), []metric.Sample{
		{Metric: "cpu", Timestamp: time.Now().UTC(), Value: 1},
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/snapshots", nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, string(backup.KindScheduled), created["kind"])

	// Upgrade hooks label their rollback point.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/snapshots?kind=pre_upgrade", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, string(backup.KindPreUpgrade), created["kind"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/snapshots?kind=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/snapshots", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count     int           `json:"count"`
		Snapshots []backup.Info `json:"snapshots"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestMetricsEndpoint(t *testing.T) {
	router, tracker := testRouter(t, memory.New())
	tracker.RecordDroppedSamples(3)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "monitor_dropped_samples_total 3")
}
