package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/terminusa/monitor/pkg/alert"
	"github.com/terminusa/monitor/pkg/backup"
	"github.com/terminusa/monitor/pkg/httpx"
	"github.com/terminusa/monitor/pkg/metric"
	"github.com/terminusa/monitor/pkg/selfmon"
	"github.com/terminusa/monitor/pkg/store"
)

var startTime = time.Now()

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  selfmon.Status    `json:"status"`
	Uptime  string            `json:"uptime"`
	Details map[string]string `json:"details,omitempty"`
}

// handleHealth reports pipeline health. A failing pipeline answers 503
// so a supervisor can restart it; degraded still answers 200.
func handleHealth(tracker *selfmon.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := tracker.Health(time.Now())

		status := http.StatusOK
		if health.Status == selfmon.StatusFailing {
			status = http.StatusServiceUnavailable
		}

		httpx.RespondJSON(w, status, HealthResponse{
			Status:  health.Status,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Details: health.Details,
		})
	}
}

// RangeResponse is the body of GET /v1/query/range.
type RangeResponse struct {
	Metric     string             `json:"metric"`
	Tier       metric.Tier        `json:"tier"`
	Samples    []metric.Sample    `json:"samples,omitempty"`
	Aggregates []metric.Aggregate `json:"aggregates,omitempty"`
	Count      int                `json:"count"`
}

// handleQueryRange serves time-range queries. tier=raw returns samples;
// any aggregate tier returns aggregates.
func handleQueryRange(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		name := q.Get("metric")
		if name == "" {
			httpx.RespondErrorString(w, http.StatusBadRequest, "metric parameter is required")
			return
		}

		tier := metric.TierRaw
		if t := q.Get("tier"); t != "" {
			tier = metric.Tier(t)
			if !tier.Valid() {
				httpx.RespondErrorString(w, http.StatusBadRequest, "unknown tier: "+t)
				return
			}
		}

		from, err := parseTime(q.Get("from"), time.Now().Add(-time.Hour))
		if err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, "invalid from: "+err.Error())
			return
		}
		to, err := parseTime(q.Get("to"), time.Now())
		if err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, "invalid to: "+err.Error())
			return
		}
		if !from.Before(to) {
			httpx.RespondErrorString(w, http.StatusBadRequest, "from must be before to")
			return
		}

		limit := 0
		if l := q.Get("limit"); l != "" {
			limit, err = strconv.Atoi(l)
			if err != nil || limit < 0 {
				httpx.RespondErrorString(w, http.StatusBadRequest, "invalid limit")
				return
			}
		}

		rng := store.Range{Metric: name, Tier: tier, From: from, To: to, Limit: limit}
		resp := RangeResponse{Metric: name, Tier: tier}

		if tier == metric.TierRaw {
			samples, err := st.QuerySamples(r.Context(), rng)
			if err != nil {
				httpx.RespondError(w, http.StatusInternalServerError, err)
				return
			}
			resp.Samples = samples
			resp.Count = len(samples)
		} else {
			aggs, err := st.QueryAggregates(r.Context(), rng)
			if err != nil {
				httpx.RespondError(w, http.StatusInternalServerError, err)
				return
			}
			resp.Aggregates = aggs
			resp.Count = len(aggs)
		}
		httpx.RespondJSON(w, http.StatusOK, resp)
	}
}

// AlertsResponse is the body of GET /v1/alerts.
type AlertsResponse struct {
	Active   []alert.Alert `json:"active"`
	Resolved []alert.Alert `json:"resolved"`
}

func handleAlerts(engine *alert.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondJSON(w, http.StatusOK, AlertsResponse{
			Active:   engine.Active(),
			Resolved: engine.History(),
		})
	}
}

// handleSnapshotCreate triggers an on-demand snapshot. The upgrade and
// uninstall hooks pass kind so their rollback points are labeled.
func handleSnapshotCreate(snapshotter *backup.Snapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := backup.KindScheduled
		if k := r.URL.Query().Get("kind"); k != "" {
			kind = backup.Kind(k)
			if !kind.Valid() {
				httpx.RespondErrorString(w, http.StatusBadRequest, "unknown snapshot kind: "+k)
				return
			}
		}

		path, err := snapshotter.Snapshot(r.Context(), time.Now(), kind)
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		httpx.RespondJSON(w, http.StatusCreated, map[string]string{
			"path": path,
			"kind": string(kind),
		})
	}
}

// handleSnapshotList returns available snapshots, newest first.
func handleSnapshotList(snapshotter *backup.Snapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos, err := snapshotter.List()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"snapshots": infos,
			"count":     len(infos),
		})
	}
}

// parseTime accepts RFC3339 or unix seconds; empty falls back to def.
func parseTime(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}
