package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terminusa/monitor/pkg/alert"
	"github.com/terminusa/monitor/pkg/backup"
	"github.com/terminusa/monitor/pkg/selfmon"
	"github.com/terminusa/monitor/pkg/store"
)

// SetupRoutes wires every HTTP endpoint onto the router.
func SetupRoutes(
	router *mux.Router,
	st store.Store,
	engine *alert.Engine,
	snapshotter *backup.Snapshotter,
	tracker *selfmon.Tracker,
	hub *alert.Hub,
) {
	router.HandleFunc("/health", handleHealth(tracker)).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(
		tracker.Registry(), promhttp.HandlerOpts{},
	)).Methods("GET")

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/query/range", handleQueryRange(st)).Methods("GET")
	api.HandleFunc("/alerts", handleAlerts(engine)).Methods("GET")
	api.HandleFunc("/snapshots", handleSnapshotCreate(snapshotter)).Methods("POST")
	api.HandleFunc("/snapshots", handleSnapshotList(snapshotter)).Methods("GET")
	api.HandleFunc("/ws", hub.Handler()).Methods("GET")
}

// NewHTTPServer builds the http.Server for the given address.
func NewHTTPServer(addr string, router *mux.Router) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: router,
	}
}
