// Package controller serves the node's HTTP surface: health, Prometheus metrics and
// the tunnel connections
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gravitl/tunlink/logger"
	"github.com/gravitl/tunlink/metrics"
	"github.com/gravitl/tunlink/models"
	"github.com/gravitl/tunlink/pump"
	"github.com/gravitl/tunlink/tunnel"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ConnectionStore - the registered tunnels
type ConnectionStore interface {
	Connections() []pump.ConnectionInfo
	Remove(name string) bool
	Connect(ctx context.Context, remote models.PeerDescriptor, direction models.TunnelDirection) (*tunnel.Connection, error)
}

// ConnectRequest - body of POST /api/connections
type ConnectRequest struct {
	Remote    models.PeerDescriptor  `json:"remote"`
	Direction models.TunnelDirection `json:"direction"`
}

// NewRouter - routes for store
func NewRouter(store ConnectionStore) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	connectionHandlers(r, store)
	return r
}

func connectionHandlers(r *mux.Router, store ConnectionStore) {
	r.HandleFunc("/api/connections", func(w http.ResponseWriter, r *http.Request) {
		ReturnSuccessResponseWithJson(w, r, store.Connections())
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/connections", func(w http.ResponseWriter, r *http.Request) {
		var body ConnectRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			ReturnErrorResponse(w, r, FormatError(err, "badrequest"))
			return
		}
		if err := body.Remote.Validate(); err != nil {
			ReturnErrorResponse(w, r, FormatError(err, "badrequest"))
			return
		}
		conn, err := store.Connect(r.Context(), body.Remote, body.Direction)
		if err != nil {
			ReturnErrorResponse(w, r, FormatError(err, connectErrType(err)))
			return
		}
		ReturnSuccessResponse(w, r, "connected "+conn.String())
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/connections/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if !store.Remove(name) {
			ReturnErrorResponse(w, r, FormatError(errors.New("no connection to "+name), "notfound"))
			return
		}
		logger.Log(1, "removed connection to", name, "via api")
		ReturnSuccessResponse(w, r, "removed connection to "+name)
	}).Methods(http.MethodDelete)
	r.HandleFunc("/api/metrics", func(w http.ResponseWriter, r *http.Request) {
		ReturnSuccessResponseWithJson(w, r, metrics.GetMetrics())
	}).Methods(http.MethodGet)
}

func connectErrType(err error) string {
	switch {
	case errors.Is(err, tunnel.ErrPermissionDenied), errors.Is(err, tunnel.ErrAlreadyPending):
		return "forbidden"
	case errors.Is(err, tunnel.ErrNoCandidate), errors.Is(err, tunnel.ErrReverseTimeout):
		return "unavailable"
	}
	return "internal"
}

// HandleRESTRequests serves store on addr until ctx ends
func HandleRESTRequests(ctx context.Context, wg *sync.WaitGroup, addr string, store ConnectionStore) {
	defer wg.Done()
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(store),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log(0, "REST server error:", err.Error())
		}
	}()
	logger.Log(0, "REST Server successfully started on", addr)
	<-ctx.Done()
	logger.Log(0, "Stopping the REST server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log(0, "REST server shutdown:", err.Error())
	}
	logger.Log(0, "REST Server closed.")
}
