// Package api exposes the definition store over HTTP.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/defstore-io/defstore/internal/definition"
	"github.com/defstore-io/defstore/internal/metrics"
	"github.com/defstore-io/defstore/internal/middleware"
	"github.com/defstore-io/defstore/internal/storage"
	"github.com/defstore-io/defstore/pkg/logger"
)

// PoolHeader selects the storage pool an operation is routed to. Requests
// without it use the configured default pool.
const PoolHeader = "X-Storage-Pool"

// Service holds the handler dependencies.
type Service struct {
	store       storage.DefinitionStore
	codec       *definition.Codec
	log         *logger.Logger
	defaultPool string
}

// New creates the HTTP service.
func New(store storage.DefinitionStore, codec *definition.Codec, log *logger.Logger, defaultPool string) *Service {
	return &Service{
		store:       store,
		codec:       codec,
		log:         log,
		defaultPool: defaultPool,
	}
}

// Router builds the HTTP routes.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Metrics())
	r.Use(middleware.Logging(s.log))
	r.Use(middleware.Actor())

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/definitions", s.handleList).Methods(http.MethodGet)
	v1.HandleFunc("/definitions", s.handleCreate).Methods(http.MethodPost)
	v1.HandleFunc("/definitions/{name}", s.handleGet).Methods(http.MethodGet)
	v1.HandleFunc("/definitions/{name}", s.handleUpdate).Methods(http.MethodPut)
	v1.HandleFunc("/definitions/{name}", s.handleDelete).Methods(http.MethodDelete)
	v1.HandleFunc("/definitions/{name}/history", s.handleHistory).Methods(http.MethodGet)

	return r
}

func (s *Service) pool(r *http.Request) string {
	if pool := r.Header.Get(PoolHeader); pool != "" {
		return pool
	}
	return s.defaultPool
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
