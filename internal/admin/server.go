// Package admin provides the read-only HTTP surface for inspecting a
// running Cluster: health, membership, and Prometheus metrics.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coreswim/swimcluster/internal/swim"
)

// Server is the admin HTTP API in front of a Cluster.
type Server struct {
	cluster  *swim.Cluster
	registry *prometheus.Registry
}

// NewServer builds an admin server over cluster. registry may be nil, in
// which case /metrics serves Prometheus's process-wide default registry.
func NewServer(cluster *swim.Cluster, registry *prometheus.Registry) *Server {
	return &Server{cluster: cluster, registry: registry}
}

// Handler returns the chi router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/members", s.handleMembers)

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	members := s.cluster.Members()
	out := make([]memberView, len(members))
	for i, n := range members {
		out[i] = memberView{
			Name:        n.Name,
			Addr:        n.Addr(),
			Status:      n.Status.String(),
			Incarnation: n.Incarnation,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type memberView struct {
	Name        string `json:"name"`
	Addr        string `json:"addr"`
	Status      string `json:"status"`
	Incarnation uint64 `json:"incarnation"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
