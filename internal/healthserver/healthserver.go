// Package healthserver exposes the /healthz liveness endpoint and the
// /metrics Prometheus scrape endpoint. Both are external collaborators
// per the specification's scope; this is the thin boundary implementation
// needed to run and observe a node.
package healthserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/quarkdb/quarkdb/internal/qmetrics"
)

// LivenessSource reports the values needed to answer /healthz.
type LivenessSource interface {
	LastApplied() uint64
	CommitIndex() uint64
	IsLeader() bool
	Members() []string
	// Resilvering reports the ID of an in-progress snapshot transfer
	// this replica is receiving, if any.
	Resilvering() (id string, active bool)
}

// Status is the JSON body returned by /healthz.
type Status struct {
	Healthy           bool     `json:"healthy"`
	LastApplied       uint64   `json:"last_applied"`
	CommitIndex       uint64   `json:"commit_index"`
	IsLeader          bool     `json:"is_leader"`
	Members           []string `json:"members"`
	ResilveringActive bool     `json:"resilvering_active"`
	ResilveringID     string   `json:"resilvering_id,omitempty"`
	CheckedAt         int64    `json:"checked_at"`
}

// Server is the HTTP listener for health and metrics.
type Server struct {
	addr   string
	source LivenessSource
	srv    *http.Server
}

// New creates a health server bound to addr; it doesn't listen until Start.
func New(addr string, source LivenessSource) *Server {
	return &Server{addr: addr, source: source}
}

// Start begins serving in the background. Call Stop to shut down.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", qmetrics.Handler())

	s.srv = &http.Server{Addr: s.addr, Handler: mux}
	ln, err := newListener(s.addr)
	if err != nil {
		return err
	}
	go s.srv.Serve(ln)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resilveringID, resilveringActive := s.source.Resilvering()
	st := Status{
		LastApplied:       s.source.LastApplied(),
		CommitIndex:       s.source.CommitIndex(),
		IsLeader:          s.source.IsLeader(),
		Members:           s.source.Members(),
		ResilveringActive: resilveringActive,
		ResilveringID:     resilveringID,
		CheckedAt:         time.Now().Unix(),
	}
	st.Healthy = st.LastApplied <= st.CommitIndex

	w.Header().Set("Content-Type", "application/json")
	if !st.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(st)
}
