package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tessera/internal/common"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/progress"
)

// Server exposes the push notification channel (C3) over HTTP. It
// deliberately carries no REST resource routes: job and tenant
// management are owned by the scheduler and dispatcher, not this layer.
type Server struct {
	publisher   interfaces.ProgressPublisher
	db          interfaces.DB
	bus         interfaces.Bus
	vectorStore interfaces.VectorStore
	logger      arbor.ILogger
	server      *http.Server
}

func New(config *common.Config, publisher interfaces.ProgressPublisher, db interfaces.DB, bus interfaces.Bus, vectorStore interfaces.VectorStore, logger arbor.ILogger) *Server {
	s := &Server{publisher: publisher, db: db, bus: bus, vectorStore: vectorStore, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections stay open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// healthStatus is the /healthz response body: per-dependency readiness
// plus an overall verdict the caller can check without parsing details.
type healthStatus struct {
	OK       bool   `json:"ok"`
	Database string `json:"database"`
	Bus      string `json:"bus"`
	Vector   string `json:"vector"`
}

// handleHealth pings the database, message bus, and vector store and
// reports 200 only when all three are reachable; any failure reports 503
// with the failing dependency named in the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := healthStatus{OK: true, Database: "ok", Bus: "ok", Vector: "ok"}

	if err := s.db.RO().PingContext(ctx); err != nil {
		status.OK = false
		status.Database = err.Error()
	}
	if err := s.bus.Ping(ctx); err != nil {
		status.OK = false
		status.Bus = err.Error()
	}
	if err := s.vectorStore.Ping(ctx); err != nil {
		status.OK = false
		status.Vector = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	if !status.OK {
		s.logger.Warn().Str("database", status.Database).Str("bus", status.Bus).Str("vector", status.Vector).Msg("healthz readiness check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID, err := strconv.ParseInt(r.URL.Query().Get("tenant_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid tenant_id", http.StatusBadRequest)
		return
	}
	jobID, err := strconv.ParseInt(r.URL.Query().Get("job_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job_id", http.StatusBadRequest)
		return
	}

	if err := progress.ServeSubscription(r.Context(), s.logger, s.publisher, w, r, tenantID, jobID); err != nil {
		s.logger.Warn().Err(err).Int64("tenant_id", tenantID).Int64("job_id", jobID).Msg("progress subscription closed")
	}
}

// Start runs the HTTP server until it is shut down; it returns
// http.ErrServerClosed on a clean Shutdown, which the caller treats as
// success.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.server.Addr).Msg("push notification server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
