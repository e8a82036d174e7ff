// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package httpapi is the thin HTTP transport in front of the session
// registry. Routing, JSON marshaling, and status mapping live here; all
// session semantics live in the registry.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/Hyper-Int/browser-broker/internal/browser"
	"github.com/Hyper-Int/browser-broker/internal/cdp"
	"github.com/Hyper-Int/browser-broker/internal/logbuf"
	"github.com/Hyper-Int/browser-broker/internal/observability"
	"github.com/Hyper-Int/browser-broker/internal/ports"
	"github.com/Hyper-Int/browser-broker/internal/sessions"
)

type Server struct {
	registry *sessions.Registry
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewServer(registry *sessions.Registry, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		registry: registry,
		metrics:  metrics,
		logger:   logger.With().Str("component", "httpapi").Logger(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check - unauthenticated (for load balancer probes)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{sessionId}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{sessionId}/logs", s.handleSessionLogs)
	mux.HandleFunc("DELETE /sessions/{sessionId}", s.handleDeleteSession)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var opts sessions.Options
	if r.Body != nil {
		// Options are optional; an empty or absent body is fine.
		_ = json.NewDecoder(r.Body).Decode(&opts)
	}

	detail, err := s.registry.Create(r.Context(), opts)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	items := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	detail, err := s.registry.Get(r.PathValue("sessionId"))
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type logEntryView struct {
	Seq        uint64          `json:"seq"`
	Category   string          `json:"category"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt string          `json:"received_at"`
}

func (s *Server) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	since, err := parseUintParam(r, "since")
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_PARAM", "since must be a non-negative integer")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := s.registry.Logs(r.PathValue("sessionId"), since, limit)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}

	items := lo.Map(entries, func(e logbuf.Entry, _ int) logEntryView {
		return logEntryView{
			Seq:        e.Seq,
			Category:   e.Category,
			Payload:    e.Payload,
			ReceivedAt: e.ReceivedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		}
	})
	lastSeq := uint64(0)
	if len(entries) > 0 {
		lastSeq = entries[len(entries)-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    items,
		"last_seq": lastSeq,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), r.PathValue("sessionId")); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeRegistryError maps registry failures onto the transport contract:
// exhaustion is a capacity problem (503), launch/attach failures are server
// faults (500), unknown sessions are 404.
func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ports.ErrPortsExhausted):
		writeError(w, http.StatusServiceUnavailable, "PORTS_EXHAUSTED", err.Error())
	case errors.Is(err, sessions.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
	case errors.Is(err, browser.ErrLaunchFailed):
		writeError(w, http.StatusInternalServerError, "LAUNCH_FAILED", err.Error())
	case errors.Is(err, cdp.ErrAttachFailed):
		writeError(w, http.StatusInternalServerError, "ATTACH_FAILED", err.Error())
	default:
		s.logger.Error().Err(err).Msg("unhandled registry error")
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func parseUintParam(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
