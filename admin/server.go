package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/logger"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/outbox"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/repository"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Syncer triggers an out-of-band sync cycle.
type Syncer interface {
	TriggerNow(ctx context.Context) bool
}

// Pinger probes the cloud endpoint without delivering anything.
type Pinger interface {
	Configured() bool
	Ping(ctx context.Context) error
}

// Server exposes the read-only diagnostics surface and, when enabled, the
// operator actions (redrive, unclaim-stuck, manual trigger).
type Server struct {
	repository    repository.Repository
	syncer        Syncer
	pinger        Pinger
	writesEnabled bool
	apiKey        string
	logger        logger.Logger
}

func NewServer(r repository.Repository, s Syncer, p Pinger, writesEnabled bool, apiKey string, l logger.Logger) *Server {
	if r == nil || s == nil || p == nil {
		panic("you must provide a repository, a syncer and a pinger")
	}
	if l == nil {
		l = &logger.NopLogger{}
	}
	return &Server{
		repository:    r,
		syncer:        s,
		pinger:        p,
		writesEnabled: writesEnabled,
		apiKey:        apiKey,
		logger:        l,
	}
}

// Router builds the admin HTTP router.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
	if s.apiKey != "" {
		r.Use(s.apiKeyMiddleware)
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/state", s.handleState)
	r.Get("/outbox", s.handleListOutbox)
	r.Get("/dlq", s.handleListDlq)
	r.Get("/diagnostics/cloud", s.handleCloudDiagnostics)

	r.Group(func(r chi.Router) {
		r.Use(s.requireWrites)
		r.Post("/redrive", s.handleRedrive)
		r.Post("/unclaim-stuck", s.handleUnclaimStuck)
		r.Post("/trigger", s.handleTrigger)
	})

	return r
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-admin-key") != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireWrites(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.writesEnabled {
			writeError(w, http.StatusForbidden, "admin actions are disabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.repository.StateSummary(r.Context()); err != nil {
		s.logger.Error("health check failed", err)
		writeError(w, http.StatusServiceUnavailable, "storage unhealthy")
		return
	}
	w.Write([]byte("OK")) //nolint:errcheck
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	summary, err := s.repository.StateSummary(r.Context())
	if err != nil {
		s.logger.Error("building the state summary", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListOutbox(w http.ResponseWriter, r *http.Request) {
	status := outbox.Status(r.URL.Query().Get("status"))
	entries, err := s.repository.ListEntries(r.Context(), status, queryLimit(r))
	if err != nil {
		s.logger.Error("listing outbox entries", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, toEntryResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDlq(w http.ResponseWriter, r *http.Request) {
	entries, err := s.repository.ListDlq(r.Context(), queryLimit(r))
	if err != nil {
		s.logger.Error("listing dead-letter entries", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := make([]dlqResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, toDlqResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCloudDiagnostics(w http.ResponseWriter, r *http.Request) {
	resp := cloudDiagnosticsResponse{Configured: s.pinger.Configured()}
	if resp.Configured {
		if err := s.pinger.Ping(r.Context()); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Ok = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRedrive(w http.ResponseWriter, r *http.Request) {
	var req redriveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.AllDlq && len(req.Ids) == 0 {
		writeError(w, http.StatusBadRequest, "provide ids or set allDlq")
		return
	}
	count, err := s.repository.RedriveDlq(r.Context(), repository.RedriveRequest{
		Ids:    req.Ids,
		All:    req.AllDlq,
		Reason: req.Reason,
	})
	if err != nil {
		s.logger.Error("redriving dead-letter entries", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, redriveResponse{Redriven: count})
}

func (s *Server) handleUnclaimStuck(w http.ResponseWriter, r *http.Request) {
	var req unclaimStuckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OlderThanSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "olderThanSeconds must be positive")
		return
	}
	count, err := s.repository.UnclaimStuck(r.Context(), req.OlderThanSeconds)
	if err != nil {
		s.logger.Error("unclaiming stuck entries", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, unclaimStuckResponse{Unclaimed: count})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	triggered := s.syncer.TriggerNow(r.Context())
	writeJSON(w, http.StatusOK, triggerResponse{Triggered: triggered})
}

func queryLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
