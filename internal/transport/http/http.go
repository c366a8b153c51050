// Package http implements IngestionEndpoint and QueryEndpoint: the REST
// surface for posting hook events and for querying/mutating agent state
// directly. Routing uses httprouter for its low-allocation matching.
package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentwatch/agentwatch/internal/agent"
	"github.com/agentwatch/agentwatch/internal/apperr"
	"github.com/agentwatch/agentwatch/internal/registry"
	"github.com/agentwatch/agentwatch/internal/router"
	"github.com/agentwatch/agentwatch/internal/telemetry"
)

type responseError struct {
	Error string `json:"error"`
}

// Server wires the REST surface over a Router, plus /health and /metrics.
type Server struct {
	rt                *router.Router
	ingestionDeadline time.Duration
	subscriberCount   func() int
	startedAt         time.Time
}

// New constructs a Server. subscriberCount is polled for the /health
// response and is typically broadcast.Broadcaster.Count.
func New(rt *router.Router, ingestionDeadline time.Duration, subscriberCount func() int) *Server {
	return &Server{
		rt:                rt,
		ingestionDeadline: ingestionDeadline,
		subscriberCount:   subscriberCount,
		startedAt:         time.Now().UTC(),
	}
}

// Handler builds the httprouter.Router with every route registered.
func (s *Server) Handler() http.Handler {
	r := httprouter.New()
	r.POST("/events", s.handleIngest)
	r.POST("/agents", s.handleRegister)
	r.GET("/agents", s.handleList)
	r.GET("/agents/hierarchy/*rootId", s.handleHierarchy)
	r.GET("/agents/search/:query", s.handleSearch)
	r.GET("/agents/:id", s.handleGet)
	r.PATCH("/agents/:id/status", s.handleUpdateStatus)
	r.PATCH("/agents/:id/context", s.handleUpdateContext)
	r.POST("/agents/:id/logs", s.handleAppendLog)
	r.GET("/agents/:id/logs", s.handleListLogs)
	r.DELETE("/agents/:id", s.handleDelete)
	r.GET("/health", s.handleHealth)
	r.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), s.ingestionDeadline)
	defer cancel()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "cannot read request body", err))
		return
	}

	out, err := s.rt.Dispatch(ctx, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req registry.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "malformed body", err))
		return
	}
	existing, getErr := s.rt.Get(r.Context(), req.ID)
	a, err := s.rt.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if getErr == nil && existing != nil {
		status = http.StatusOK
	}
	writeJSON(w, status, a)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	query := registry.Query{
		ProjectPath: q.Get("projectPath"),
		Status:      agent.Status(q.Get("status")),
		ParentID:    q.Get("parentId"),
		Tag:         q.Get("tag"),
		Limit:       atoiDefault(q.Get("limit"), 0),
		Offset:      atoiDefault(q.Get("offset"), 0),
	}
	writeJSON(w, http.StatusOK, s.rt.List(r.Context(), query))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	a, err := s.rt.Get(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body struct {
		Status agent.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "malformed body", err))
		return
	}
	a, err := s.rt.UpdateStatus(r.Context(), ps.ByName("id"), body.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateContext(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body struct {
		Context map[string]any `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "malformed body", err))
		return
	}
	a, err := s.rt.UpdateContext(r.Context(), ps.ByName("id"), body.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAppendLog(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body struct {
		Level    agent.Level    `json:"level"`
		Message  string         `json:"message"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "malformed body", err))
		return
	}
	if body.Level == "" {
		body.Level = agent.LevelInfo
	}
	entry, err := s.rt.AppendLog(r.Context(), ps.ByName("id"), body.Level, body.Message, body.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	a, err := s.rt.Get(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit := atoiDefault(r.URL.Query().Get("limit"), len(a.Logs))
	logs := a.Logs
	if limit < len(logs) {
		logs = logs[len(logs)-limit:]
	}
	newestFirst := make([]agent.LogEntry, len(logs))
	for i, l := range logs {
		newestFirst[len(logs)-1-i] = l
	}
	writeJSON(w, http.StatusOK, newestFirst)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	existed, err := s.rt.Delete(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !existed {
		writeError(w, apperr.New(apperr.NotFound, "agent not found: "+ps.ByName("id")))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHierarchy(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rootID := ps.ByName("rootId")
	if len(rootID) > 0 && rootID[0] == '/' {
		rootID = rootID[1:]
	}
	writeJSON(w, http.StatusOK, s.rt.Hierarchy(r.Context(), rootID))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	q := registry.Query{Search: ps.ByName("query")}
	writeJSON(w, http.StatusOK, s.rt.List(r.Context(), q))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	subs := 0
	if s.subscriberCount != nil {
		subs = s.subscriberCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"agents":      s.rt.Count(),
		"subscribers": subs,
		"uptime":      time.Since(s.startedAt).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(statusFor(apperr.CodeOf(err)))
	telemetry.Error(context.Background(), err, "request failed")
	_ = json.NewEncoder(w).Encode(responseError{Error: err.Error()})
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.Validation, apperr.InvalidTransition:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

