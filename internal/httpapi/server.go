package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/auth"
	"github.com/praxis-ai/coordinator/internal/coorddb"
	"github.com/praxis-ai/coordinator/internal/dashboard"
	"github.com/praxis-ai/coordinator/internal/events"
	"github.com/praxis-ai/coordinator/internal/flags"
	"github.com/praxis-ai/coordinator/internal/ratelimit"
	"github.com/praxis-ai/coordinator/internal/sessionregistry"
)

// Server exposes coordinator state to host processes: a JSON snapshot, an
// SSE event stream, a websocket event stream, and Prometheus metrics.
type Server struct {
	addr      string
	dashboard *dashboard.Manager
	flags     *flags.Registry
	tracker   *ratelimit.Tracker
	db        *coorddb.DB
	sessions  *sessionregistry.Registry
	bus       *events.Bus
	authMW    *auth.Middleware
	coord     CoordinationDeps
	logger    *zap.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// Deps collects the server's collaborators.
type Deps struct {
	Dashboard *dashboard.Manager
	Flags     *flags.Registry
	Tracker   *ratelimit.Tracker
	DB        *coorddb.DB
	Sessions  *sessionregistry.Registry
	Bus       *events.Bus
	Auth      *auth.Middleware

	Coordination CoordinationDeps
}

func NewServer(addr string, deps Deps, logger *zap.Logger) *Server {
	return &Server{
		addr:      addr,
		dashboard: deps.Dashboard,
		flags:     deps.Flags,
		tracker:   deps.Tracker,
		db:        deps.DB,
		sessions:  deps.Sessions,
		bus:       deps.Bus,
		authMW:    deps.Auth,
		coord:     deps.Coordination,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the full route tree: open health and metrics endpoints plus
// the authenticated API and websocket surfaces.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)

	api := http.NewServeMux()
	api.HandleFunc("/api/state", s.handleState)
	api.HandleFunc("/api/flags", s.handleFlags)
	api.HandleFunc("/api/ratelimit", s.handleRateLimit)
	api.HandleFunc("/api/sessions", s.handleSessions)
	api.HandleFunc("/api/conflicts", s.handleConflicts)
	api.HandleFunc("/api/events", s.handleSSE)
	api.HandleFunc("/ws/events", s.handleWebsocket)
	s.registerCoordinationRoutes(api, s.coord)
	mux.Handle("/api/", s.authMW.Handler(api))
	mux.Handle("/ws/", s.authMW.Handler(api))
	return mux
}

// Start runs the listener in the background.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("HTTP API listening", zap.String("addr", s.addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	state := s.dashboard.GetState()
	if state == nil {
		http.Error(w, `{"error":"state unavailable"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.flags.GetSummary())
	case http.MethodPost:
		var body struct {
			Name  string `json:"name"`
			Value bool   `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
			return
		}
		if err := s.flags.SetFlag(body.Name, body.Value); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"name": body.Name, "value": body.Value})
	default:
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	projected, _ := strconv.Atoi(r.URL.Query().Get("projected_tokens"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": s.tracker.GetStatus(),
		"check":  s.tracker.CanMakeCall(projected),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.GetSummaryWithHierarchy())
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	page, err := s.db.GetConflicts(r.Context(), coorddb.ConflictQuery{
		Resource:        r.URL.Query().Get("resource"),
		IncludeResolved: r.URL.Query().Get("include_resolved") == "true",
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleSSE streams bus events as server-sent events. A since parameter
// replays history from a sequence number first.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = "*"
	}
	ch := s.bus.Subscribe(kind, 64)
	defer s.bus.Unsubscribe(kind, ch)

	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		if since, err := strconv.ParseUint(sinceStr, 10, 64); err == nil {
			for _, evt := range s.bus.ReplaySince(since) {
				writeSSE(w, evt)
			}
			flusher.Flush()
		}
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, evt)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt events.Event) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, evt.Marshal())
}

// handleWebsocket streams bus events over a websocket.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = "*"
	}
	ch := s.bus.Subscribe(kind, 64)
	defer s.bus.Unsubscribe(kind, ch)

	// Reader goroutine detects client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, evt.Marshal()); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
