package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/driftkit/driftkit/internal/collection"
	"github.com/driftkit/driftkit/internal/compactor"
	"github.com/driftkit/driftkit/internal/config"
	"github.com/driftkit/driftkit/internal/eventlog"
	"github.com/driftkit/driftkit/internal/logging"
	"github.com/driftkit/driftkit/internal/metrics"
	"github.com/driftkit/driftkit/internal/security"
	"github.com/driftkit/driftkit/internal/writer"
)

var log = logging.Component("server")

var upgrader = gorilla.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is driftkit's HTTP+WebSocket frontend: CORS/origin handling,
// client-IP extraction, and graceful shutdown.
type Server struct {
	cfg       *config.ServerConfig
	hub       *Hub
	security  *security.Manager
	api       *api
	scheduler *compactor.Scheduler
	httpSrv   *http.Server
}

// Deps bundles the components a Server wires together.
type Deps struct {
	Log         eventlog.EventLog
	Writer      *writer.Writer
	Registry    *collection.Registry
	Compactor   *compactor.Compactor
	Broadcaster Broadcaster
}

// New constructs a Server. If deps.Broadcaster is nil, a LocalBroadcaster
// is used (no cross-instance fanout).
func New(ctx context.Context, cfg *config.ServerConfig, deps Deps) (*Server, error) {
	broadcaster := deps.Broadcaster
	if broadcaster == nil {
		broadcaster = NewLocalBroadcaster()
	}

	hub, err := NewHub(ctx, broadcaster)
	if err != nil {
		return nil, err
	}
	go hub.Run(ctx)

	sm := security.NewManager()
	scheduler := compactor.NewScheduler(deps.Compactor, deps.Registry, cfg.CompactionInterval, cfg.PruneInterval)

	return &Server{
		cfg:       cfg,
		hub:       hub,
		security:  sm,
		scheduler: scheduler,
		api: &api{
			log:       deps.Log,
			writer:    deps.Writer,
			registry:  deps.Registry,
			compactor: deps.Compactor,
			hub:       hub,
		},
	}, nil
}

// Start builds the route table and blocks serving HTTP until Shutdown is
// called or ListenAndServe fails.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.scheduler.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", metrics.Handler().ServeHTTP)
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.api.routes(mux)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("starting server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and disposes the security
// manager's background cleanup loops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.security.Dispose()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "driftkit",
		"version": "0.1.0",
		"endpoints": map[string]string{
			"health": "/health",
			"ws":     "/ws",
			"api":    "/api/*",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := s.getClientIP(r)

	if !s.security.Connections.CanConnect(clientIP) {
		log.Warn().Str("ip", clientIP).Msg("connection limit exceeded")
		http.Error(w, "too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.security.Connections.AddConnection(clientIP)

	conn := NewConnection(generateConnID(), ws, s.hub)
	conn.ClientIP = clientIP
	conn.Security = s.security
	s.hub.Register <- conn

	go conn.WritePump()
	go conn.ReadPump()
}

func (s *Server) getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			return forwarded[:idx]
		}
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origins := strings.Join(s.cfg.CORSOrigins, ",")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origins)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func generateConnID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
