// Package admin serves the operator HTTP API of a simulated device: session
// status, a read-only view of the parameter tree and a manual connection
// request trigger.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/cpesim/pkg/datamodel"
	"github.com/codelaboratoryltd/cpesim/pkg/session"
)

// Engine is the part of the session engine the API needs.
type Engine interface {
	Stats() session.Stats
	ConnectionRequest()
}

// Config contains admin server configuration.
type Config struct {
	// ListenAddr is the address to serve on.
	ListenAddr string

	// Metrics, if set, is mounted at /metrics.
	Metrics http.Handler
}

// DefaultConfig returns the default admin configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "127.0.0.1:8080",
	}
}

// Server is the admin HTTP server.
type Server struct {
	config Config
	engine Engine
	tree   *datamodel.Tree
	logger *zap.Logger
	router chi.Router

	mu     sync.Mutex
	server *http.Server
	addr   string
}

// parameter is the JSON form of a tree entry.
type parameter struct {
	Name     string `json:"name"`
	Writable bool   `json:"writable"`
	Value    string `json:"value"`
	Type     string `json:"type"`
}

// New creates an admin server.
func New(config Config, engine Engine, tree *datamodel.Tree, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config: config,
		engine: engine,
		tree:   tree,
		logger: logger,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	if s.config.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.config.Metrics)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/session", s.handleSession)
		r.Get("/parameters", s.handleParameters)
		r.Post("/connection-request", s.handleConnectionRequest)
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds ListenAddr and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin server error", zap.Error(err))
		}
	}()

	s.logger.Info("Admin API started", zap.String("addr", s.Addr()))
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

// handleSession returns the engine status.
// GET /api/v1/session
func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Stats())
}

// handleParameters lists the parameters under the prefix query parameter.
// GET /api/v1/parameters?prefix=Device.DeviceInfo.
func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	snapshot := s.tree.Snapshot(r.URL.Query().Get("prefix"))

	params := make([]parameter, 0, len(snapshot))
	for name, p := range snapshot {
		params = append(params, parameter{
			Name:     name,
			Writable: p.Writable,
			Value:    p.Value,
			Type:     p.Type,
		})
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })

	s.respondJSON(w, http.StatusOK, params)
}

// handleConnectionRequest asks the device to check in now.
// POST /api/v1/connection-request
func (s *Server) handleConnectionRequest(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Connection request via admin API", zap.String("remote", r.RemoteAddr))
	s.engine.ConnectionRequest()
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}
